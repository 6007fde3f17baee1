/*
 * Copyright 2022 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package asm

import (
    `fmt`
    `strings`

    `golang.org/x/arch/x86/x86asm`
)

const (
    _MaxByte = 10
)

// Dump disassembles the emitted code, interleaving recorded comments.
func (self *Assembler) Dump() string {
    pc := 0
    ci := 0
    sb := new(strings.Builder)

    for pc < len(self.buf) {
        for ci < len(self.cmts) && self.cmts[ci].off <= pc {
            fmt.Fprintf(sb, "           ; %s\n", self.cmts[ci].msg)
            ci++
        }

        /* decode one instruction */
        i, err := x86asm.Decode(self.buf[pc:], 64)
        if err != nil {
            fmt.Fprintf(sb, "0x%08x :  db 0x%02x\n", pc + int(self.base), self.buf[pc])
            pc++
            continue
        }

        /* one line per instruction, bytes on the left */
        dis := x86asm.GNUSyntax(i, uint64(pc) + uint64(self.base), nil)
        fmt.Fprintf(sb, "0x%08x : ", pc + int(self.base))
        for x := 0; x < i.Len && x < _MaxByte; x++ {
            fmt.Fprintf(sb, " %02x", self.buf[pc + x])
        }
        if i.Len < _MaxByte {
            sb.WriteString(strings.Repeat(" ", (_MaxByte - i.Len) * 3))
        }
        fmt.Fprintf(sb, "    %s\n", dis)
        pc += i.Len
    }

    return sb.String()
}
