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

    `github.com/chenzhuoyu/iasm/x86_64`
)

/* DWARF register numbering for x86-64, as produced by the stack-map parser
 * and consumed by the unwinder */

const (
    DwarfRBP = 6
    DwarfRSP = 7
)

var dwarfGPRegs = [16]x86_64.Register64 {
    0  : RAX,
    1  : RDX,
    2  : RCX,
    3  : RBX,
    4  : RSI,
    5  : RDI,
    6  : RBP,
    7  : RSP,
    8  : R8,
    9  : R9,
    10 : R10,
    11 : R11,
    12 : R12,
    13 : R13,
    14 : R14,
    15 : R15,
}

// FromDwarf converts a DWARF register number into a GP or XMM register.
func FromDwarf(regnum int) GenericReg {
    switch {
        case regnum >= 0 && regnum < 16  : return GP(dwarfGPRegs[regnum])
        case regnum >= 17 && regnum < 33 : return FP(allocatableXMMRegs[regnum - 17])
        default                          : panic(fmt.Sprintf("asm: invalid DWARF register number: %d", regnum))
    }
}

// ToDwarf converts a GP register into its DWARF register number.
func ToDwarf(r x86_64.Register64) int {
    for i, v := range dwarfGPRegs {
        if v == r {
            return i
        }
    }
    panic("asm: not a DWARF-numbered register: " + r.String())
}
