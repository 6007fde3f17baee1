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

package inlinecache

import (
    `github.com/chenzhuoyu/iasm/x86_64`

    `github.com/cloudwego/inlinecache/asm`
)

func isLargeConstant(v int64) bool {
    return !asm.IsInt32(v)
}

/* findConst looks for a register that already holds the constant val */
func (self *Rewriter) findConst(val int64) (x86_64.Register64, bool) {
    self.assertPhaseEmitting()

    for _, p := range self.consts {
        if p.val != val {
            continue
        }
        for _, l := range p.cv.locations {
            if l.Kind() == LocRegister {
                return l.asReg(), true
            }
        }
    }

    return 0, false
}

func (self *Rewriter) tryRegRegMove(val int64, dst x86_64.Register64) bool {
    self.assertPhaseEmitting()

    if src, ok := self.findConst(val); ok {
        if src != dst {
            self.asm.MOVQ(src, dst)
        }
        return true
    }
    return false
}

/* tryLea derives a large constant from a register holding a nearby one */
func (self *Rewriter) tryLea(val int64, dst x86_64.Register64) bool {
    self.assertPhaseEmitting()

    if !isLargeConstant(val) {
        return false
    }

    /* scan registers in a fixed order, emitted code must not depend on
     * map iteration */
    for reg := x86_64.RAX; reg <= x86_64.R15; reg++ {
        v := self.varsByLoc[Reg(reg)]
        if v == nil || v == locationPlaceholder || !v.isConst {
            continue
        }
        if delta := val - v.constVal; !isLargeConstant(delta) {
            self.asm.LEAQ(asm.Ptr(reg, int32(delta)), dst)
            return true
        }
    }

    return false
}

// loadConstIntoReg materializes val into dst with the cheapest available
// sequence: the zero idiom, a reg-reg copy of an already-loaded constant,
// a lea off a nearby constant, or a plain 64-bit immediate.
func (self *Rewriter) loadConstIntoReg(val int64, dst x86_64.Register64) {
    self.assertPhaseEmitting()

    if val == 0 {
        self.asm.XORLSelf(dst)
        return
    }

    if self.tryRegRegMove(val, dst) {
        return
    }

    if self.tryLea(val, dst) {
        return
    }

    self.asm.MOVQ(val, dst)
}
