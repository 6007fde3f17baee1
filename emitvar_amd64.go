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
)

/* emit-phase methods of RewriterVar: materialization into registers, use
 * accounting, and release */

func (self *RewriterVar) getInReg(dest Location, allowConstInReg bool, otherThan Location) x86_64.Register64 {
    rw := self.rw

    if dest.Kind() != LocRegister && dest.Kind() != LocAnyReg {
        panic("inlinecache: invalid register destination: " + dest.String())
    }
    if _ConsistencyChecks && !allowConstInReg {
        if self.isConst && !isLargeConstant(self.constVal) {
            panic("inlinecache: small constant should be used as an immediate")
        }
    }

    /* pure constant, not materialized anywhere yet */
    if len(self.locations) == 0 && self.isConst {
        reg := rw.allocReg(dest, otherThan)
        rw.loadConstIntoReg(self.constVal, reg)
        rw.addLocationToVar(self, Reg(reg))
        return reg
    }

    /* scratch-run owner, re-derive the base address */
    if len(self.locations) == 0 && self.isScratchAllocation() {
        reg := rw.allocReg(dest, otherThan)
        rw.asm.LEAQ(rw.indirectFor(self.getScratchLocation(0)), reg)
        rw.addLocationToVar(self, Reg(reg))
        return reg
    }

    if len(self.locations) == 0 {
        panic("inlinecache: var has no location and no way to materialize")
    }

    /* already exactly where it is wanted */
    for _, l := range self.locations {
        if l == dest {
            return l.asReg()
        }
    }

    /* in some other register */
    for _, l := range self.locations {
        if l.Kind() != LocRegister {
            continue
        }
        reg := l.asReg()

        if dest.Kind() == LocAnyReg {
            return reg
        }

        rw.allocReg(dest, otherThan)
        rw.asm.MOVQ(reg, dest.asReg())
        rw.addLocationToVar(self, dest)
        return dest.asReg()
    }

    /* in memory only, reload */
    l := self.locations[0]
    reg := rw.allocReg(dest, otherThan)
    if rw.failed {
        return reg
    }

    switch l.Kind() {
        case LocScratch, LocStack : rw.asm.MOVQ(rw.indirectFor(l), reg)
        default                   : panic("inlinecache: cannot reload from " + l.String())
    }

    rw.addLocationToVar(self, Reg(reg))
    return reg
}

func (self *RewriterVar) getInXMMReg(dest Location) x86_64.XMMRegister {
    rw := self.rw

    if dest.Kind() != LocXMMRegister && dest.Kind() != LocAnyReg {
        panic("inlinecache: invalid XMM destination: " + dest.String())
    }
    if self.isConst || len(self.locations) == 0 {
        panic("inlinecache: XMM var has no location")
    }

    for _, l := range self.locations {
        if l == dest {
            return l.asXMMReg()
        }
    }

    for _, l := range self.locations {
        if l.Kind() != LocXMMRegister {
            continue
        }
        reg := l.asXMMReg()

        if dest.Kind() == LocAnyReg {
            return reg
        }

        rw.asm.MOVSD(reg, dest.asXMMReg())
        rw.addLocationToVar(self, dest)
        return dest.asXMMReg()
    }

    /* spilled to scratch, reload into the requested register */
    l := self.locations[0]
    if l.Kind() != LocScratch {
        panic("inlinecache: cannot reload XMM var from " + l.String())
    }
    if dest.Kind() != LocXMMRegister {
        panic("inlinecache: reloading an XMM var needs an explicit register")
    }

    reg := dest.asXMMReg()
    rw.asm.MOVSD(rw.indirectFor(l), reg)
    rw.addLocationToVar(self, dest)
    return reg
}

func (self *RewriterVar) initializeInReg(dest Location) x86_64.Register64 {
    rw := self.rw
    rw.assertPhaseEmitting()

    /* while guarding, a specific register held by an entry argument cannot
     * be taken, fall back to any register */
    if dest.Kind() == LocRegister && !rw.doneGuarding {
        if v := rw.varsByLoc[dest]; v != nil && v.isArg {
            dest = anyReg
        }
    }

    reg := rw.allocReg(dest, noneLoc)
    if rw.failed {
        return reg
    }

    rw.addLocationToVar(self, Reg(reg))
    return reg
}

func (self *RewriterVar) initializeInXMMReg(dest Location) x86_64.XMMRegister {
    rw := self.rw
    rw.assertPhaseEmitting()

    reg := rw.allocXMMReg(dest, noneLoc)
    rw.addLocationToVar(self, XMMReg(reg))
    return reg
}

/* bumpUse advances the use cursor and releases the var when its last use
 * has passed */
func (self *RewriterVar) bumpUse() {
    rw := self.rw
    rw.assertPhaseEmitting()

    self.nextUse++
    if self.nextUse > len(self.uses) {
        panic("inlinecache: use cursor ran past the use list")
    }

    if self.nextUse == len(self.uses) {
        /* entry args stay pinned until guarding is done */
        if !rw.doneGuarding && self.isArg {
            return
        }
        self.release()
    }
}

/* bumpUseEarlyIfPossible advances the cursor before the current action's
 * own emission, unless releasing might emit a decref, which must not land
 * in the middle of the action's code */
func (self *RewriterVar) bumpUseEarlyIfPossible() {
    if self.reftype == RefOwned && !self.refHandedOff() {
        self.bumpPending = true
    } else {
        self.bumpUse()
    }
}

func (self *RewriterVar) bumpUseLateIfNecessary() {
    if self.bumpPending {
        self.bumpPending = false
        self.bumpUse()
    }
}

/* releaseIfNoUses releases results nothing ever reads */
func (self *RewriterVar) releaseIfNoUses() {
    self.rw.assertPhaseEmitting()

    if len(self.uses) == 0 {
        if self.nextUse != 0 {
            panic("inlinecache: unused var with a nonzero use cursor")
        }
        self.release()
    }
}

func (self *RewriterVar) release() {
    rw := self.rw

    /* an owned reference that nobody took over must be dropped here */
    if self.reftype == RefOwned && !self.refHandedOff() {
        if self.nullable {
            rw.emitXdecref(self, nil)
        } else {
            rw.emitDecref(self, nil)
        }
    }

    for _, l := range self.locations {
        delete(rw.varsByLoc, l)
    }

    /* free the scratch run along with its placeholder reservations */
    if self.isScratchAllocation() {
        for i := 0; i < self.scratchLen; i++ {
            l := self.getScratchLocation(int32(i) * 8)
            if rw.varsByLoc[l] != locationPlaceholder {
                panic("inlinecache: scratch run lost its reservation")
            }
            delete(rw.varsByLoc, l)
        }
        self.resetIsScratchAllocation()
    }

    self.locations = self.locations[:0]
}
