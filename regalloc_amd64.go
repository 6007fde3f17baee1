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
    `github.com/davecgh/go-spew/spew`

    `github.com/cloudwego/inlinecache/asm`
)

/* consistency checking is cheap relative to encoding, keep it on */
const _ConsistencyChecks = true

func (self *Rewriter) indirectFor(l Location) *x86_64.MemoryOperand {
    switch l.Kind() {
        case LocScratch : return asm.Ptr(asm.RSP, self.rewrite.ScratchRspOffset() + l.Offset())
        case LocStack   : return asm.Ptr(asm.RSP, l.Offset())
        default         : panic("inlinecache: not a memory location: " + l.String())
    }
}

/* scratchToStack rebases a scratch location onto plain SP-relative stack
 * addressing, decref info must stay valid after the scratch base is gone */
func (self *Rewriter) scratchToStack(l Location) Location {
    return Stack(self.rewrite.ScratchRspOffset() + l.Offset())
}

func (self *Rewriter) addLocationToVar(v *RewriterVar, l Location) {
    if self.failed {
        return
    }

    if v.isInLocation(l) {
        panic("inlinecache: var already holds location " + l.String())
    }
    if self.varsByLoc[l] != nil {
        panic("inlinecache: location already occupied: " + l.String())
    }

    switch l.Kind() {
        case LocRegister, LocXMMRegister, LocScratch, LocStack : break
        default : panic("inlinecache: invalid location for a var: " + l.String())
    }

    v.locations = append(v.locations, l)
    self.varsByLoc[l] = v

    /* a value held as a small constant, in scratch, or on the stack is
     * re-materializable from exactly one of those */
    if _ConsistencyChecks {
        n := 0
        if v.isConst && !isLargeConstant(v.constVal) {
            n++
        }
        for _, p := range v.locations {
            if p.Kind() == LocStack || p.Kind() == LocScratch {
                n++
            }
        }
        if n > 1 {
            panic("inlinecache: var is rematerializable from more than one source")
        }
    }
}

func (self *Rewriter) removeLocationFromVar(v *RewriterVar, l Location) {
    if !v.isInLocation(l) || self.varsByLoc[l] != v {
        panic("inlinecache: var does not hold location " + l.String())
    }

    delete(self.varsByLoc, l)
    for i, p := range v.locations {
        if p == l {
            v.locations = append(v.locations[:i], v.locations[i + 1:]...)
            break
        }
    }
}

// allocScratch finds the first free 8-byte scratch slot.
func (self *Rewriter) allocScratch() Location {
    self.assertPhaseEmitting()

    for i := int32(0); i < int32(self.rewrite.ScratchSize()); i += 8 {
        if l := Scratch(i); self.varsByLoc[l] == nil {
            return l
        }
    }

    self.failed = true
    return noneLoc
}

/* spillRegister evicts the occupant of reg without losing its value. The
 * register named by preserve is never touched in the process. */
func (self *Rewriter) spillRegister(reg x86_64.Register64, preserve Location) {
    v := self.varsByLoc[Reg(reg)]
    if v == nil {
        panic("inlinecache: spilling an empty register: " + reg.String())
    }

    /* values held elsewhere too, constants and scratch-run owners can be
     * re-materialized, just drop the register */
    if len(v.locations) > 1 || v.isConst || v.isScratchAllocation() {
        self.removeLocationFromVar(v, Reg(reg))
        return
    }

    /* a free callee-save register is the best home, it survives calls */
    for _, nr := range self.allocatable {
        if !asm.IsCalleeSave(nr) {
            continue
        }
        if self.varsByLoc[Reg(nr)] != nil || Reg(nr) == preserve {
            continue
        }

        self.asm.MOVQ(reg, nr)
        self.addLocationToVar(v, Reg(nr))
        self.removeLocationFromVar(v, Reg(reg))
        return
    }

    /* otherwise store it into scratch */
    l := self.allocScratch()
    if self.failed {
        return
    }

    self.asm.MOVQ(reg, self.indirectFor(l))
    self.addLocationToVar(v, l)
    self.removeLocationFromVar(v, Reg(reg))
}

func (self *Rewriter) spillXMMRegister(reg x86_64.XMMRegister) {
    self.assertPhaseEmitting()

    v := self.varsByLoc[XMMReg(reg)]
    if v == nil {
        panic("inlinecache: spilling an empty XMM register")
    }
    if len(v.locations) != 1 {
        panic("inlinecache: XMM var with multiple locations")
    }

    l := self.allocScratch()
    if self.failed {
        return
    }

    self.asm.MOVSD(reg, self.indirectFor(l))
    self.addLocationToVar(v, l)
    self.removeLocationFromVar(v, XMMReg(reg))
}

func (self *Rewriter) allocReg(dest Location, otherThan Location) x86_64.Register64 {
    return self.allocRegFrom(dest, otherThan, self.allocatable)
}

/* allocRegFrom hands out a register from valid, spilling if needed. With an
 * AnyReg hint the victim is the occupied register whose variable's next use
 * is farthest in the future. */
func (self *Rewriter) allocRegFrom(dest Location, otherThan Location, valid []x86_64.Register64) x86_64.Register64 {
    self.assertPhaseEmitting()

    switch dest.Kind() {
        case LocAnyReg:
            best := -1
            found := false
            bestReg := valid[0]

            for _, reg := range valid {
                if Reg(reg) == otherThan {
                    continue
                }

                v := self.varsByLoc[Reg(reg)]
                if v == nil {
                    return reg
                }

                /* argument registers are untouchable while guarding */
                if !self.doneGuarding && v.isArg && v.argLoc == Reg(reg) {
                    continue
                }

                /* a dead var still occupying a register is in the middle
                 * of being released, leave it alone */
                if v.nextUse == len(v.uses) {
                    continue
                } else if v.uses[v.nextUse] > best {
                    found = true
                    best = v.uses[v.nextUse]
                    bestReg = reg
                }
            }

            if !found {
                self.failed = true
                return valid[0]
            }

            self.spillRegister(bestReg, otherThan)
            return bestReg

        case LocRegister:
            reg := dest.asReg()
            if !regInSet(reg, valid) {
                panic("inlinecache: register not in the valid set: " + reg.String())
            }
            if self.varsByLoc[dest] != nil {
                self.spillRegister(reg, otherThan)
            }
            return reg

        default:
            panic("inlinecache: invalid register request: " + dest.String())
    }
}

func (self *Rewriter) allocXMMReg(dest Location, otherThan Location) x86_64.XMMRegister {
    self.assertPhaseEmitting()

    switch dest.Kind() {
        case LocAnyReg:
            for _, reg := range asm.AllocatableXMMRegs() {
                if XMMReg(reg) != otherThan && self.varsByLoc[XMMReg(reg)] == nil {
                    return reg
                }
            }
            if otherThan == XMMReg(asm.XMM1) {
                return self.allocXMMReg(XMMReg(asm.XMM2), noneLoc)
            }
            return self.allocXMMReg(XMMReg(asm.XMM1), noneLoc)

        case LocXMMRegister:
            reg := dest.asXMMReg()
            if self.varsByLoc[dest] != nil {
                self.spillXMMRegister(reg)
            }
            return reg

        default:
            panic("inlinecache: invalid XMM register request: " + dest.String())
    }
}

func regInSet(r x86_64.Register64, set []x86_64.Register64) bool {
    for _, v := range set {
        if v == r {
            return true
        }
    }
    return false
}

/* assertConsistent checks the bijection between the allocator map and the
 * vars' location sets */
func (self *Rewriter) assertConsistent() {
    if !_ConsistencyChecks || self.failed {
        return
    }

    for _, v := range self.vars {
        for _, l := range v.locations {
            if self.varsByLoc[l] != v {
                spew.Dump(v.locations)
                panic("inlinecache: allocator map does not own " + l.String())
            }
        }
    }

    for l, v := range self.varsByLoc {
        if v == locationPlaceholder {
            continue
        }
        if !v.isInLocation(l) {
            spew.Dump(v.locations)
            panic("inlinecache: var does not know about " + l.String())
        }
    }
}
