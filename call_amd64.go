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
    `unsafe`

    `github.com/chenzhuoyu/iasm/x86_64`

    `github.com/cloudwego/inlinecache/asm`
    `github.com/cloudwego/inlinecache/internal/rt`
)

/* the first bytes of a slot may later be overwritten with a jmp by the
 * invalidation protocol; calls with side effects must not start before
 * this prefix is complete */
const _ICInvalidationHeaderSize = 6

var callerSaveLocations = makeCallerSaveLocations()

func makeCallerSaveLocations() []Location {
    r := []Location {
        Reg(asm.RAX), Reg(asm.RCX), Reg(asm.RDX), Reg(asm.RSI), Reg(asm.RDI),
        Reg(asm.R8), Reg(asm.R9), Reg(asm.R10), Reg(asm.R11),
    }
    for _, x := range asm.AllocatableXMMRegs() {
        r = append(r, XMMReg(x))
    }
    return r
}

/* setupCall brings every argument into its System V position and makes sure
 * nothing live survives only in a caller-clobbered register */
func (self *Rewriter) setupCall(hasSideEffects bool, gp []*RewriterVar, xmm []*RewriterVar, preserve Location, bump []*RewriterVar) {
    if hasSideEffects && !self.doneGuarding {
        panic("inlinecache: side effects are not allowed while guarding")
    }

    /* keep the invalidation prefix writable as one piece */
    if hasSideEffects {
        self.asm.PadNops(_ICInvalidationHeaderSize)
    }

    /* count this execution into the slot, exactly once per slot */
    if hasSideEffects && self.needsInvalidation && !self.markedInsideIC {
        addr := uintptr(unsafe.Pointer(self.pickedSlot.NumInside))
        if isLargeConstant(int64(addr)) {
            reg := self.allocReg(anyReg, preserve)
            self.loadConstIntoReg(int64(addr), reg)
            self.asm.LOCKINCM(asm.Ptr(reg, 0))
        } else {
            self.asm.LOCKINCL(addr)
        }
        self.assertConsistent()
        self.markedInsideIC = true
    }

    /* place the integer arguments */
    for i, v := range gp {
        l := forArg(i)
        if l.Kind() != LocRegister {
            panic("inlinecache: stack call arguments are not supported")
        }

        if !v.isInLocation(l) {
            r := l.asReg()

            /* evict the current occupant first */
            self.allocReg(l, preserve)
            if self.failed {
                return
            }

            if imm, ok := v.tryGetAsImmediate(); ok {
                if imm == 0 {
                    self.asm.XORLSelf(r)
                } else {
                    self.asm.MOVQ(imm, r)
                }
                self.addLocationToVar(v, l)
            } else {
                v.getInReg(l, false, noneLoc)
            }
        }

        if _ConsistencyChecks && !v.isInLocation(l) {
            panic("inlinecache: call argument not in place")
        }
    }

    self.assertConsistent()

    /* XMM arguments must have been produced in place */
    for i, v := range xmm {
        if !v.isInLocation(XMMReg(asm.AllocatableXMMRegs()[i])) {
            panic("inlinecache: XMM call argument not in place")
        }
    }

    for _, v := range bump {
        v.bumpUseEarlyIfPossible()
    }

    /* spill everything that lives only in caller-clobbered registers */
    for _, check := range callerSaveLocations {
        v := self.varsByLoc[check]
        if v == nil {
            continue
        }

        need := true
        for _, l := range v.locations {
            if !l.IsClobberedByCall() {
                need = false
                break
            }
        }

        /* an argument on its final use dies with the call anyway */
        if need {
            for _, a := range gp {
                if a == v {
                    if v.isDoneUsing() {
                        need = false
                    }
                    break
                }
            }
        }

        if !need {
            self.removeLocationFromVar(v, check)
        } else if check.Kind() == LocRegister {
            self.spillRegister(check.asReg(), preserve)
            if self.failed {
                return
            }
        } else {
            self.spillXMMRegister(check.asXMMReg())
            if self.failed {
                return
            }
        }
    }

    self.assertConsistent()

    if _ConsistencyChecks {
        for l, v := range self.varsByLoc {
            if l.Kind() != LocScratch && l.Kind() != LocStack && l.IsClobberedByCall() && v != locationPlaceholder {
                panic("inlinecache: live value left in caller-clobbered " + l.String())
            }
        }
    }
}

/* callOptimalEncoding uses the 5-byte rel32 form when the callee is within
 * ±2GiB, and goes through tmp otherwise */
func (self *Rewriter) callOptimalEncoding(tmp x86_64.Register64, fn uintptr) {
    if _ConsistencyChecks && self.varsByLoc[Reg(tmp)] != nil {
        panic("inlinecache: call scratch register is occupied")
    }

    if self.asm.CallFits(fn) {
        self.asm.CALL(fn)
    } else {
        self.loadConstIntoReg(int64(fn), tmp)
        self.asm.CALLQ(tmp)
    }
}

func (self *Rewriter) emitCall(a *_Action) {
    self.asm.Comment("call")

    /* R11 is the call scratch register by convention */
    self.allocReg(Reg(asm.R11), noneLoc)
    if self.failed {
        return
    }

    hasSideEffects := a.tag == ActionMutation
    self.setupCall(hasSideEffects, a.gp, a.xmm, Reg(asm.R11), a.uses)
    if self.failed {
        return
    }

    self.assertConsistent()
    self.callOptimalEncoding(asm.R11, a.fn)

    /* every helper may throw, so the unwinder needs to know what to drop */
    self.registerDecrefInfoHere()

    if !self.failed {
        if _ConsistencyChecks && self.varsByLoc[Reg(asm.RAX)] != nil {
            panic("inlinecache: RAX is occupied across a call")
        }
        a.vr.initializeInReg(Reg(asm.RAX))
        self.assertConsistent()
    }

    a.vr.releaseIfNoUses()

    for _, v := range a.uses {
        v.bumpUseLateIfNecessary()
    }
}

/* emitCallIfEq compares and calls the (throwing) helper only on equality;
 * the helper does not return, so nothing is live afterwards */
func (self *Rewriter) emitCallIfEq(a *_Action) {
    self.asm.Comment("call-if-eq")

    reg := a.va.getInReg(anyReg, false, noneLoc)
    if a.iv == 0 {
        if a.mt != asm.MovQ {
            panic("inlinecache: zero check is 64-bit only")
        }
        self.asm.TESTQ(reg, reg)
    } else if a.mt == asm.MovQ {
        self.asm.CMPQ(a.iv, reg)
    } else {
        self.asm.CMPL(a.iv, x86_64.Register32(reg))
    }

    self.setupCall(false, nil, nil, noneLoc, nil)

    fj := self.asm.ForwardJCC(asm.CondNotZero)
    self.callOptimalEncoding(asm.R11, a.fn)
    self.registerDecrefInfoHere()
    fj.Link()

    a.va.bumpUse()
    self.assertConsistent()
}

/* emitIncref bumps the refcount of v, using the absolute form when the
 * object address is a small constant. Does not bump uses, callers that
 * emit it inline do their own accounting. */
func (self *Rewriter) emitIncref(v *RewriterVar, numRefs int) {
    if numRefs <= 0 {
        panic("inlinecache: incref of a non-positive count")
    }

    /* incref(NULL) is always a no-op */
    if v.isConst && v.constVal == 0 {
        return
    }
    if v.nullable {
        panic("inlinecache: incref of a nullable value")
    }

    if v.isConst && !isLargeConstant(v.constVal) {
        for i := 0; i < numRefs; i++ {
            self.asm.INCQA(uintptr(v.constVal) + uintptr(rt.OffRefcnt))
        }
        return
    }

    reg := v.getInReg(anyReg, true, noneLoc)
    if numRefs == 1 {
        self.asm.INCQ(asm.Ptr(reg, rt.OffRefcnt))
    } else {
        self.asm.ADDQ(numRefs, asm.Ptr(reg, rt.OffRefcnt))
    }
}

/* emitDecref drops one reference held by v; on zero it falls into the
 * deallocation path: load the class, call its deallocator */
func (self *Rewriter) emitDecref(v *RewriterVar, varsToBump []*RewriterVar) {
    if v.nullable {
        panic("inlinecache: decref of a nullable value, use xdecref")
    }

    self.setupCall(true, []*RewriterVar { v }, nil, Reg(asm.RAX), varsToBump)
    if self.failed {
        return
    }

    /* setupCall placed v in RDI but did not record the location */
    self.asm.DECQ(asm.Ptr(asm.RDI, rt.OffRefcnt))

    fj := self.asm.ForwardJCC(asm.CondNotZero)
    self.asm.MOVQ(asm.Ptr(asm.RDI, rt.OffClass), asm.RAX)
    self.asm.CALLM(asm.Ptr(asm.RAX, rt.OffDealloc))
    fj.Link()

    for _, u := range varsToBump {
        u.bumpUseLateIfNecessary()
    }
}

/* emitXdecref is emitDecref behind a null check */
func (self *Rewriter) emitXdecref(v *RewriterVar, varsToBump []*RewriterVar) {
    if !v.nullable {
        panic("inlinecache: xdecref of a non-nullable value")
    }

    self.setupCall(true, []*RewriterVar { v }, nil, Reg(asm.RAX), varsToBump)
    if self.failed {
        return
    }

    self.asm.TESTQ(asm.RDI, asm.RDI)
    fjz := self.asm.ForwardJCC(asm.CondZero)

    self.asm.DECQ(asm.Ptr(asm.RDI, rt.OffRefcnt))
    fjnz := self.asm.ForwardJCC(asm.CondNotZero)
    self.asm.MOVQ(asm.Ptr(asm.RDI, rt.OffClass), asm.RAX)
    self.asm.CALLM(asm.Ptr(asm.RAX, rt.OffDealloc))

    fjnz.Link()
    fjz.Link()

    for _, u := range varsToBump {
        u.bumpUseLateIfNecessary()
    }
}
