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
    `os`
    `unsafe`

    `github.com/cloudwego/inlinecache/asm`
    `github.com/cloudwego/inlinecache/internal/opts`
)

// Commit replays the recorded actions, emitting machine code into the slot,
// and hands the result to the slot collaborator. A failed rewrite aborts
// silently; the call site simply stays unspecialized.
func (self *Rewriter) Commit() {
    if len(self.ownedAttrs) != 0 {
        panic("inlinecache: missing a call to DeregisterOwnedAttr")
    }
    if self.finished {
        panic("inlinecache: rewrite already finished")
    }

    self.emitting = true

    if self.failed {
        self.Abort()
        return
    }

    /* a pinned object we hold the only reference of is already dying, a
     * slot built around its address can never hit */
    for _, p := range self.gcRefs {
        if loadRefcount(p) == 1 {
            self.Abort()
            return
        }
    }

    if self.asm.HasFailed() {
        self.Abort()
        return
    }

    /* the live-outs are read one final time at slot exit */
    for _, v := range self.liveOuts {
        v.uses = append(v.uses, len(self.actions))
    }

    /* every constant gets a trailing use as well; it keeps materialized
     * constants visible to the lea-from-nearby-constant path, and since a
     * constant spills for free it adds no register pressure */
    for _, v := range self.vars {
        if v.isConst {
            v.uses = append(v.uses, len(self.actions))
        }
    }

    self.assertConsistent()

    onDoneGuarding := func() {
        self.doneGuarding = true
        for _, a := range self.args {
            if a.nextUse == len(a.uses) {
                a.release()
            }
        }
        self.assertConsistent()
    }

    if self.lastGuardAction == -1 {
        onDoneGuarding()
    }

    if self.pickedSlot = self.rewrite.PrepareEntry(); self.pickedSlot == nil {
        self.Abort()
        return
    }

    for i := range self.actions {
        a := &self.actions[i]

        /* a consumed reference needs a matching incref, unless this very
         * action is the hand-off point */
        for _, v := range a.refs {
            if v.refHandedOff() {
                last := v.uses[v.lastConsumedUses - 1]
                if last == i {
                    continue
                }
                if last < i {
                    panic("inlinecache: hand-off point is in the past")
                }
            }
            if !self.doneGuarding {
                panic("inlinecache: reference consumed while guarding")
            }
            self.emitIncref(v, 1)
        }

        self.currentAction = i
        self.runAction(a)

        if self.failed {
            self.Abort()
            return
        }

        self.assertConsistent()
        if i == self.lastGuardAction {
            onDoneGuarding()
        }
    }

    /* every RegisterOwnedAttr must have been deregistered by now, or the
     * decref tables would keep pointing at released memory */
    if len(self.ownedAttrs) != 0 {
        panic("inlinecache: missing a call to DeregisterOwnedAttr")
    }

    /* leave the slot: undo the in-use mark */
    if self.markedInsideIC {
        self.asm.Comment("leave ic")
        addr := uintptr(unsafe.Pointer(self.pickedSlot.NumInside))
        if isLargeConstant(int64(addr)) {
            reg := self.allocReg(anyReg, self.returnLoc)
            self.loadConstIntoReg(int64(addr), reg)
            self.asm.LOCKDECM(asm.Ptr(reg, 0))
        } else {
            self.asm.LOCKDECL(addr)
        }
    }

    self.asm.Comment("live outs")

    /* every use must be accounted for by now, except the trailing ones */
    if _ConsistencyChecks {
        for _, v := range self.vars {
            n := 0
            for _, lo := range self.liveOuts {
                if lo == v {
                    n++
                }
            }
            if v.isConst {
                n++
            }
            if v.nextUse + n != len(v.uses) {
                panic("inlinecache: unbalanced use accounting")
            }
        }
    }

    for _, v := range self.vars {
        if v.isConst {
            v.bumpUse()
        }
    }

    self.placeLiveOuts()

    for _, v := range self.liveOuts {
        /* automatic refcounting must not touch live-outs */
        if v.reftype != RefUnknown {
            panic("inlinecache: live-out with a classified reftype")
        }
        v.bumpUse()
    }

    if _ConsistencyChecks {
        for _, v := range self.vars {
            if v.nextUse != len(v.uses) {
                panic("inlinecache: leftover uses after emission")
            }
        }
        for _, v := range self.varsByLoc {
            if v != locationPlaceholder {
                panic("inlinecache: a var outlived its release")
            }
        }
    }

    if self.asm.HasFailed() {
        self.Abort()
        return
    }

    nb := self.asm.Offset()
    if opts.DebugAsm {
        os.Stderr.WriteString(self.rewrite.DebugName() + ":\n" + self.asm.Dump() + "\n")
    }

    /* publication happens inside the slot collaborator, the rewrite only
     * hands over what it accumulated */
    refs := self.gcRefs
    self.gcRefs = nil

    if !self.rewrite.Commit(refs, self.decrefInfos, self.slotJumps) {
        self.finished = true
        statAdd(&StatRewritesAborted, 1)
        return
    }

    self.finished = true
    statAdd(&StatRewritesCommitted, 1)
    statAdd(&StatTotalBytes, uint64(nb))
}

/* placeLiveOuts moves every live-out into its expected register. Conflicts
 * are resolved by iterating: anything whose target is free moves; a sweep
 * with no progress would mean a conflict cycle, which does not happen in
 * practice and is treated as a bug. */
func (self *Rewriter) placeLiveOuts() {
    num := len(self.liveOuts)
    moved := make([]bool, num)

    for num > 0 {
        start := num

        for i, v := range self.liveOuts {
            if moved[i] {
                continue
            }

            ru := asm.FromDwarf(self.liveOutRegs[i])
            expected := fromGeneric(ru)

            if v.isInLocation(expected) {
                moved[i] = true
                num--
                continue
            }

            if self.varsByLoc[expected] != nil {
                continue
            }

            if ru.IsXMM {
                v.getInXMMReg(expected)
            } else {
                v.getInReg(expected, false, noneLoc)
            }

            /* the expected register is the only place the caller will
             * look, drop every other copy */
            locs := append([]Location(nil), v.locations...)
            for _, l := range locs {
                if l != expected {
                    self.removeLocationFromVar(v, l)
                }
            }

            moved[i] = true
            num--
        }

        if num >= start {
            panic("inlinecache: live-out conflict cycle")
        }
    }

    if _ConsistencyChecks {
        for i, v := range self.liveOuts {
            if !v.isInLocation(fromGeneric(asm.FromDwarf(self.liveOutRegs[i]))) {
                panic("inlinecache: live-out not in place after the sweep")
            }
        }
    }
}

// CommitReturning commits with v as the slot's return value; the reference
// classification of v must be settled by now. An owned reference is handed
// off to the caller, a borrowed one is returned as-is.
func (self *Rewriter) CommitReturning(v *RewriterVar) {
    if v.reftype == RefUnknown {
        panic("inlinecache: returning a var of unknown reftype")
    }

    self.addAction(_Action {
        op:   A_mov_return,
        tag:  ActionNormal,
        va:   v,
        dest: self.returnLoc,
        uses: []*RewriterVar { v },
    })

    if v.reftype == RefOwned {
        v.RefConsumed()
    }
    self.Commit()
}

// CommitReturningRaw commits returning a value that is not a refcounted
// object (an unboxed integer, a flag, a raw pointer).
func (self *Rewriter) CommitReturningRaw(v *RewriterVar) {
    if v.reftype != RefUnknown {
        panic("inlinecache: raw return of a refcounted value")
    }

    self.addAction(_Action {
        op:   A_mov_return,
        tag:  ActionNormal,
        va:   v,
        dest: self.returnLoc,
        uses: []*RewriterVar { v },
    })

    self.Commit()
}
