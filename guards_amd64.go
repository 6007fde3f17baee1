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
    `github.com/cloudwego/inlinecache/asm`
)

/* restoreArgs re-pins every entry argument (and GP live-out) into its
 * canonical location. Only movs are emitted here; guard emission relies on
 * the flags surviving this call. */
func (self *Rewriter) restoreArgs() {
    if self.doneGuarding {
        panic("inlinecache: args are only restored while guarding")
    }

    for i, a := range self.args {
        a.bumpUse()

        l := forArg(i)
        if l.Kind() == LocStack {
            continue
        }

        if !a.isInLocation(l) {
            self.allocReg(l, noneLoc)
            a.getInReg(l, false, noneLoc)
        }
    }

    for i, lo := range self.liveOuts {
        if gr := asm.FromDwarf(self.liveOutRegs[i]); !gr.IsXMM {
            if l := Reg(gr.GP); !lo.isInLocation(l) {
                self.allocReg(l, noneLoc)
                lo.getInReg(l, false, noneLoc)
            }
        }
    }

    self.assertArgsInPlace()
}

func (self *Rewriter) assertArgsInPlace() {
    if !_ConsistencyChecks {
        return
    }

    for _, a := range self.args {
        if !a.isInLocation(a.argLoc) {
            panic("inlinecache: entry argument drifted from " + a.argLoc.String())
        }
    }
    for i, lo := range self.liveOuts {
        if !lo.isInLocation(fromGeneric(asm.FromDwarf(self.liveOutRegs[i]))) {
            panic("inlinecache: live-out drifted from its register")
        }
    }
}

/* nextSlotJump emits the guard-failure jump. A rel32 jump to the slot end
 * costs 6 bytes; when an earlier jump with the same condition sits within
 * rel8 range we jump to that jump instead and let it forward us. The extra
 * hop is cheaper than the fatter encoding. */
func (self *Rewriter) nextSlotJump(cc asm.ConditionCode) {
    last := -1

    for i := len(self.slotJumps) - 1; i >= 0; i-- {
        if self.slotJumps[i].Cond == cc {
            last = self.slotJumps[i].Offset
            break
        }
    }

    if last != -1 && self.asm.Offset() - last < 0x80 {
        self.asm.JCC(cc, last)
        return
    }

    off := self.asm.Offset()
    self.asm.JCC(cc, self.rewrite.SlotSize())
    self.slotJumps = append(self.slotJumps, SlotJump { Offset: off, End: self.asm.Offset(), Cond: cc })
}

func (self *Rewriter) emitGuard(a *_Action) {
    self.asm.Comment("guard")

    v, cv := a.va, a.vb
    val := cv.constVal

    reg := v.getInReg(anyReg, false, noneLoc)
    if isLargeConstant(val) {
        vr := cv.getInReg(anyReg, true, Reg(reg))
        self.asm.CMPQ(vr, reg)
    } else if val == 0 {
        self.asm.TESTQ(reg, reg)
    } else {
        self.asm.CMPQ(val, reg)
    }

    /* movs only from here to the jump */
    self.restoreArgs()

    if a.neg {
        self.nextSlotJump(asm.CondEqual)
    } else {
        self.nextSlotJump(asm.CondNotEqual)
    }

    v.bumpUse()
    cv.bumpUse()
    self.assertConsistent()
}

func (self *Rewriter) emitGuardNotLt0(a *_Action) {
    self.asm.Comment("guard not-lt-0")

    reg := a.va.getInReg(anyReg, false, noneLoc)
    self.asm.TESTQ(reg, reg)

    self.restoreArgs()
    self.nextSlotJump(asm.CondSign)

    a.va.bumpUse()
    self.assertConsistent()
}

func (self *Rewriter) emitAttrGuard(a *_Action) {
    self.asm.Comment("attr guard")

    v, cv := a.va, a.vb
    val := cv.constVal

    reg := v.getInReg(anyReg, true, noneLoc)
    if isLargeConstant(val) {
        /* a var guarded against its own address shows up when guarding
         * self-referential class structures, reuse the register */
        if cv == v {
            self.asm.CMPQ(reg, asm.Ptr(reg, int32(a.iv)))
        } else {
            vr := cv.getInReg(anyReg, true, Reg(reg))
            self.asm.CMPQ(vr, asm.Ptr(reg, int32(a.iv)))
        }
    } else {
        self.asm.CMPQ(val, asm.Ptr(reg, int32(a.iv)))
    }

    self.restoreArgs()

    if a.neg {
        self.nextSlotJump(asm.CondEqual)
    } else {
        self.nextSlotJump(asm.CondNotEqual)
    }

    v.bumpUse()
    cv.bumpUse()
    self.assertConsistent()
}
