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
    `fmt`

    `github.com/chenzhuoyu/iasm/x86_64`

    `github.com/cloudwego/inlinecache/asm`
)

/* setcc needs a byte-addressable register without REX games */
var setccRegs = [4]x86_64.Register64 {
    asm.RAX, asm.RBX, asm.RCX, asm.RDX,
}

var emitters = [A_max]func(*Rewriter, *_Action) {
    A_nop              : (*Rewriter).emitNop,
    A_guard            : (*Rewriter).emitGuard,
    A_guard_not_lt0    : (*Rewriter).emitGuardNotLt0,
    A_attr_guard       : (*Rewriter).emitAttrGuard,
    A_getattr          : (*Rewriter).emitGetAttr,
    A_getattr_f64      : (*Rewriter).emitGetAttrDouble,
    A_getattr_f32      : (*Rewriter).emitGetAttrFloat,
    A_setattr          : (*Rewriter).emitSetAttr,
    A_cmp              : (*Rewriter).emitCmp,
    A_tobool           : (*Rewriter).emitToBool,
    A_add              : (*Rewriter).emitAdd,
    A_allocate         : (*Rewriter).emitAllocate,
    A_alloc_copy       : (*Rewriter).emitAllocateAndCopy,
    A_alloc_copy_plus1 : (*Rewriter).emitAllocateAndCopyPlus1,
    A_call             : (*Rewriter).emitCall,
    A_call_if_zero     : (*Rewriter).emitCallIfEq,
    A_incref           : (*Rewriter).emitIncrefAction,
    A_decref           : (*Rewriter).emitDecrefAction,
    A_xdecref          : (*Rewriter).emitXdecrefAction,
    A_reg_owned_attr   : (*Rewriter).emitRegisterOwnedAttr,
    A_dereg_owned_attr : (*Rewriter).emitDeregisterOwnedAttr,
    A_mov_return       : (*Rewriter).emitMovReturn,
    A_trap             : (*Rewriter).emitTrap,
}

func (self *Rewriter) runAction(a *_Action) {
    if fn := emitters[a.op]; fn != nil {
        fn(self, a)
    } else {
        panic(fmt.Sprintf("inlinecache: invalid action kind: %d", a.op))
    }
}

/* actions recorded without an explicit destination carry the zero value */
func destOr(l Location) Location {
    if l.Kind() == LocUninitialized {
        return anyReg
    }
    return l
}

func (self *Rewriter) emitNop(a *_Action) {
    if a.msg != "" {
        self.asm.Comment(a.msg)
    }
}

func (self *Rewriter) emitTrap(a *_Action) {
    self.asm.Trap()
}

func (self *Rewriter) emitGetAttr(a *_Action) {
    self.asm.Comment("getattr")

    reg := a.va.getInReg(anyReg, true, noneLoc)
    a.va.bumpUseEarlyIfPossible()

    if !self.failed {
        nr := a.vr.initializeInReg(destOr(a.dest))
        self.asm.LoadG(a.mt, asm.Ptr(reg, int32(a.iv)), nr)
    }

    a.vr.releaseIfNoUses()
    a.va.bumpUseLateIfNecessary()
    self.assertConsistent()
}

func (self *Rewriter) emitGetAttrDouble(a *_Action) {
    self.asm.Comment("getattr double")

    reg := a.va.getInReg(anyReg, false, noneLoc)
    a.va.bumpUseEarlyIfPossible()

    xr := a.vr.initializeInXMMReg(destOr(a.dest))
    self.asm.MOVSD(asm.Ptr(reg, int32(a.iv)), xr)

    a.va.bumpUseLateIfNecessary()
    a.vr.releaseIfNoUses()
    self.assertConsistent()
}

func (self *Rewriter) emitGetAttrFloat(a *_Action) {
    self.asm.Comment("getattr float")

    reg := a.va.getInReg(anyReg, false, noneLoc)
    a.va.bumpUseEarlyIfPossible()

    xr := a.vr.initializeInXMMReg(destOr(a.dest))
    self.asm.MOVSS(asm.Ptr(reg, int32(a.iv)), xr)
    self.asm.CVTSS2SD(xr, xr)

    a.va.bumpUseLateIfNecessary()
    a.vr.releaseIfNoUses()
    self.assertConsistent()
}

func (self *Rewriter) emitSetAttr(a *_Action) {
    self.asm.Comment("setattr")

    ptr, val := a.va, a.vb

    if ptr.isScratchAllocation() {
        /* the owner is a scratch run, store straight into its slot */
        m := self.indirectFor(ptr.getScratchLocation(int32(a.iv)))
        if imm, ok := val.tryGetAsImmediate(); ok {
            self.asm.StoreImmG(a.mt, imm, m)
        } else {
            vr := val.getInReg(anyReg, false, noneLoc)
            self.asm.StoreG(a.mt, vr, m)
        }
    } else {
        preg := ptr.getInReg(anyReg, false, noneLoc)
        if imm, ok := val.tryGetAsImmediate(); ok {
            self.asm.StoreImmG(a.mt, imm, asm.Ptr(preg, int32(a.iv)))
        } else {
            vr := val.getInReg(anyReg, false, Reg(preg))
            if vr == preg {
                panic("inlinecache: store value allocated into the pointer register")
            }
            self.asm.StoreG(a.mt, vr, asm.Ptr(preg, int32(a.iv)))
        }
    }

    ptr.bumpUse()

    /* the stored value escaped into a field; its scratch run must not be
     * recycled when the var dies */
    if val.isScratchAllocation() {
        val.resetIsScratchAllocation()
    }
    val.bumpUse()

    self.assertConsistent()
}

func (self *Rewriter) emitCmp(a *_Action) {
    self.asm.Comment("cmp")

    v1reg := a.va.getInReg(anyReg, false, destOr(a.dest))
    v2reg := a.vb.getInReg(anyReg, false, destOr(a.dest))
    if v1reg == v2reg {
        panic("inlinecache: cmp operands share a register")
    }

    a.va.bumpUseEarlyIfPossible()
    a.vb.bumpUseEarlyIfPossible()

    valid := make([]x86_64.Register64, 0, len(setccRegs))
    for _, r := range setccRegs {
        if regInSet(r, self.allocatable) {
            valid = append(valid, r)
        }
    }

    reg := self.allocRegFrom(destOr(a.dest), noneLoc, valid)
    if self.failed {
        return
    }

    a.vr.initializeInReg(Reg(reg))
    self.asm.CMPQ(v2reg, v1reg)

    switch CmpOp(a.iv) {
        case CmpEq    : self.asm.SETCC(asm.CondEqual, reg)
        case CmpNotEq : self.asm.SETCC(asm.CondNotEqual, reg)
        default       : panic(fmt.Sprintf("inlinecache: invalid cmp op: %d", a.iv))
    }

    a.va.bumpUseLateIfNecessary()
    a.vb.bumpUseLateIfNecessary()
    a.vr.releaseIfNoUses()
    self.assertConsistent()
}

func (self *Rewriter) emitToBool(a *_Action) {
    self.asm.Comment("tobool")

    reg := a.va.getInReg(anyReg, false, noneLoc)
    a.va.bumpUseEarlyIfPossible()

    rr := self.allocReg(destOr(a.dest), noneLoc)
    if self.failed {
        return
    }
    a.vr.initializeInReg(Reg(rr))

    self.asm.TESTQ(reg, reg)
    self.asm.SETCC(asm.CondNotZero, rr)

    a.va.bumpUseLateIfNecessary()
    a.vr.releaseIfNoUses()
    self.assertConsistent()
}

func (self *Rewriter) emitAdd(a *_Action) {
    self.asm.Comment("add")

    rr := self.allocReg(destOr(a.dest), noneLoc)
    if self.failed {
        return
    }

    areg := a.va.getInReg(anyReg, true, Reg(rr))
    if areg == rr {
        panic("inlinecache: add operand allocated into the result register")
    }

    a.vr.initializeInReg(Reg(rr))
    self.asm.MOVQ(areg, rr)

    if isLargeConstant(a.iv) {
        panic("inlinecache: large add immediates are not supported")
    }
    self.asm.ADDQ(a.iv, rr)

    a.va.bumpUse()
    a.vr.releaseIfNoUses()
    self.assertConsistent()
}

/* allocateRun claims n consecutive scratch slots for v and returns the
 * first slot index */
func (self *Rewriter) allocateRun(v *RewriterVar, n int) int {
    if n < 1 {
        panic("inlinecache: empty scratch allocation")
    }

    consec := 0
    for i := int32(0); i < int32(self.rewrite.ScratchSize()); i += 8 {
        if self.varsByLoc[Scratch(i)] != nil {
            consec = 0
            continue
        }

        if consec++; consec == n {
            a := int(i) / 8 - n + 1

            /* reserve the run with placeholders so nothing reallocates it */
            for j := a; j <= int(i) / 8; j++ {
                m := Scratch(int32(j) * 8)
                if self.varsByLoc[m] != nil {
                    panic("inlinecache: scratch slot double-booked")
                }
                self.varsByLoc[m] = locationPlaceholder
            }

            if v.isScratchAllocation() {
                panic("inlinecache: var already owns a scratch run")
            }
            v.scratchBase, v.scratchLen = a, n
            return a
        }
    }

    self.failed = true
    return 0
}

func (self *Rewriter) emitAllocate(a *_Action) {
    self.asm.Comment("allocate")
    self.allocateRun(a.vr, int(a.iv))

    if !self.failed {
        self.assertConsistent()
        a.vr.releaseIfNoUses()
    }
}

func (self *Rewriter) emitAllocateAndCopy(a *_Action) {
    self.asm.Comment("allocate-and-copy")

    off := self.allocateRun(a.vr, int(a.iv))
    if self.failed {
        return
    }

    src := a.va.getInReg(anyReg, false, noneLoc)
    tmp := self.allocReg(anyReg, Reg(src))
    if self.failed {
        return
    }
    if tmp == src {
        panic("inlinecache: copy scratch register aliases the source")
    }

    for i := 0; i < int(a.iv); i++ {
        self.asm.MOVQ(asm.Ptr(src, int32(i) * 8), tmp)
        self.asm.MOVQ(tmp, asm.Ptr(asm.RSP, int32(off + i) * 8 + self.rewrite.ScratchRspOffset()))
    }

    a.va.bumpUse()
    a.vr.releaseIfNoUses()
    self.assertConsistent()
}

func (self *Rewriter) emitAllocateAndCopyPlus1(a *_Action) {
    self.asm.Comment("allocate-and-copy-plus1")

    off := self.allocateRun(a.vr, int(a.iv) + 1)
    if self.failed {
        return
    }

    first := a.va.getInReg(anyReg, false, noneLoc)
    self.asm.MOVQ(first, asm.Ptr(asm.RSP, int32(off) * 8 + self.rewrite.ScratchRspOffset()))

    if a.iv > 0 {
        src := a.vb.getInReg(anyReg, false, noneLoc)
        tmp := self.allocReg(anyReg, Reg(src))
        if self.failed {
            return
        }
        if tmp == src {
            panic("inlinecache: copy scratch register aliases the source")
        }

        for i := 0; i < int(a.iv); i++ {
            self.asm.MOVQ(asm.Ptr(src, int32(i) * 8), tmp)
            self.asm.MOVQ(tmp, asm.Ptr(asm.RSP, int32(off + i + 1) * 8 + self.rewrite.ScratchRspOffset()))
        }

        a.vb.bumpUse()
    }

    a.va.bumpUse()
    a.vr.releaseIfNoUses()
    self.assertConsistent()
}

func (self *Rewriter) emitIncrefAction(a *_Action) {
    self.asm.Comment("incref")
    self.emitIncref(a.va, 1)
    a.va.bumpUse()
    self.assertConsistent()
}

func (self *Rewriter) emitDecrefAction(a *_Action) {
    self.asm.Comment("decref")
    self.emitDecref(a.va, []*RewriterVar { a.va })
    self.assertConsistent()
}

func (self *Rewriter) emitXdecrefAction(a *_Action) {
    self.asm.Comment("xdecref")
    self.emitXdecref(a.va, []*RewriterVar { a.va })
    self.assertConsistent()
}

func (self *Rewriter) emitRegisterOwnedAttr(a *_Action) {
    p := ownedAttr { v: a.va, off: a.iv }
    for _, q := range self.ownedAttrs {
        if q == p {
            panic("inlinecache: owned attr registered twice")
        }
    }
    self.ownedAttrs = append(self.ownedAttrs, p)
    a.va.bumpUse()
}

func (self *Rewriter) emitDeregisterOwnedAttr(a *_Action) {
    p := ownedAttr { v: a.va, off: a.iv }
    for i, q := range self.ownedAttrs {
        if q == p {
            self.ownedAttrs = append(self.ownedAttrs[:i], self.ownedAttrs[i + 1:]...)
            a.va.bumpUse()
            return
        }
    }
    panic("inlinecache: owned attr was never registered")
}

func (self *Rewriter) emitMovReturn(a *_Action) {
    self.asm.Comment("return value")
    a.va.getInReg(destOr(a.dest), true, noneLoc)
    a.va.bumpUse()
    self.assertConsistent()
}
