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

    `github.com/cloudwego/inlinecache/asm`
)

// RefType classifies a value's reference-counting obligation.
type RefType uint8

const (
    RefUnknown RefType = iota
    RefOwned            // this rewrite holds one reference and must release it
    RefBorrowed         // someone else holds the reference
)

// SetattrType tells SetAttr how the stored value's reference is handled.
type SetattrType uint8

const (
    SetattrUnknown SetattrType = iota
    SetattrHandedOff            // the store transfers ownership into the field
    SetattrRefUsed              // the field keeps its own reference, ours stays live
)

// CmpOp selects the comparison materialized by Cmp.
type CmpOp uint8

const (
    CmpEq CmpOp = iota
    CmpNotEq
)

type attrGuardKey struct {
    off int64
    val int64
    neg bool
}

type getAttrKey struct {
    off int64
    mt  asm.MovType
}

// RewriterVar is one symbolic value over the lifetime of a rewrite. During
// the collect phase it only accumulates uses; locations are maintained by
// the emit-phase register allocator.
type RewriterVar struct {
    rw *Rewriter

    /* current locations, maintained during emit; a var may live in several
     * at once, or in none if it is a constant or owns a scratch run */
    locations []Location

    isConst  bool
    constVal int64

    isArg  bool
    argLoc Location

    reftype  RefType
    nullable bool

    /* indices of the actions that read this var, and the emit cursor */
    uses    []int
    nextUse int

    /* reference-consumption bookkeeping, see refHandedOff */
    numRefsConsumed  int
    lastConsumedUses int

    /* owned scratch run: first slot index and slot count */
    scratchBase int
    scratchLen  int

    /* pending-bump flag for owned vars whose release must not fire in the
     * middle of another action's emission */
    bumpPending bool

    attrGuards map[attrGuardKey]struct{}
    getattrs   map[getAttrKey]*RewriterVar
}

/* locationPlaceholder reserves scratch slots that belong to a scratch run;
 * it never takes part in allocation decisions */
var locationPlaceholder = &RewriterVar{}

func (self *RewriterVar) isConstant() bool {
    return self.isConst
}

// ConstantValue returns the compile-time constant held by this var.
func (self *RewriterVar) ConstantValue() int64 {
    if !self.isConst {
        panic("inlinecache: not a constant var")
    }
    return self.constVal
}

func (self *RewriterVar) isInLocation(l Location) bool {
    for _, v := range self.locations {
        if v == l {
            return true
        }
    }
    return false
}

func (self *RewriterVar) isScratchAllocation() bool {
    return self.scratchLen != 0
}

func (self *RewriterVar) resetIsScratchAllocation() {
    self.scratchBase, self.scratchLen = 0, 0
}

func (self *RewriterVar) getScratchLocation(extra int32) Location {
    if !self.isScratchAllocation() {
        panic("inlinecache: var owns no scratch allocation")
    }
    return Scratch(int32(self.scratchBase) * 8 + extra)
}

func (self *RewriterVar) isDoneUsing() bool {
    return self.nextUse == len(self.uses)
}

/* tryGetAsImmediate returns the constant value if it can be used as an
 * imm32 operand directly */
func (self *RewriterVar) tryGetAsImmediate() (int64, bool) {
    if self.isConst && !isLargeConstant(self.constVal) {
        return self.constVal, true
    }
    return 0, false
}

// SetType classifies the reference obligation of this var. Classifying an
// already classified var with a different type is a usage bug.
func (self *RewriterVar) SetType(t RefType) *RewriterVar {
    if t == RefUnknown {
        panic("inlinecache: cannot set reftype back to unknown")
    }
    if self.reftype != RefUnknown && self.reftype != t {
        panic(fmt.Sprintf("inlinecache: reftype already set to %d", self.reftype))
    }
    self.reftype = t
    return self
}

// SetNullable marks whether this var may hold a null pointer.
func (self *RewriterVar) SetNullable(v bool) *RewriterVar {
    self.nullable = v
    return self
}

// RefConsumed records that the most recently added action takes over one
// owned reference of this var.
func (self *RewriterVar) RefConsumed() {
    self.refConsumed(self.rw.lastAction())
}

func (self *RewriterVar) refConsumed(a *_Action) {
    if self.reftype == RefUnknown && !(self.isConst && self.constVal == 0) {
        panic("inlinecache: consuming a reference of unknown type")
    }
    self.numRefsConsumed++
    self.lastConsumedUses = len(self.uses)
    a.refs = append(a.refs, self)
}

/* refHandedOff reports whether the last consume coincides with the final
 * use, making the incref before the consumer unnecessary */
func (self *RewriterVar) refHandedOff() bool {
    return self.reftype == RefOwned && self.numRefsConsumed > 0 && self.lastConsumedUses == len(self.uses)
}

/* needsDecref reports whether the unwinder must release this var if an
 * exception transits the call at action index idx */
func (self *RewriterVar) needsDecref(idx int) bool {
    self.rw.assertPhaseEmitting()

    if self.reftype != RefOwned {
        return false
    }

    /* never consumed: always our obligation */
    if self.numRefsConsumed == 0 {
        return true
    }

    /* the hand-off action takes the obligation with it */
    return self.uses[self.lastConsumedUses - 1] != idx
}

/** Collect-Phase Operations **/

// AddGuard emits (deferred) a check that this value equals val, exiting to
// the slow path otherwise.
func (self *RewriterVar) AddGuard(val int64) {
    if self.isConst {
        if self.constVal != val {
            panic("inlinecache: guard is always false")
        }
        return
    }

    cv := self.rw.LoadConst(val)
    self.rw.addAction(_Action {
        op:   A_guard,
        tag:  ActionGuard,
        va:   self,
        vb:   cv,
        uses: []*RewriterVar { self, cv },
    })
}

// AddGuardNotEq is AddGuard with the condition inverted.
func (self *RewriterVar) AddGuardNotEq(val int64) {
    cv := self.rw.LoadConst(val)
    self.rw.addAction(_Action {
        op:   A_guard,
        tag:  ActionGuard,
        va:   self,
        vb:   cv,
        neg:  true,
        uses: []*RewriterVar { self, cv },
    })
}

// AddGuardNotLt0 exits to the slow path when the value is negative.
func (self *RewriterVar) AddGuardNotLt0() {
    self.rw.addAction(_Action {
        op:   A_guard_not_lt0,
        tag:  ActionGuard,
        va:   self,
        uses: []*RewriterVar { self },
    })
}

// AddAttrGuard emits (deferred) a check on the word at [self+offset].
// Duplicate guards on the same (offset, val, negate) triple are elided.
func (self *RewriterVar) AddAttrGuard(offset int32, val int64, negate bool) {
    k := attrGuardKey { off: int64(offset), val: val, neg: negate }

    if self.attrGuards == nil {
        self.attrGuards = make(map[attrGuardKey]struct{})
    }
    if _, ok := self.attrGuards[k]; ok {
        return
    }
    self.attrGuards[k] = struct{}{}

    cv := self.rw.LoadConst(val)
    self.rw.addAction(_Action {
        op:   A_attr_guard,
        tag:  ActionGuard,
        va:   self,
        vb:   cv,
        iv:   int64(offset),
        neg:  negate,
        uses: []*RewriterVar { self, cv },
    })
}

// GetAttr loads the 64-bit word at [self+offset].
func (self *RewriterVar) GetAttr(offset int32) *RewriterVar {
    return self.GetAttrG(offset, anyReg, asm.MovQ)
}

// GetAttrG loads [self+offset] with an explicit width and destination hint.
// Until the first mutating action, repeated loads of the same attribute
// return the same var.
func (self *RewriterVar) GetAttrG(offset int32, dest Location, t asm.MovType) *RewriterVar {
    if !self.rw.addedChangingAction {
        k := getAttrKey { off: int64(offset), mt: t }
        if self.getattrs == nil {
            self.getattrs = make(map[getAttrKey]*RewriterVar)
        }
        if r, ok := self.getattrs[k]; ok {
            if dest != anyReg {
                self.rw.addAction(_Action {
                    op:   A_mov_return,   /* repin into the requested register */
                    tag:  ActionNormal,
                    va:   r,
                    dest: dest,
                    uses: []*RewriterVar { r },
                })
            }
            return r
        }
        r := self.rw.createNewVar()
        self.rw.addAction(_Action {
            op:   A_getattr,
            tag:  ActionNormal,
            vr:   r,
            va:   self,
            iv:   int64(offset),
            mt:   t,
            dest: dest,
            uses: []*RewriterVar { self },
        })
        self.getattrs[k] = r
        return r
    }

    r := self.rw.createNewVar()
    self.rw.addAction(_Action {
        op:   A_getattr,
        tag:  ActionNormal,
        vr:   r,
        va:   self,
        iv:   int64(offset),
        mt:   t,
        dest: dest,
        uses: []*RewriterVar { self },
    })
    return r
}

// GetAttrDouble loads the float64 at [self+offset] into an XMM register.
func (self *RewriterVar) GetAttrDouble(offset int32) *RewriterVar {
    r := self.rw.createNewVar()
    self.rw.addAction(_Action {
        op:   A_getattr_f64,
        tag:  ActionNormal,
        vr:   r,
        va:   self,
        iv:   int64(offset),
        uses: []*RewriterVar { self },
    })
    return r
}

// GetAttrFloat loads the float32 at [self+offset] and widens it to float64.
func (self *RewriterVar) GetAttrFloat(offset int32) *RewriterVar {
    r := self.rw.createNewVar()
    self.rw.addAction(_Action {
        op:   A_getattr_f32,
        tag:  ActionNormal,
        vr:   r,
        va:   self,
        iv:   int64(offset),
        uses: []*RewriterVar { self },
    })
    return r
}

// SetAttr stores val into [self+offset]. For an owned val the caller must
// state how the reference is handled; silently storing an owned reference
// is exactly the bug this assert exists for.
func (self *RewriterVar) SetAttr(offset int32, val *RewriterVar, st SetattrType, t asm.MovType) {
    if val.reftype == RefOwned && st == SetattrUnknown {
        panic("inlinecache: storing an owned reference with unknown setattr type")
    }
    if t != asm.MovQ && st != SetattrUnknown {
        panic("inlinecache: narrow stores cannot transfer references")
    }
    self.rw.addAction(_Action {
        op:   A_setattr,
        tag:  ActionMutation,
        va:   self,
        vb:   val,
        iv:   int64(offset),
        mt:   t,
        uses: []*RewriterVar { self, val },
    })
}

// ReplaceAttr stores val into [self+offset], handing our reference over to
// the field, and releases the previous value of the field.
func (self *RewriterVar) ReplaceAttr(offset int32, val *RewriterVar, prevNullable bool) {
    prev := self.GetAttr(offset)

    self.SetAttr(offset, val, SetattrHandedOff, asm.MovQ)
    val.RefConsumed()

    if prevNullable {
        prev.SetNullable(true)
        prev.Xdecref()
    } else {
        prev.Decref()
    }
}

// Cmp materializes (self op other) as 0 or 1 in the low byte of the result
// register; the upper bytes of that register are not cleared.
func (self *RewriterVar) Cmp(op CmpOp, other *RewriterVar, dest Location) *RewriterVar {
    r := self.rw.createNewVar()
    self.rw.addAction(_Action {
        op:   A_cmp,
        tag:  ActionNormal,
        vr:   r,
        va:   self,
        vb:   other,
        iv:   int64(op),
        dest: dest,
        uses: []*RewriterVar { self, other },
    })
    return r
}

// ToBool materializes (self != 0) as 0 or 1 in the low byte of the result
// register; the upper bytes of that register are not cleared.
func (self *RewriterVar) ToBool(dest Location) *RewriterVar {
    r := self.rw.createNewVar()
    self.rw.addAction(_Action {
        op:   A_tobool,
        tag:  ActionNormal,
        vr:   r,
        va:   self,
        dest: dest,
        uses: []*RewriterVar { self },
    })
    return r
}

// Incref schedules a reference-count increment on this value.
func (self *RewriterVar) Incref() {
    self.rw.addAction(_Action {
        op:   A_incref,
        tag:  ActionMutation,
        va:   self,
        uses: []*RewriterVar { self },
    })
}

// Decref schedules a reference-count decrement, with the deallocation path
// inline.
func (self *RewriterVar) Decref() {
    self.rw.addAction(_Action {
        op:   A_decref,
        tag:  ActionMutation,
        va:   self,
        uses: []*RewriterVar { self },
    })
}

// Xdecref is Decref for possibly-null values.
func (self *RewriterVar) Xdecref() {
    self.rw.addAction(_Action {
        op:   A_xdecref,
        tag:  ActionMutation,
        va:   self,
        uses: []*RewriterVar { self },
    })
}

// RegisterOwnedAttr tells the rewriter that the field at [self+offset]
// holds an owned reference the unwinder must know about.
func (self *RewriterVar) RegisterOwnedAttr(offset int32) {
    self.rw.addAction(_Action {
        op:   A_reg_owned_attr,
        tag:  ActionNormal,
        va:   self,
        iv:   int64(offset),
        uses: []*RewriterVar { self },
    })
}

// DeregisterOwnedAttr undoes RegisterOwnedAttr; every registration must be
// deregistered before commit.
func (self *RewriterVar) DeregisterOwnedAttr(offset int32) {
    self.rw.addAction(_Action {
        op:   A_dereg_owned_attr,
        tag:  ActionNormal,
        va:   self,
        iv:   int64(offset),
        uses: []*RewriterVar { self },
    })
}
