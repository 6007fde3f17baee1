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
    `github.com/cloudwego/inlinecache/internal/opts`
    `github.com/cloudwego/inlinecache/internal/rt`
)

type constEntry struct {
    val int64
    cv  *RewriterVar
}

type ownedAttr struct {
    v   *RewriterVar
    off int64
}

// Rewriter builds one specialization of an inline-cache slot. Operations
// recorded through the public API are deferred; Commit replays them while
// emitting machine code through the slot's assembler.
//
// A Rewriter is used by a single goroutine and is not reusable.
type Rewriter struct {
    rewrite ICSlotRewrite
    asm     *asm.Assembler

    vars    []*RewriterVar
    actions []_Action
    consts  []constEntry

    /* Location -> occupying var; the inverse of the vars' location sets */
    varsByLoc map[Location]*RewriterVar

    args        []*RewriterVar
    liveOuts    []*RewriterVar
    liveOutRegs []int

    returnLoc   Location
    allocatable []x86_64.Register64

    failed   bool
    finished bool
    emitting bool

    needsInvalidation bool
    markedInsideIC    bool

    doneGuarding        bool
    lastGuardAction     int
    addedChangingAction bool
    currentAction       int

    pickedSlot  *SlotEntry
    ownedAttrs  []ownedAttr
    gcRefs      []unsafe.Pointer
    decrefInfos []DecrefInfo
    slotJumps   []SlotJump
}

// CreateRewriter starts a rewrite of the given inline cache, applying the
// attempt and megamorphic gates. A nil return means this call site is not
// being specialized this time; that is not an error.
func CreateRewriter(ic ICInfo, numArgs int, debugName string) *Rewriter {
    statAdd(&StatAttempts, 1)

    if ic == nil {
        return nil
    }

    if !ic.ShouldAttempt() {
        statAdd(&StatAttemptsSkipped, 1)
        if ic.IsMegamorphic() {
            statAdd(&StatAttemptsMegamorphic, 1)
        }
        return nil
    }

    rw := ic.StartRewrite(debugName)
    if rw == nil {
        return nil
    }

    statAdd(&StatAttemptsStarted, 1)
    return NewRewriter(rw, numArgs, ic.LiveOuts(), ic.AllocatableRegs(), true)
}

// NewRewriter wraps a reserved slot into a Rewriter with numArgs entry
// arguments and the given live-out DWARF registers.
func NewRewriter(rewrite ICSlotRewrite, numArgs int, liveOuts []int, allocatable []x86_64.Register64, needsInvalidation bool) *Rewriter {
    if allocatable == nil {
        allocatable = asm.StdAllocatableRegs()
    }

    self := &Rewriter {
        rewrite:           rewrite,
        asm:               rewrite.Assembler(),
        varsByLoc:         make(map[Location]*RewriterVar),
        returnLoc:         Reg(rewrite.ReturnRegister()),
        allocatable:       allocatable,
        lastGuardAction:   -1,
        currentAction:     -1,
        needsInvalidation: needsInvalidation,
    }

    /* entry arguments are pinned to their System V locations */
    for i := 0; i < numArgs; i++ {
        l := forArg(i)
        v := self.createNewVar()

        v.isArg = true
        v.argLoc = l
        v.locations = append(v.locations, l)

        self.varsByLoc[l] = v
        self.args = append(self.args, v)
    }

    /* live-outs become vars too, so they get preserved like anything else;
     * a live-out can alias an entry argument */
    for _, regnum := range liveOuts {
        l := fromGeneric(asm.FromDwarf(regnum))

        if l == self.returnLoc {
            panic("inlinecache: the return register cannot be a live-out")
        }
        if l.IsClobberedByCall() {
            statAdd(&StatSpillsAvoided, 1)
        }

        v := self.varsByLoc[l]
        if v == nil {
            v = self.createNewVar()
            v.locations = append(v.locations, l)
            self.varsByLoc[l] = v
        }

        for _, seen := range self.liveOutRegs {
            if seen == regnum {
                panic("inlinecache: duplicate live-out register")
            }
        }

        self.liveOuts = append(self.liveOuts, v)
        self.liveOutRegs = append(self.liveOutRegs, regnum)
    }

    /* optionally overwrite the whole scratch slab, getting the scratch
     * layout wrong is otherwise very hard to track down */
    if opts.PoisonScratch {
        for i := int32(0); i < int32(rewrite.ScratchSize()); i += 8 {
            self.asm.MOVQ(0x12345678, asm.Ptr(asm.RSP, i + rewrite.ScratchRspOffset()))
        }
    }

    return self
}

func (self *Rewriter) assertPhaseCollecting() {
    if self.emitting {
        panic("inlinecache: operation is collect-phase only")
    }
}

func (self *Rewriter) assertPhaseEmitting() {
    if !self.emitting {
        panic("inlinecache: operation is emit-phase only")
    }
}

func (self *Rewriter) createNewVar() *RewriterVar {
    self.assertPhaseCollecting()
    v := &RewriterVar { rw: self }
    self.vars = append(self.vars, v)
    return v
}

func (self *Rewriter) createNewConstantVar(val int64) *RewriterVar {
    v := self.createNewVar()
    v.isConst = true
    v.constVal = val
    return v
}

// Arg returns the i-th entry argument.
func (self *Rewriter) Arg(i int) *RewriterVar {
    return self.args[i]
}

// NumArgs returns the number of entry arguments.
func (self *Rewriter) NumArgs() int {
    return len(self.args)
}

// ReturnDestination is the location a returned value ends up in.
func (self *Rewriter) ReturnDestination() Location {
    return self.returnLoc
}

// HasFailed reports whether the rewrite already gave up.
func (self *Rewriter) HasFailed() bool {
    return self.failed
}

// LoadConst returns a var holding the 64-bit constant val. Loading the same
// value twice returns the same var, so one materialization is shared.
func (self *Rewriter) LoadConst(val int64) *RewriterVar {
    for _, p := range self.consts {
        if p.val == val {
            return p.cv
        }
    }

    cv := self.createNewConstantVar(val)
    self.consts = append(self.consts, constEntry { val: val, cv: cv })
    return cv
}

// Add materializes a + imm into a fresh var.
func (self *Rewriter) Add(a *RewriterVar, imm int64, dest Location) *RewriterVar {
    r := self.createNewVar()
    self.addAction(_Action {
        op:   A_add,
        tag:  ActionNormal,
        vr:   r,
        va:   a,
        iv:   imm,
        dest: dest,
        uses: []*RewriterVar { a },
    })
    return r
}

// Allocate reserves n consecutive scratch slots and returns their owner.
func (self *Rewriter) Allocate(n int) *RewriterVar {
    r := self.createNewVar()
    self.addAction(_Action {
        op:  A_allocate,
        tag: ActionNormal,
        vr:  r,
        iv:  int64(n),
    })
    return r
}

// AllocateAndCopy reserves n scratch slots and copies n words from [ptr].
func (self *Rewriter) AllocateAndCopy(ptr *RewriterVar, n int) *RewriterVar {
    r := self.createNewVar()
    self.addAction(_Action {
        op:   A_alloc_copy,
        tag:  ActionNormal,
        vr:   r,
        va:   ptr,
        iv:   int64(n),
        uses: []*RewriterVar { ptr },
    })
    return r
}

// AllocateAndCopyPlus1 reserves nRest+1 scratch slots, stores first into
// slot 0 and copies nRest words from [restPtr] behind it. restPtr may be
// nil when nRest is zero.
func (self *Rewriter) AllocateAndCopyPlus1(first *RewriterVar, restPtr *RewriterVar, nRest int) *RewriterVar {
    if (nRest > 0) != (restPtr != nil) {
        panic("inlinecache: restPtr must be given exactly when nRest > 0")
    }

    r := self.createNewVar()
    a := _Action {
        op:   A_alloc_copy_plus1,
        tag:  ActionNormal,
        vr:   r,
        va:   first,
        vb:   restPtr,
        iv:   int64(nRest),
        uses: []*RewriterVar { first },
    }

    if restPtr != nil {
        a.uses = append(a.uses, restPtr)
    }

    self.addAction(a)
    return r
}

// Call records a call to the raw code address fn with the given integer and
// XMM arguments. alsoUses keeps extra vars alive across the call without
// passing them.
func (self *Rewriter) Call(hasSideEffects bool, fn uintptr, gpArgs []*RewriterVar, xmmArgs []*RewriterVar, alsoUses []*RewriterVar) *RewriterVar {
    r := self.createNewVar()

    tag := ActionNormal
    if hasSideEffects {
        tag = ActionMutation
    }

    a := _Action {
        op:  A_call,
        tag: tag,
        vr:  r,
        fn:  fn,
        gp:  gpArgs,
        xmm: xmmArgs,
    }

    a.uses = append(a.uses, gpArgs...)
    a.uses = append(a.uses, xmmArgs...)
    a.uses = append(a.uses, alsoUses...)

    self.addAction(a)
    return r
}

// CallGo is Call for a Go function compiled with a C-compatible frame.
func (self *Rewriter) CallGo(hasSideEffects bool, fn interface{}, gpArgs []*RewriterVar, xmmArgs []*RewriterVar, alsoUses []*RewriterVar) *RewriterVar {
    return self.Call(hasSideEffects, uintptr(rt.FuncAddr(fn)), gpArgs, xmmArgs, alsoUses)
}

// CallIfEq compares v against val and calls the (throwing) helper fn when
// they are equal. With asm.MovQ the comparison is 64-bit; any other t
// compares the low 32 bits. A zero val is tested with a 64-bit test and is
// accepted only with asm.MovQ.
func (self *Rewriter) CallIfEq(v *RewriterVar, val int64, t asm.MovType, fn uintptr) {
    self.addAction(_Action {
        op:   A_call_if_zero,
        tag:  ActionMutation,
        va:   v,
        iv:   val,
        mt:   t,
        fn:   fn,
        uses: []*RewriterVar { v },
    })
}

// Trap plants an int3 for debugging.
func (self *Rewriter) Trap() {
    self.addAction(_Action { op: A_trap, tag: ActionNormal })
}

// Comment injects a debug annotation into the emitted assembly listing.
func (self *Rewriter) Comment(msg string) {
    self.addAction(_Action { op: A_nop, tag: ActionNormal, msg: msg })
}

// AddGCReference pins a foreign object for the lifetime of the slot, so
// its address may be embedded as an immediate.
func (self *Rewriter) AddGCReference(obj unsafe.Pointer) {
    incRefcount(obj)
    self.gcRefs = append(self.gcRefs, obj)
}

func incRefcount(obj unsafe.Pointer) {
    p := (*int64)(unsafe.Pointer(uintptr(obj) + uintptr(rt.OffRefcnt)))
    *p++
}

func decRefcount(obj unsafe.Pointer) {
    p := (*int64)(unsafe.Pointer(uintptr(obj) + uintptr(rt.OffRefcnt)))
    *p--
}

func loadRefcount(obj unsafe.Pointer) int64 {
    return *(*int64)(unsafe.Pointer(uintptr(obj) + uintptr(rt.OffRefcnt)))
}

// Abort abandons the rewrite and releases everything it pinned.
func (self *Rewriter) Abort() {
    if self.finished {
        panic("inlinecache: rewrite already finished")
    }

    self.finished = true
    self.rewrite.Abort()

    for _, p := range self.gcRefs {
        decRefcount(p)
    }

    self.gcRefs = nil
    statAdd(&StatRewritesAborted, 1)
}
