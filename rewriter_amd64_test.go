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
    `testing`
    `unsafe`

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/davecgh/go-spew/spew`
    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`
    `golang.org/x/arch/x86/x86asm`

    `github.com/cloudwego/inlinecache/asm`
)

const (
    _TestSlotBase = uintptr(0x42000000)
    _TestNearFunc = uintptr(0x42100000)
    _TestFarFunc  = uintptr(0x7f4200000000)
)

type testSlot struct {
    asmb       *asm.Assembler
    size       int
    scratch    int
    scratchOff int32
    numInside  uint32
    committed  bool
    aborted    bool
    gcRefs     []unsafe.Pointer
    infos      []DecrefInfo
    jumps      []SlotJump
}

func newTestSlot(size int, scratch int) *testSlot {
    return &testSlot {
        size:       size,
        scratch:    scratch,
        scratchOff: 0x40,
        asmb:       asm.CreateAssembler(_TestSlotBase, size),
    }
}

func (self *testSlot) DebugName() string                 { return "test" }
func (self *testSlot) Assembler() *asm.Assembler         { return self.asmb }
func (self *testSlot) SlotSize() int                     { return self.size }
func (self *testSlot) SlotStart() uintptr                { return _TestSlotBase }
func (self *testSlot) ScratchSize() int                  { return self.scratch }
func (self *testSlot) ScratchRspOffset() int32           { return self.scratchOff }
func (self *testSlot) ReturnRegister() x86_64.Register64 { return asm.RAX }

func (self *testSlot) PrepareEntry() *SlotEntry {
    return &SlotEntry { Start: _TestSlotBase, NumInside: &self.numInside }
}

func (self *testSlot) Commit(gcRefs []unsafe.Pointer, infos []DecrefInfo, jumps []SlotJump) bool {
    self.committed = true
    self.gcRefs = gcRefs
    self.infos = infos
    self.jumps = jumps
    return true
}

func (self *testSlot) Abort() {
    self.aborted = true
}

func disas(t *testing.T, code []byte) (r []x86asm.Inst) {
    pc := 0
    for pc < len(code) {
        i, err := x86asm.Decode(code[pc:], 64)
        if err != nil {
            spew.Dump(code)
        }
        require.NoError(t, err)
        r = append(r, i)
        pc += i.Len
    }
    return
}

func opsOf(ins []x86asm.Inst) (r []x86asm.Op) {
    for _, i := range ins {
        r = append(r, i.Op)
    }
    return
}

func countOp(ins []x86asm.Inst, op x86asm.Op) (n int) {
    for _, i := range ins {
        if i.Op == op {
            n++
        }
    }
    return
}

func hasRSPStore(i x86asm.Inst) bool {
    if i.Op != x86asm.MOV {
        return false
    }
    m, ok := i.Args[0].(x86asm.Mem)
    return ok && m.Base == x86asm.RSP
}

/** S1: identity rewrite **/

func TestRewriter_Identity(t *testing.T) {
    s := newTestSlot(256, 64)
    r := NewRewriter(s, 1, nil, nil, false)
    r.CommitReturningRaw(r.Arg(0))

    require.True(t, s.committed)
    require.False(t, s.aborted)
    assert.Empty(t, s.infos)
    assert.Empty(t, s.jumps)

    /* mov rax, rdi and nothing else */
    assert.Equal(t, []byte { 0x48, 0x89, 0xf8 }, s.asmb.Code())
}

/** S2: type-guarded attribute load **/

func TestRewriter_GuardedAttrLoad(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    obj := r.Arg(0)
    cls := obj.GetAttr(16)
    cls.AddGuard(0xDEADBEEF00)

    x := obj.GetAttr(32)
    x.SetType(RefBorrowed)
    r.CommitReturning(x)

    require.True(t, s.committed)
    ins := disas(t, s.asmb.Code())

    /* load, materialize the type constant, compare, bail, load, return;
     * and in particular no incref of the borrowed result */
    assert.Equal(t, []x86asm.Op {
        x86asm.MOV, x86asm.MOV, x86asm.CMP, x86asm.JNE, x86asm.MOV,
    }, opsOf(ins))
    assert.Equal(t, 0, countOp(ins, x86asm.INC))

    /* one long guard jump recorded for the slow path */
    require.Len(t, s.jumps, 1)
    assert.Equal(t, asm.CondNotEqual, s.jumps[0].Cond)
}

/** S3: refcount handoff **/

func TestRewriter_RefcountHandoff(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 2, nil, nil, false)

    container, item := r.Arg(0), r.Arg(1)
    item.SetType(RefOwned)
    container.ReplaceAttr(24, item, false)
    r.Commit()

    require.True(t, s.committed)
    ins := disas(t, s.asmb.Code())

    /* the old value is loaded, the new one stored without an incref (the
     * handoff is on the final use), and the old one goes through the
     * decref + deallocation trampoline */
    assert.Equal(t, 0, countOp(ins, x86asm.INC))
    assert.Equal(t, 1, countOp(ins, x86asm.DEC))
    assert.Equal(t, 1, countOp(ins, x86asm.CALL))
    assert.Equal(t, 1, countOp(ins, x86asm.JNE))

    /* the store into [container+24] */
    found := false
    for _, i := range ins {
        if m, ok := i.Args[0].(x86asm.Mem); ok && i.Op == x86asm.MOV && m.Base == x86asm.RDI && m.Disp == 24 {
            found = true
        }
    }
    assert.True(t, found, "missing the attribute store")
}

/** S4: guard-trampoline reuse **/

func TestRewriter_GuardTrampolines(t *testing.T) {
    s := newTestSlot(4096, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    obj := r.Arg(0)
    for i := 0; i < 8; i++ {
        obj.AddAttrGuard(int32(16 + 8 * i), int64(0x10 + i), false)
    }
    r.CommitReturningRaw(obj)

    require.True(t, s.committed)
    ins := disas(t, s.asmb.Code())

    /* the first failure jump is rel32, the rest are rel8 hops onto it */
    long, short := 0, 0
    sizes := make([]float64, 0, 8)
    for _, i := range ins {
        if i.Op != x86asm.JNE {
            continue
        }
        sizes = append(sizes, float64(i.Len))
        if i.Len == 2 {
            short++
        } else {
            long++
        }
    }

    assert.Equal(t, 1, long)
    assert.Equal(t, 7, short)
    require.Len(t, s.jumps, 1)

    total := 0.0
    for _, v := range sizes {
        total += v
    }
    assert.Less(t, total, float64(8 * 6))
}

/** S5: register spill on call **/

func TestRewriter_SpillOnCall(t *testing.T) {
    s := newTestSlot(4096, 128)
    r := NewRewriter(s, 3, nil, nil, false)

    a, b, c := r.Arg(0), r.Arg(1), r.Arg(2)

    vs := make([]*RewriterVar, 7)
    for i := range vs {
        vs[i] = a.GetAttr(int32(8 * i))
    }

    res := r.Call(true, _TestFarFunc, []*RewriterVar { a, b, c }, nil, nil)

    /* keep the loaded attributes alive across the call */
    st := r.Allocate(8)
    for i, v := range vs {
        st.SetAttr(int32(8 * i), v, SetattrUnknown, asm.MovQ)
    }
    r.CommitReturningRaw(res)

    require.True(t, s.committed)
    ins := disas(t, s.asmb.Code())

    /* find the far call: mov r11, imm64 + call r11 */
    calli := -1
    for n, i := range ins {
        if i.Op == x86asm.CALL {
            calli = n
        }
    }
    require.GreaterOrEqual(t, calli, 1)
    assert.Equal(t, x86asm.Reg(x86asm.R11), ins[calli].Args[0])

    /* everything that only lived in caller-clobbered registers was parked
     * in the scratch slab before the call */
    spills := 0
    for _, i := range ins[:calli] {
        if hasRSPStore(i) {
            spills++
        }
    }
    assert.GreaterOrEqual(t, spills, 5)
}

/** S6: failure on unplaceable owned reference **/

func TestRewriter_FailureUnplaceableDecref(t *testing.T) {
    s := newTestSlot(1024, 0)
    r := NewRewriter(s, 1, nil, nil, false)

    v := r.Call(false, _TestFarFunc, []*RewriterVar { r.Arg(0) }, nil, nil)
    v.SetType(RefOwned)
    r.Call(false, _TestFarFunc, nil, nil, []*RewriterVar { v })
    r.Commit()

    /* no specialization, no panic */
    assert.False(t, s.committed)
    assert.True(t, s.aborted)
}

/** idempotence properties **/

func TestRewriter_ConstDedup(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    c1 := r.LoadConst(0x1234)
    c2 := r.LoadConst(0x1234)
    c3 := r.LoadConst(0x5678)
    assert.True(t, c1 == c2)
    assert.False(t, c1 == c3)

    r.Abort()
    assert.True(t, s.aborted)
}

func TestRewriter_GetAttrMemo(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 2, nil, nil, false)

    obj := r.Arg(0)
    x1 := obj.GetAttr(16)
    x2 := obj.GetAttr(16)
    assert.True(t, x1 == x2)

    /* a different width is a different load */
    x3 := obj.GetAttrG(16, AnyReg(), asm.MovL)
    assert.False(t, x1 == x3)

    /* a mutating action invalidates the memo */
    obj.SetAttr(8, r.Arg(1), SetattrUnknown, asm.MovQ)
    x4 := obj.GetAttr(16)
    assert.False(t, x1 == x4)

    r.Abort()
}

func TestRewriter_AttrGuardDedup(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    obj := r.Arg(0)
    obj.AddAttrGuard(16, 0x99, false)
    obj.AddAttrGuard(16, 0x99, false)
    obj.AddAttrGuard(16, 0x99, true)     // negated: distinct
    r.CommitReturningRaw(obj)

    require.True(t, s.committed)
    ins := disas(t, s.asmb.Code())
    assert.Equal(t, 2, countOp(ins, x86asm.CMP))
}

/** boundary behaviors **/

func TestRewriter_GuardZeroUsesTest(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    x := r.Arg(0).GetAttr(8)
    x.AddGuard(0)
    r.CommitReturningRaw(r.Arg(0))

    require.True(t, s.committed)
    ins := disas(t, s.asmb.Code())
    assert.Equal(t, 1, countOp(ins, x86asm.TEST))
}

func TestRewriter_SmallGuardUsesImmediate(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    x := r.Arg(0).GetAttr(8)
    x.AddGuard(0x77)
    r.CommitReturningRaw(r.Arg(0))

    require.True(t, s.committed)

    /* cmp reg, imm and no constant materialization */
    ins := disas(t, s.asmb.Code())
    for _, i := range ins {
        if i.Op == x86asm.CMP {
            _, isimm := i.Args[1].(x86asm.Imm)
            assert.True(t, isimm)
        }
    }
}

func TestRewriter_LeaFromNearbyConstant(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    x := r.Arg(0).GetAttr(8)
    x.AddGuard(0x700000000000)
    x.AddGuardNotEq(0x700000000008)
    r.CommitReturningRaw(r.Arg(0))

    require.True(t, s.committed)
    ins := disas(t, s.asmb.Code())
    assert.Equal(t, 1, countOp(ins, x86asm.LEA))
}

func TestRewriter_NearCallIsDirect(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    res := r.Call(false, _TestNearFunc, []*RewriterVar { r.Arg(0) }, nil, nil)
    r.CommitReturningRaw(res)

    require.True(t, s.committed)
    for _, i := range disas(t, s.asmb.Code()) {
        if i.Op == x86asm.CALL {
            _, isrel := i.Args[0].(x86asm.Rel)
            assert.True(t, isrel, "near call must use the rel32 form")
        }
    }
}

/** refcounting **/

func TestRewriter_IncrefOnNonFinalConsume(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 2, nil, nil, false)

    container := r.Arg(0)
    x := container.GetAttr(16)
    x.SetType(RefOwned)

    container.SetAttr(24, x, SetattrRefUsed, asm.MovQ)
    x.RefConsumed()
    container.SetAttr(32, x, SetattrHandedOff, asm.MovQ)
    x.RefConsumed()
    r.Commit()

    require.True(t, s.committed)

    /* the first consume needs an incref, the final one is the handoff */
    ins := disas(t, s.asmb.Code())
    assert.Equal(t, 1, countOp(ins, x86asm.INC))
}

func TestRewriter_OwnedReturnHandsOff(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    v := r.Call(false, _TestNearFunc, []*RewriterVar { r.Arg(0) }, nil, nil)
    v.SetType(RefOwned)
    r.CommitReturning(v)

    require.True(t, s.committed)

    /* returning the only reference is a handoff, not an incref+decref */
    ins := disas(t, s.asmb.Code())
    assert.Equal(t, 0, countOp(ins, x86asm.INC))
    assert.Equal(t, 0, countOp(ins, x86asm.DEC))
}

func TestRewriter_XdecrefNullCheck(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 2, nil, nil, false)

    container, item := r.Arg(0), r.Arg(1)
    item.SetType(RefOwned)
    container.ReplaceAttr(24, item, true)
    r.Commit()

    require.True(t, s.committed)

    /* the previous value may be null: test + skip around the decref */
    ins := disas(t, s.asmb.Code())
    assert.GreaterOrEqual(t, countOp(ins, x86asm.TEST), 1)
    assert.Equal(t, 1, countOp(ins, x86asm.DEC))
    assert.Equal(t, 1, countOp(ins, x86asm.JE))
}

func TestRewriter_DecrefInfoAtThrowingCall(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    v := r.Arg(0).GetAttr(16)
    v.SetType(RefOwned)

    res := r.Call(false, _TestNearFunc, nil, nil, []*RewriterVar { v })
    r.CommitReturningRaw(res)

    require.True(t, s.committed)

    /* the owned value was parked in scratch, and the call site's table
     * entry points at it as a stack offset */
    require.Len(t, s.infos, 1)
    assert.Greater(t, s.infos[0].IP, _TestSlotBase)
    require.Len(t, s.infos[0].Locations, 1)

    l := s.infos[0].Locations[0]
    assert.Equal(t, LocStack, l.Kind())
    assert.Equal(t, s.scratchOff, l.Offset())
}

/** live-outs **/

func TestRewriter_LiveOutsPreserved(t *testing.T) {
    s := newTestSlot(4096, 128)
    r := NewRewriter(s, 1, []int { asm.ToDwarf(asm.R12), asm.ToDwarf(asm.RBX) }, nil, false)

    /* churn through enough values to pressure the allocator */
    obj := r.Arg(0)
    vs := make([]*RewriterVar, 8)
    for i := range vs {
        vs[i] = obj.GetAttr(int32(8 * i))
    }

    st := r.Allocate(8)
    for i, v := range vs {
        st.SetAttr(int32(8 * i), v, SetattrUnknown, asm.MovQ)
    }
    r.CommitReturningRaw(obj)

    /* callee-save live-outs never move, so nothing may touch them */
    require.True(t, s.committed)
    for _, i := range disas(t, s.asmb.Code()) {
        for _, arg := range i.Args {
            if reg, ok := arg.(x86asm.Reg); ok {
                assert.NotEqual(t, x86asm.R12, reg)
                assert.NotEqual(t, x86asm.RBX, reg)
            }
        }
    }
}

func TestRewriter_LiveOutCallerClobbered(t *testing.T) {
    s := newTestSlot(4096, 128)
    r := NewRewriter(s, 1, []int { asm.ToDwarf(asm.RCX) }, nil, false)

    /* the call forces the live-out out of RCX; commit must put it back */
    res := r.Call(true, _TestNearFunc, []*RewriterVar { r.Arg(0) }, nil, nil)
    r.CommitReturningRaw(res)

    require.True(t, s.committed)

    /* the last write involving RCX must be a load back into it */
    var last x86asm.Inst
    found := false
    for _, i := range disas(t, s.asmb.Code()) {
        if i.Op == x86asm.MOV && i.Args[0] == x86asm.Arg(x86asm.RCX) {
            last, found = i, true
        }
    }
    require.True(t, found)
    _, ismem := last.Args[1].(x86asm.Mem)
    assert.True(t, ismem)
}

/** invalidation counter **/

func TestRewriter_InvalidationCounter(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 1, nil, nil, true)

    res := r.Call(true, _TestNearFunc, []*RewriterVar { r.Arg(0) }, nil, nil)
    r.CommitReturningRaw(res)

    require.True(t, s.committed)

    /* entry increment and exit decrement, both locked */
    ins := disas(t, s.asmb.Code())
    assert.Equal(t, 1, countOp(ins, x86asm.INC))
    assert.Equal(t, 1, countOp(ins, x86asm.DEC))
}

/** failure modes **/

func TestRewriter_ScratchExhaustion(t *testing.T) {
    s := newTestSlot(4096, 16)
    r := NewRewriter(s, 1, nil, nil, false)

    r.Allocate(8)
    r.Commit()

    assert.False(t, s.committed)
    assert.True(t, s.aborted)
}

func TestRewriter_AssemblerOverflow(t *testing.T) {
    s := newTestSlot(16, 64)
    r := NewRewriter(s, 1, nil, nil, false)

    obj := r.Arg(0)
    for i := 0; i < 16; i++ {
        obj.AddAttrGuard(int32(8 * i), int64(i + 1), false)
    }
    r.CommitReturningRaw(obj)

    assert.False(t, s.committed)
    assert.True(t, s.aborted)
}

func TestRewriter_GuardOnWrongConstantPanics(t *testing.T) {
    s := newTestSlot(1024, 64)
    r := NewRewriter(s, 0, nil, nil, false)

    c := r.LoadConst(5)
    assert.PanicsWithValue(t, "inlinecache: guard is always false", func() { c.AddGuard(6) })

    /* guarding a constant on its own value is a no-op */
    c.AddGuard(5)
    r.CommitReturningRaw(c)
    require.True(t, s.committed)
    assert.Empty(t, s.jumps)
}
