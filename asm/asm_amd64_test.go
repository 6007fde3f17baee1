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

package asm

import (
    `testing`

    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`
    `golang.org/x/arch/x86/x86asm`
)

func decodeAll(t *testing.T, code []byte) (r []x86asm.Inst) {
    pc := 0
    for pc < len(code) {
        i, err := x86asm.Decode(code[pc:], 64)
        require.NoError(t, err)
        r = append(r, i)
        pc += i.Len
    }
    return
}

func TestAssembler_ZeroIdiom(t *testing.T) {
    p := CreateAssembler(0x1000, 64)
    p.XORLSelf(RAX)
    require.False(t, p.HasFailed())
    assert.Equal(t, []byte { 0x31, 0xc0 }, p.Code())
}

func TestAssembler_MovReg(t *testing.T) {
    p := CreateAssembler(0x1000, 64)
    p.MOVQ(RDI, RAX)
    ins := decodeAll(t, p.Code())
    require.Len(t, ins, 1)
    assert.Equal(t, x86asm.MOV, ins[0].Op)
    assert.Equal(t, x86asm.RAX, ins[0].Args[0])
    assert.Equal(t, x86asm.RDI, ins[0].Args[1])
}

func TestAssembler_ShortAndLongJumps(t *testing.T) {
    p := CreateAssembler(0x1000, 1024)

    /* backward short jump to offset 0 */
    p.NOP()
    p.JCC(CondNotEqual, 0)
    require.Equal(t, 3, p.Offset())
    assert.Equal(t, byte(0x75), p.Code()[1])

    /* forward long jump out of rel8 range */
    p.JCC(CondNotEqual, 1000)
    assert.Equal(t, byte(0x0f), p.Code()[3])
    assert.Equal(t, byte(0x85), p.Code()[4])

    /* short unconditional jump */
    off := p.Offset()
    p.JMPT(off + 10)
    assert.Equal(t, byte(0xeb), p.Code()[off])

    /* long unconditional jump */
    off = p.Offset()
    p.JMPT(off + 1000)
    assert.Equal(t, byte(0xe9), p.Code()[off])
}

func TestAssembler_ForwardJump(t *testing.T) {
    p := CreateAssembler(0x1000, 64)
    fj := p.ForwardJCC(CondNotZero)
    p.NOP()
    p.NOP()
    fj.Link()

    /* jnz +2 */
    assert.Equal(t, []byte { 0x75, 0x02, 0x90, 0x90 }, p.Code())
}

func TestAssembler_CallRel32(t *testing.T) {
    p := CreateAssembler(0x1000, 64)
    require.True(t, p.CallFits(0x2000))
    p.CALL(0x2000)

    ins := decodeAll(t, p.Code())
    require.Len(t, ins, 1)
    assert.Equal(t, x86asm.CALL, ins[0].Op)
    assert.Equal(t, x86asm.Rel(0x2000 - 0x1000 - 5), ins[0].Args[0])
}

func TestAssembler_CallIndirect(t *testing.T) {
    p := CreateAssembler(0x1000, 64)
    p.CALLQ(R11)
    assert.Equal(t, []byte { 0x41, 0xff, 0xd3 }, p.Code())
}

func TestAssembler_MOVABSShape(t *testing.T) {
    p := CreateAssembler(0x1000, 64)
    p.MOVABS(0x1122334455667788, R11)

    code := p.Code()
    require.Len(t, code, 10)
    assert.Equal(t, byte(0x49), code[0])
    assert.Equal(t, byte(0xbb), code[1])
    assert.Equal(t, byte(0x88), code[2])
    assert.Equal(t, byte(0x11), code[9])

    /* small values keep the full encoding */
    p = CreateAssembler(0x1000, 64)
    p.MOVABS(1, RAX)
    require.Len(t, p.Code(), 10)
    assert.Equal(t, byte(0x48), p.Code()[0])
    assert.Equal(t, byte(0xb8), p.Code()[1])
}

func TestAssembler_NopFill(t *testing.T) {
    for n := 1; n <= 32; n++ {
        p := CreateAssembler(0x1000, n)
        p.FillNops()
        require.False(t, p.HasFailed())
        require.Equal(t, n, p.Offset())

        /* every nop must decode */
        for _, i := range decodeAll(t, p.Code()) {
            assert.Equal(t, x86asm.NOP, i.Op)
        }
    }
}

func TestAssembler_Overflow(t *testing.T) {
    p := CreateAssembler(0x1000, 4)
    p.MOVQ(RDI, RAX)
    require.False(t, p.HasFailed())
    p.MOVQ(RSI, RCX)
    require.True(t, p.HasFailed())

    /* overflow is sticky and silent */
    p.NOP()
    assert.Equal(t, 3, p.Offset())
}

func TestAssembler_LoadStoreWidths(t *testing.T) {
    p := CreateAssembler(0x1000, 256)
    p.LoadG(MovQ, Ptr(RDI, 16), RAX)
    p.LoadG(MovL, Ptr(RDI, 16), RAX)
    p.LoadG(MovB, Ptr(RDI, 16), RAX)
    p.LoadG(MovSLQ, Ptr(RDI, 16), RAX)
    p.StoreG(MovQ, RAX, Ptr(RDI, 24))
    p.StoreG(MovL, RAX, Ptr(RDI, 24))
    p.StoreImmG(MovQ, 7, Ptr(RDI, 24))
    require.False(t, p.HasFailed())

    ins := decodeAll(t, p.Code())
    require.Len(t, ins, 7)
    assert.Equal(t, x86asm.MOV, ins[0].Op)
    assert.Equal(t, x86asm.MOVZX, ins[2].Op)
    assert.Equal(t, x86asm.MOVSXD, ins[3].Op)
}

func TestAssembler_BatchPushPop(t *testing.T) {
    regs := []GenericReg { GP(RAX), GP(RSI), FP(XMM0) }

    p := CreateAssembler(0x1000, 256)
    p.EmitBatchPush(64, regs)
    n := len(decodeAll(t, p.Code()))
    p.EmitBatchPop(64, regs)
    require.False(t, p.HasFailed())

    ins := decodeAll(t, p.Code())
    require.Len(t, ins, 6)
    require.Equal(t, 3, n)

    /* push stores mirror pop loads */
    assert.Equal(t, x86asm.MOV, ins[0].Op)
    assert.Equal(t, x86asm.MOVSD_XMM, ins[2].Op)
    assert.Equal(t, x86asm.MOVSD_XMM, ins[5].Op)
}

func TestConditionCodes(t *testing.T) {
    assert.Equal(t, CondEqual, CondZero)
    assert.Equal(t, CondNotEqual, CondNotZero)
    assert.Equal(t, "ne", CondNotEqual.String())
}

func TestDwarfMapping(t *testing.T) {
    assert.Equal(t, GP(RBP), FromDwarf(DwarfRBP))
    assert.Equal(t, GP(RAX), FromDwarf(0))
    assert.Equal(t, GP(RBX), FromDwarf(3))
    assert.Equal(t, FP(XMM0), FromDwarf(17))
    assert.Equal(t, 3, ToDwarf(RBX))

    for i := 0; i < 16; i++ {
        r := FromDwarf(i)
        require.False(t, r.IsXMM)
        assert.Equal(t, i, ToDwarf(r.GP))
    }
}

func TestCalleeSave(t *testing.T) {
    for _, r := range StdAllocatableRegs() {
        assert.False(t, IsCalleeSave(r), r.String())
    }
    assert.True(t, IsCalleeSave(RBX))
    assert.True(t, IsCalleeSave(RBP))
    assert.True(t, IsCalleeSave(RSP))
    assert.True(t, IsCalleeSave(R12))
    assert.True(t, IsCalleeSave(R15))
}
