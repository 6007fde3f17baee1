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

    `github.com/stretchr/testify/assert`
    `github.com/stretchr/testify/require`
    `golang.org/x/arch/x86/x86asm`

    `github.com/cloudwego/inlinecache/asm`
    `github.com/cloudwego/inlinecache/internal/rt`
)

func ppbuf(n int) ([]byte, uintptr, uintptr) {
    buf := make([]byte, n)
    start := uintptr(unsafe.Pointer(&buf[0]))
    return buf, start, start + uintptr(n)
}

func TestPatchpoint_CalleeSaveOnly(t *testing.T) {
    /* the nop tail stands in for the code that follows a real patch site */
    buf, start, _ := ppbuf(96)
    end := start + 64
    for i := 64; i < 96; i++ {
        buf[i] = 0x90
    }

    lo := MakeLiveOutSet([]int { asm.ToDwarf(asm.RBX), asm.ToDwarf(asm.R12) })
    info := InitializePatchpoint(0x1122334455667788, start, end, 0, 64, lo, SpillMap{})

    /* nothing to spill: the slow path is exactly the 13-byte call */
    assert.Equal(t, end - _InitialCallSize, info.SlowpathStart)
    assert.Equal(t, info.SlowpathStart + _InitialCallSize, info.SlowpathRtnAddr)
    assert.Equal(t, end, info.ContinueAddr)
    assert.True(t, info.LiveOuts.Has(asm.ToDwarf(asm.RBX)))
    assert.True(t, info.LiveOuts.Has(asm.ToDwarf(asm.R12)))

    /* the call shape is in place and patchable */
    require.NoError(t, VerifyPatchpoint(info.SlowpathStart))
    SetSlowpathFunc(info.SlowpathStart, 0x0807060504030201)
    assert.Equal(t, byte(0x01), buf[64 - _InitialCallSize + 2])
}

func TestPatchpoint_SpillsCallerClobbered(t *testing.T) {
    buf, start, end := ppbuf(128)

    lo := MakeLiveOutSet([]int {
        asm.ToDwarf(asm.RAX),
        asm.ToDwarf(asm.RSI),
        17,                     // xmm0
    })
    info := InitializePatchpoint(0x1122334455667788, start, end, 16, 64, lo, SpillMap{})

    /* 2 GP spills at 14 bytes, 1 XMM at 18, plus the call itself */
    assert.Equal(t, end - uintptr(_InitialCallSize + 2 * 14 + 18), info.SlowpathStart)
    assert.Equal(t, end, info.ContinueAddr)

    /* decode the slow path: stores, mov r11 + call, loads */
    code := buf[info.SlowpathStart - start:]
    pc := 0
    var ops []x86asm.Op
    for pc < len(code) {
        i, err := x86asm.Decode(code[pc:], 64)
        require.NoError(t, err)
        ops = append(ops, i.Op)
        pc += i.Len
    }

    assert.Equal(t, []x86asm.Op {
        x86asm.MOV, x86asm.MOV, x86asm.MOVSD_XMM,   // batch push
        x86asm.MOV, x86asm.CALL,                    // slow-path call
        x86asm.MOV, x86asm.MOV, x86asm.MOVSD_XMM,   // batch pop
    }, ops[:8])
}

func TestPatchpoint_ReloadsRemapped(t *testing.T) {
    _, start, end := ppbuf(128)

    remapped := SpillMap {
        asm.GP(asm.RSI): { Kind: SMIndirect, Regnum: asm.DwarfRBP, Offset: 24 },
    }

    lo := MakeLiveOutSet([]int { asm.ToDwarf(asm.RSI), asm.ToDwarf(asm.RBX) })
    info := InitializePatchpoint(0x1122334455667788, start, end, 16, 64, lo, remapped)

    /* the parked register is reloaded after the call, and the fast path
     * joins right before the reload */
    assert.Less(t, info.ContinueAddr, end)
    assert.False(t, info.LiveOuts.Has(asm.ToDwarf(asm.RSI)))
    assert.True(t, info.LiveOuts.Has(asm.ToDwarf(asm.RBX)))

    code := make([]byte, 16)
    copy(code, rt.BytesFrom(mkptr(info.ContinueAddr), 16, 16))
    i, err := x86asm.Decode(code, 64)
    require.NoError(t, err)
    assert.Equal(t, x86asm.MOV, i.Op)
    assert.Equal(t, x86asm.Arg(x86asm.RSI), i.Args[0])
}

func TestPatchpoint_HeadJumpsOverNops(t *testing.T) {
    buf, start, end := ppbuf(96)

    info := InitializePatchpoint(0x1122334455667788, start, end, 0, 64, 0, SpillMap{})

    /* the gap is wide, so it starts with a jmp and is nop-padded */
    gap := int(info.SlowpathStart - start)
    require.Greater(t, gap, 20)

    i, err := x86asm.Decode(buf, 64)
    require.NoError(t, err)
    assert.Equal(t, x86asm.JMP, i.Op)
    assert.Equal(t, x86asm.Rel(gap - i.Len), i.Args[0])
}

func TestPatchpoint_VerifyRejectsGarbage(t *testing.T) {
    buf := make([]byte, 32)
    buf[0] = 0xcc
    err := VerifyPatchpoint(uintptr(unsafe.Pointer(&buf[0])))
    require.Error(t, err)
    assert.Contains(t, err.Error(), "ShapeError")
}

func TestPatchpoint_SpillFrameArgument(t *testing.T) {
    a := asm.CreateAssembler(0x1000, 64)
    remapped := SpillMap{}
    scratchOff, scratchSize := int32(32), 64

    /* a caller-clobbered register gets parked and redirected */
    l := StackMapLoc { Kind: SMRegister, Regnum: asm.ToDwarf(asm.RSI) }
    require.True(t, SpillFrameArgumentIfNecessary(&l, a, &scratchOff, &scratchSize, remapped))
    assert.Equal(t, SMIndirect, l.Kind)
    assert.Equal(t, asm.DwarfRBP, l.Regnum)
    assert.Equal(t, int32(32), l.Offset)
    assert.Equal(t, int32(40), scratchOff)

    /* the second sighting reuses the parking spot without emitting */
    n := a.Offset()
    l2 := StackMapLoc { Kind: SMRegister, Regnum: asm.ToDwarf(asm.RSI) }
    require.False(t, SpillFrameArgumentIfNecessary(&l2, a, &scratchOff, &scratchSize, remapped))
    assert.Equal(t, l, l2)
    assert.Equal(t, n, a.Offset())

    /* callee-saves are left alone */
    l3 := StackMapLoc { Kind: SMRegister, Regnum: asm.ToDwarf(asm.RBX) }
    require.False(t, SpillFrameArgumentIfNecessary(&l3, a, &scratchOff, &scratchSize, remapped))
    assert.Equal(t, SMRegister, l3.Kind)
}
