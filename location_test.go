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

    `github.com/stretchr/testify/assert`

    `github.com/cloudwego/inlinecache/asm`
)

func TestLocation_Equality(t *testing.T) {
    assert.Equal(t, Reg(asm.RAX), Reg(asm.RAX))
    assert.NotEqual(t, Reg(asm.RAX), Reg(asm.RCX))
    assert.NotEqual(t, Reg(asm.RAX), XMMReg(asm.XMM0))
    assert.NotEqual(t, Scratch(8), Stack(8))
    assert.Equal(t, StackIndirect(8, 16), StackIndirect(8, 16))
    assert.NotEqual(t, StackIndirect(8, 16), StackIndirect(8, 24))

    /* structural hashing: locations are map keys */
    m := map[Location]int {
        Reg(asm.RAX) : 1,
        Scratch(8)   : 2,
    }
    assert.Equal(t, 1, m[Reg(asm.RAX)])
    assert.Equal(t, 2, m[Scratch(8)])
}

func TestLocation_ForArg(t *testing.T) {
    assert.Equal(t, Reg(asm.RDI), forArg(0))
    assert.Equal(t, Reg(asm.RSI), forArg(1))
    assert.Equal(t, Reg(asm.RDX), forArg(2))
    assert.Equal(t, Reg(asm.RCX), forArg(3))
    assert.Equal(t, Reg(asm.R8), forArg(4))
    assert.Equal(t, Reg(asm.R9), forArg(5))
    assert.Equal(t, Stack(0), forArg(6))
    assert.Equal(t, Stack(8), forArg(7))
}

func TestLocation_ClobberedByCall(t *testing.T) {
    assert.True(t, Reg(asm.RAX).IsClobberedByCall())
    assert.True(t, Reg(asm.R11).IsClobberedByCall())
    assert.False(t, Reg(asm.RBX).IsClobberedByCall())
    assert.False(t, Reg(asm.R12).IsClobberedByCall())
    assert.True(t, XMMReg(asm.XMM3).IsClobberedByCall())
    assert.False(t, Scratch(16).IsClobberedByCall())
    assert.False(t, Stack(16).IsClobberedByCall())
}

func TestLocation_String(t *testing.T) {
    assert.Equal(t, "anyreg", AnyReg().String())
    assert.Equal(t, "none", None().String())
    assert.Equal(t, "scratch(8)", Scratch(8).String())
    assert.Equal(t, "stack(16)", Stack(16).String())
    assert.Equal(t, "stackind(8, 24)", StackIndirect(8, 24).String())
}
