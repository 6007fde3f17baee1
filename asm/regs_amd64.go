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
    `math`

    `github.com/chenzhuoyu/iasm/x86_64`
)

const (
    RAX = x86_64.RAX
    RCX = x86_64.RCX
    RDX = x86_64.RDX
    RBX = x86_64.RBX
    RSP = x86_64.RSP
    RBP = x86_64.RBP
    RSI = x86_64.RSI
    RDI = x86_64.RDI
    R8  = x86_64.R8
    R9  = x86_64.R9
    R10 = x86_64.R10
    R11 = x86_64.R11
    R12 = x86_64.R12
    R13 = x86_64.R13
    R14 = x86_64.R14
    R15 = x86_64.R15
)

const (
    XMM0  = x86_64.XMM0
    XMM1  = x86_64.XMM1
    XMM2  = x86_64.XMM2
    XMM3  = x86_64.XMM3
    XMM4  = x86_64.XMM4
    XMM5  = x86_64.XMM5
    XMM6  = x86_64.XMM6
    XMM7  = x86_64.XMM7
    XMM8  = x86_64.XMM8
    XMM9  = x86_64.XMM9
    XMM10 = x86_64.XMM10
    XMM11 = x86_64.XMM11
    XMM12 = x86_64.XMM12
    XMM13 = x86_64.XMM13
    XMM14 = x86_64.XMM14
    XMM15 = x86_64.XMM15
)

/* integer argument registers, in System V AMD64 order */
var argRegs = [6]x86_64.Register64 {
    RDI, RSI, RDX, RCX, R8, R9,
}

/* registers the rewriter may hand out; callee-saves are excluded because the
 * unwinder cannot restore them across an inline cache */
var stdAllocatableRegs = [9]x86_64.Register64 {
    RAX, RCX, RDX,
    RDI, RSI, R8, R9, R10, R11,
}

var allocatableXMMRegs = [16]x86_64.XMMRegister {
    XMM0,  XMM1,  XMM2,  XMM3,  XMM4,  XMM5,  XMM6,  XMM7,
    XMM8,  XMM9,  XMM10, XMM11, XMM12, XMM13, XMM14, XMM15,
}

// ArgReg returns the i-th System V integer argument register.
func ArgReg(i int) x86_64.Register64 {
    return argRegs[i]
}

// NumArgRegs is the number of integer argument registers before arguments
// move to the stack.
func NumArgRegs() int {
    return len(argRegs)
}

// StdAllocatableRegs returns the default allocatable GP register set.
func StdAllocatableRegs() []x86_64.Register64 {
    return stdAllocatableRegs[:]
}

// AllocatableXMMRegs returns the allocatable XMM register set.
func AllocatableXMMRegs() []x86_64.XMMRegister {
    return allocatableXMMRegs[:]
}

// IsCalleeSave reports whether r survives a call under System V AMD64.
func IsCalleeSave(r x86_64.Register64) bool {
    switch r {
        case RBX, RBP, RSP, R12, R13, R14, R15 : return true
        default                                : return false
    }
}

// GenericReg is either a GP or an XMM register.
type GenericReg struct {
    IsXMM bool
    GP    x86_64.Register64
    XMM   x86_64.XMMRegister
}

func GP(r x86_64.Register64) GenericReg {
    return GenericReg { GP: r }
}

func FP(r x86_64.XMMRegister) GenericReg {
    return GenericReg { IsXMM: true, XMM: r }
}

// ConditionCode is the x86-64 condition encoding as used in the low nibble
// of the Jcc / SETcc opcodes.
type ConditionCode uint8

const (
    CondEqual    ConditionCode = 0x4
    CondNotEqual ConditionCode = 0x5
    CondSign     ConditionCode = 0x8
    CondNotSign  ConditionCode = 0x9
)

const (
    CondZero    = CondEqual
    CondNotZero = CondNotEqual
)

func (self ConditionCode) String() string {
    switch self {
        case CondEqual    : return "e"
        case CondNotEqual : return "ne"
        case CondSign     : return "s"
        case CondNotSign  : return "ns"
        default           : return "??"
    }
}

// Ptr constructs a [base + disp] memory operand.
func Ptr(base x86_64.Register, disp int32) *x86_64.MemoryOperand {
    return x86_64.Ptr(base, disp)
}

// IsInt32 reports whether v fits into a sign-extended 32-bit immediate.
func IsInt32(v int64) bool {
    return v >= math.MinInt32 && v <= math.MaxInt32
}
