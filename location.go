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

type LocationKind uint8

const (
    LocUninitialized LocationKind = iota
    LocNone
    LocAnyReg
    LocRegister
    LocXMMRegister
    LocScratch
    LocStack
    LocStackIndirect
)

// Location is one place a value can live: a GP register, an XMM register, a
// slot of the per-slot scratch slab, a stack offset, or one of the pseudo
// kinds used for allocation requests. StackIndirect appears only in decref
// info records: follow the pointer at [sp+Off], then add Off2.
//
// Locations are plain values, comparable and usable as map keys.
type Location struct {
    k   LocationKind
    r   uint8
    off int32
    ex  int32
}

func Reg(r x86_64.Register64) Location {
    return Location { k: LocRegister, r: uint8(r) }
}

func XMMReg(r x86_64.XMMRegister) Location {
    return Location { k: LocXMMRegister, r: uint8(r) }
}

func Scratch(off int32) Location {
    return Location { k: LocScratch, off: off }
}

func Stack(off int32) Location {
    return Location { k: LocStack, off: off }
}

func StackIndirect(off int32, ex int32) Location {
    return Location { k: LocStackIndirect, off: off, ex: ex }
}

var (
    anyReg    = Location { k: LocAnyReg }
    noneLoc   = Location { k: LocNone }
    uninitLoc = Location { k: LocUninitialized }
)

// AnyReg is the allocation request for "any allocatable GP register".
func AnyReg() Location {
    return anyReg
}

// None is the empty location.
func None() Location {
    return noneLoc
}

// forArg is the System V AMD64 location of the i-th integer argument.
func forArg(i int) Location {
    if i < asm.NumArgRegs() {
        return Reg(asm.ArgReg(i))
    } else {
        return Stack(int32(i - asm.NumArgRegs()) * 8)
    }
}

func fromGeneric(r asm.GenericReg) Location {
    if r.IsXMM {
        return XMMReg(r.XMM)
    } else {
        return Reg(r.GP)
    }
}

func (self Location) Kind() LocationKind {
    return self.k
}

func (self Location) Offset() int32 {
    return self.off
}

func (self Location) IndirectOffset() int32 {
    return self.ex
}

func (self Location) asReg() x86_64.Register64 {
    if self.k != LocRegister {
        panic("inlinecache: not a GP register location: " + self.String())
    }
    return x86_64.Register64(self.r)
}

func (self Location) asXMMReg() x86_64.XMMRegister {
    if self.k != LocXMMRegister {
        panic("inlinecache: not an XMM register location: " + self.String())
    }
    return x86_64.XMMRegister(self.r)
}

// IsClobberedByCall reports whether a call may destroy the value held here.
func (self Location) IsClobberedByCall() bool {
    switch self.k {
        case LocRegister    : return !asm.IsCalleeSave(self.asReg())
        case LocXMMRegister : return true
        case LocScratch     : return false
        case LocStack       : return false
        default             : panic(fmt.Sprintf("inlinecache: invalid location kind: %d", self.k))
    }
}

func (self Location) String() string {
    switch self.k {
        case LocUninitialized : return "uninitialized"
        case LocNone          : return "none"
        case LocAnyReg        : return "anyreg"
        case LocRegister      : return "%" + x86_64.Register64(self.r).String()
        case LocXMMRegister   : return "%" + x86_64.XMMRegister(self.r).String()
        case LocScratch       : return fmt.Sprintf("scratch(%d)", self.off)
        case LocStack         : return fmt.Sprintf("stack(%d)", self.off)
        case LocStackIndirect : return fmt.Sprintf("stackind(%d, %d)", self.off, self.ex)
        default               : return fmt.Sprintf("location(%d)", self.k)
    }
}
