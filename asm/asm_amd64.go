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
    `github.com/bytedance/gopkg/lang/dirtmake`
    `github.com/chenzhuoyu/iasm/x86_64`

    `github.com/cloudwego/inlinecache/internal/opts`
)

/* Assembler emits straight-line x86-64 code into a bounded buffer, one
 * instruction at a time. Each mnemonic is encoded through a single-entry
 * iasm program assembled at the instruction's final absolute address, so
 * offsets are exact while emission is still in progress. Branches are
 * encoded by hand because their rel8 / rel32 form is part of the emitted
 * contract, not an encoding detail.
 *
 * Running past the buffer never panics. It sets the sticky failure flag
 * and turns every following emission into a no-op; the caller checks
 * HasFailed() once, at commit. */

type Assembler struct {
    arch *x86_64.Arch
    base uintptr
    buf  []byte
    cap  int
    fail bool
    cmts []comment
}

type comment struct {
    off int
    msg string
}

// CreateAssembler creates an assembler targeting a code range of size bytes
// that will be installed at absolute address base.
func CreateAssembler(base uintptr, size int) *Assembler {
    return &Assembler {
        arch: x86_64.CreateArch(),
        base: base,
        buf:  dirtmake.Bytes(0, size),
        cap:  size,
    }
}

// CreateAssemblerIn creates an assembler that writes directly into mem, with
// mem[0] at absolute address base.
func CreateAssemblerIn(mem []byte, base uintptr) *Assembler {
    return &Assembler {
        arch: x86_64.CreateArch(),
        base: base,
        buf:  mem[:0],
        cap:  len(mem),
    }
}

func (self *Assembler) pc() uintptr {
    return self.base + uintptr(len(self.buf))
}

func (self *Assembler) put(bs ...byte) {
    if self.fail {
        return
    } else if len(self.buf) + len(bs) > self.cap {
        self.fail = true
    } else {
        self.buf = append(self.buf, bs...)
    }
}

func (self *Assembler) emit(fn func(p *x86_64.Program)) {
    if self.fail {
        return
    }
    p := self.arch.CreateProgram()
    fn(p)
    self.put(p.Assemble(self.pc())...)
}

// Offset is the number of bytes written so far.
func (self *Assembler) Offset() int {
    return len(self.buf)
}

// Base is the absolute address the code will be installed at.
func (self *Assembler) Base() uintptr {
    return self.base
}

// SetBase rebases the assembler once the concrete install address is known.
// Only valid before any address-dependent instruction is emitted.
func (self *Assembler) SetBase(base uintptr) {
    self.base = base
}

// Code returns the bytes emitted so far.
func (self *Assembler) Code() []byte {
    return self.buf
}

// HasFailed reports whether any emission overran the buffer.
func (self *Assembler) HasFailed() bool {
    return self.fail
}

// Fail marks the assembler as failed.
func (self *Assembler) Fail() {
    self.fail = true
}

// Comment records a debug annotation at the current offset.
func (self *Assembler) Comment(msg string) {
    if opts.DebugAsm {
        self.cmts = append(self.cmts, comment { off: len(self.buf), msg: msg })
    }
}

/** Data Motion **/

func (self *Assembler) MOVQ(v interface{}, to interface{}) {
    self.emit(func(p *x86_64.Program) { p.MOVQ(v, to) })
}

func (self *Assembler) LEAQ(m *x86_64.MemoryOperand, to x86_64.Register64) {
    self.emit(func(p *x86_64.Program) { p.LEAQ(m, to) })
}

func (self *Assembler) MOVSD(v interface{}, to interface{}) {
    self.emit(func(p *x86_64.Program) { p.MOVSD(v, to) })
}

func (self *Assembler) MOVSS(v interface{}, to interface{}) {
    self.emit(func(p *x86_64.Program) { p.MOVSS(v, to) })
}

func (self *Assembler) CVTSS2SD(v interface{}, to x86_64.XMMRegister) {
    self.emit(func(p *x86_64.Program) { p.CVTSS2SD(v, to) })
}

/* XORL of a register with itself is the canonical zeroing idiom, it is
 * shorter than MOVQ $0 and breaks no dependency chains */
func (self *Assembler) XORLSelf(r x86_64.Register64) {
    self.emit(func(p *x86_64.Program) { p.XORL(x86_64.Register32(r), x86_64.Register32(r)) })
}

/** Widening Loads & Narrow Stores **/

type MovType uint8

const (
    MovQ MovType = iota     // 64-bit
    MovL                    // 32-bit, zero-extending on load
    MovW                    // 16-bit, zero-extending on load
    MovB                    //  8-bit, zero-extending on load
    MovSBQ                  //  8-bit, sign-extending
    MovSWQ                  // 16-bit, sign-extending
    MovSLQ                  // 32-bit, sign-extending
)

// LoadG loads from m into r with the width and extension of t.
func (self *Assembler) LoadG(t MovType, m *x86_64.MemoryOperand, r x86_64.Register64) {
    self.emit(func(p *x86_64.Program) {
        switch t {
            case MovQ   : p.MOVQ(m, r)
            case MovL   : p.MOVL(m, x86_64.Register32(r))
            case MovW   : p.MOVZWQ(m, r)
            case MovB   : p.MOVZBQ(m, r)
            case MovSBQ : p.MOVSBQ(m, r)
            case MovSWQ : p.MOVSWQ(m, r)
            case MovSLQ : p.MOVSLQ(m, r)
            default     : panic("asm: invalid load type")
        }
    })
}

// StoreG stores the low t-sized part of r into m.
func (self *Assembler) StoreG(t MovType, r x86_64.Register64, m *x86_64.MemoryOperand) {
    self.emit(func(p *x86_64.Program) {
        switch t {
            case MovQ : p.MOVQ(r, m)
            case MovL : p.MOVL(x86_64.Register32(r), m)
            case MovW : p.MOVW(x86_64.Register16(r), m)
            case MovB : p.MOVB(x86_64.Register8(r), m)
            default   : panic("asm: invalid store type")
        }
    })
}

// StoreImmG stores the immediate v into m with the width of t.
func (self *Assembler) StoreImmG(t MovType, v int64, m *x86_64.MemoryOperand) {
    self.emit(func(p *x86_64.Program) {
        switch t {
            case MovQ : p.MOVQ(v, m)
            case MovL : p.MOVL(v, m)
            case MovW : p.MOVW(v, m)
            case MovB : p.MOVB(v, m)
            default   : panic("asm: invalid store type")
        }
    })
}

// MOVABS emits the full 10-byte mov r64, imm64 form regardless of the
// value; patchpoints rely on the fixed encoding to overwrite the immediate
// in place.
func (self *Assembler) MOVABS(v uint64, r x86_64.Register64) {
    rex := byte(0x48)
    if r >= x86_64.R8 {
        rex = 0x49
    }
    self.put(
        rex, 0xb8 + byte(r & 7),
        byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
        byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
    )
}

/** Arithmetic & Flags **/

func (self *Assembler) ADDQ(v interface{}, to interface{}) {
    self.emit(func(p *x86_64.Program) { p.ADDQ(v, to) })
}

func (self *Assembler) CMPQ(v interface{}, to interface{}) {
    self.emit(func(p *x86_64.Program) { p.CMPQ(v, to) })
}

func (self *Assembler) CMPL(v interface{}, to interface{}) {
    self.emit(func(p *x86_64.Program) { p.CMPL(v, to) })
}

func (self *Assembler) TESTQ(a x86_64.Register64, b x86_64.Register64) {
    self.emit(func(p *x86_64.Program) { p.TESTQ(a, b) })
}

func (self *Assembler) INCQ(m *x86_64.MemoryOperand) {
    self.emit(func(p *x86_64.Program) { p.INCQ(m) })
}

func (self *Assembler) DECQ(m *x86_64.MemoryOperand) {
    self.emit(func(p *x86_64.Program) { p.DECQ(m) })
}

func (self *Assembler) SETCC(cc ConditionCode, r x86_64.Register64) {
    self.emit(func(p *x86_64.Program) {
        switch cc {
            case CondEqual    : p.SETE(x86_64.Register8(r))
            case CondNotEqual : p.SETNE(x86_64.Register8(r))
            case CondSign     : p.SETS(x86_64.Register8(r))
            case CondNotSign  : p.SETNS(x86_64.Register8(r))
            default           : panic("asm: invalid setcc condition: " + cc.String())
        }
    })
}

/* increment / decrement of a 64-bit counter at a fixed 32-bit address,
 * used for refcounts of objects whose address is embedded as a constant */

func (self *Assembler) INCQA(addr uintptr) {
    self.absCounter64(0x04, addr)
}

func (self *Assembler) DECQA(addr uintptr) {
    self.absCounter64(0x0c, addr)
}

func (self *Assembler) absCounter64(modrm byte, addr uintptr) {
    if !IsInt32(int64(addr)) {
        panic("asm: counter address does not fit into disp32")
    }
    self.put(0x48, 0xff, modrm, 0x25, byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24))
}

/* LOCK-prefixed increment / decrement of a counter at a fixed 32-bit
 * address, used for the in-slot invalidation counter */

func (self *Assembler) LOCKINCL(addr uintptr) {
    self.absCounter(0x04, addr)
}

func (self *Assembler) LOCKDECL(addr uintptr) {
    self.absCounter(0x0c, addr)
}

func (self *Assembler) absCounter(modrm byte, addr uintptr) {
    if !IsInt32(int64(addr)) {
        panic("asm: counter address does not fit into disp32")
    }
    self.put(0xf0, 0xff, modrm, 0x25, byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24))
}

func (self *Assembler) LOCKINCM(m *x86_64.MemoryOperand) {
    self.put(0xf0)
    self.emit(func(p *x86_64.Program) { p.INCL(m) })
}

func (self *Assembler) LOCKDECM(m *x86_64.MemoryOperand) {
    self.put(0xf0)
    self.emit(func(p *x86_64.Program) { p.DECL(m) })
}

/** Calls **/

// CALL emits a rel32 call to the absolute address addr. The displacement
// must fit, callers check with CallFits first.
func (self *Assembler) CALL(addr uintptr) {
    d := int64(addr) - int64(self.pc()) - 5
    if !IsInt32(d) {
        panic("asm: call displacement out of range")
    }
    self.put(0xe8, byte(d), byte(d >> 8), byte(d >> 16), byte(d >> 24))
}

// CallFits reports whether a rel32 call at the current offset reaches addr.
func (self *Assembler) CallFits(addr uintptr) bool {
    return IsInt32(int64(addr) - int64(self.pc()) - 5)
}

// CALLQ emits an indirect call through a register.
func (self *Assembler) CALLQ(r x86_64.Register64) {
    self.emit(func(p *x86_64.Program) { p.CALLQ(r) })
}

// CALLM emits an indirect call through a memory operand.
func (self *Assembler) CALLM(m *x86_64.MemoryOperand) {
    self.emit(func(p *x86_64.Program) { p.CALLQ(m) })
}

/** Branches **/

// JCC emits a conditional jump to the given offset from the start of the
// buffer, choosing the rel8 form whenever the displacement allows it.
func (self *Assembler) JCC(cc ConditionCode, to int) {
    off := len(self.buf)
    if d := to - off - 2; d >= -128 && d <= 127 {
        self.put(0x70 | byte(cc), byte(int8(d)))
    } else if d := int64(to - off - 6); IsInt32(d) {
        self.put(0x0f, 0x80 | byte(cc), byte(d), byte(d >> 8), byte(d >> 16), byte(d >> 24))
    } else {
        self.fail = true
    }
}

// JMPT emits an unconditional jump to the given offset from the start of
// the buffer.
func (self *Assembler) JMPT(to int) {
    off := len(self.buf)
    if d := to - off - 2; d >= -128 && d <= 127 {
        self.put(0xeb, byte(int8(d)))
    } else if d := int64(to - off - 5); IsInt32(d) {
        self.put(0xe9, byte(d), byte(d >> 8), byte(d >> 16), byte(d >> 24))
    } else {
        self.fail = true
    }
}

// ForwardJump is a conditional branch whose target is the not-yet-known end
// of a short inline body.
type ForwardJump struct {
    a   *Assembler
    off int
}

// ForwardJCC emits a rel8 conditional jump to be linked later.
func (self *Assembler) ForwardJCC(cc ConditionCode) ForwardJump {
    r := ForwardJump { a: self, off: len(self.buf) }
    self.put(0x70 | byte(cc), 0x00)
    return r
}

// Link points the forward jump at the current offset.
func (self ForwardJump) Link() {
    if self.a.fail {
        return
    }
    d := len(self.a.buf) - self.off - 2
    if d < -128 || d > 127 {
        self.a.fail = true
        return
    }
    self.a.buf[self.off + 1] = byte(int8(d))
}

/** Padding **/

var nopTab = [10][]byte {
    1: { 0x90 },
    2: { 0x66, 0x90 },
    3: { 0x0f, 0x1f, 0x00 },
    4: { 0x0f, 0x1f, 0x40, 0x00 },
    5: { 0x0f, 0x1f, 0x44, 0x00, 0x00 },
    6: { 0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00 },
    7: { 0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00 },
    8: { 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00 },
    9: { 0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00 },
}

// NOP emits a single one-byte nop.
func (self *Assembler) NOP() {
    self.put(0x90)
}

// Trap emits an int3 breakpoint.
func (self *Assembler) Trap() {
    self.put(0xcc)
}

// PadNops pads with multi-byte nops until the offset reaches to.
func (self *Assembler) PadNops(to int) {
    for n := to - len(self.buf); n > 0 && !self.fail; n = to - len(self.buf) {
        if n > 9 {
            n = 9
        }
        self.put(nopTab[n]...)
    }
}

// FillNops pads the remaining capacity with multi-byte nops.
func (self *Assembler) FillNops() {
    self.PadNops(self.cap)
}

/** Batch Spills around a Slow-Path Call **/

// EmitBatchPush spills regs into the RBP-relative scratch range starting at
// scratchOff.
func (self *Assembler) EmitBatchPush(scratchOff int32, regs []GenericReg) {
    for i, r := range regs {
        if m := Ptr(RBP, scratchOff + int32(i) * 8); r.IsXMM {
            self.MOVSD(r.XMM, m)
        } else {
            self.MOVQ(r.GP, m)
        }
    }
}

// EmitBatchPop reloads regs spilled by EmitBatchPush.
func (self *Assembler) EmitBatchPop(scratchOff int32, regs []GenericReg) {
    for i, r := range regs {
        if m := Ptr(RBP, scratchOff + int32(i) * 8); r.IsXMM {
            self.MOVSD(m, r.XMM)
        } else {
            self.MOVQ(m, r.GP)
        }
    }
}
