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
    `unsafe`

    `github.com/chenzhuoyu/iasm/x86_64`

    `github.com/cloudwego/inlinecache/asm`
    `github.com/cloudwego/inlinecache/internal/rt`
)

/* mov r11, imm64; call *r11 */
const _InitialCallSize = 13

// LiveOutSet is a small set of DWARF register numbers.
type LiveOutSet uint64

func MakeLiveOutSet(regs []int) (s LiveOutSet) {
    for _, r := range regs {
        s.Set(r)
    }
    return
}

func (self *LiveOutSet) Set(r int) {
    *self |= 1 << uint(r)
}

func (self LiveOutSet) Has(r int) bool {
    return self & (1 << uint(r)) != 0
}

func (self LiveOutSet) Each(fn func(r int)) {
    for r := 0; r < 64; r++ {
        if self.Has(r) {
            fn(r)
        }
    }
}

func (self LiveOutSet) List() (r []int) {
    self.Each(func(v int) { r = append(r, v) })
    return
}

// StackMapLocKind mirrors the location kinds of the stack-map parser.
type StackMapLocKind uint8

const (
    SMRegister StackMapLocKind = iota
    SMDirect
    SMIndirect
    SMConstant
    SMConstIndex
)

// StackMapLoc is one stack-map location record.
type StackMapLoc struct {
    Kind   StackMapLocKind
    Regnum int
    Offset int32
}

// SpillMap remembers where caller-clobbered registers from the stack map
// were parked, so later patchpoints reload instead of re-spilling.
type SpillMap map[asm.GenericReg]StackMapLoc

// PatchpointInitInfo is the result of laying out a patchpoint.
type PatchpointInitInfo struct {
    SlowpathStart   uintptr
    SlowpathRtnAddr uintptr
    ContinueAddr    uintptr
    LiveOuts        LiveOutSet
}

// SpillFrameArgumentIfNecessary rewrites one stack-map location: a value in
// a caller-clobbered register is stored to an RBP-relative scratch slot
// through a (the spill code runs before the patchpoint call), and the
// location record is redirected at the slot. Returns whether code was
// emitted.
func SpillFrameArgumentIfNecessary(l *StackMapLoc, a *asm.Assembler, scratchOffset *int32, scratchSize *int, remapped SpillMap) bool {
    switch l.Kind {
        case SMDirect, SMIndirect, SMConstant, SMConstIndex:
            return false

        case SMRegister:
            ru := asm.FromDwarf(l.Regnum)

            if !ru.IsXMM && asm.IsCalleeSave(ru.GP) {
                return false
            }

            /* already parked by an earlier patchpoint */
            if prev, ok := remapped[ru]; ok {
                *l = prev
                return false
            }

            if dst := asm.Ptr(asm.RBP, *scratchOffset); ru.IsXMM {
                a.MOVSD(ru.XMM, dst)
            } else {
                a.MOVQ(ru.GP, dst)
            }

            if *scratchSize < 8 {
                panic("inlinecache: patchpoint scratch exhausted")
            }

            l.Kind = SMIndirect
            l.Regnum = asm.DwarfRBP
            l.Offset = *scratchOffset

            *scratchOffset += 8
            *scratchSize -= 8

            remapped[ru] = *l
            return true

        default:
            panic(fmt.Sprintf("inlinecache: invalid stack map location kind: %d", l.Kind))
    }
}

// InitializePatchpoint lays out the slow-path trampoline of a raw patch
// site [start, end): a jump over the fast-path area, then batch spills of
// the caller-clobbered live-outs, the fixed-shape slow-path call, batch
// reloads, and reload code for registers previous spills already parked.
func InitializePatchpoint(slowpathFunc uintptr, start uintptr, end uintptr, scratchOffset int32, scratchSize int, liveOuts LiveOutSet, remapped SpillMap) PatchpointInitInfo {
    if start >= end {
        panic("inlinecache: empty patchpoint range")
    }

    est := _InitialCallSize
    out := LiveOutSet(0)

    var regsToSpill []asm.GenericReg
    var regsToReload []x86_64.Register64

    liveOuts.Each(func(regnum int) {
        ru := asm.FromDwarf(regnum)

        if !ru.IsXMM && ru.GP == asm.R11 {
            panic("inlinecache: R11 must stay free for the slow-path call")
        }

        /* callee-saves and RSP survive the call on their own */
        if !ru.IsXMM && (ru.GP == asm.RSP || asm.IsCalleeSave(ru.GP)) {
            out.Set(regnum)
            return
        }

        /* parked by the frame-argument spiller: reload it after the call,
         * its stack-map record already points at the RBP slot */
        if _, ok := remapped[ru]; ok && !ru.IsXMM {
            regsToReload = append(regsToReload, ru.GP)
            est += 7
            return
        }

        out.Set(regnum)
        regsToSpill = append(regsToSpill, ru)

        if ru.IsXMM {
            est += 18      // two movsd with disp32
        } else {
            est += 14      // two movs with disp32
        }
    })

    slowpathStart := end - uintptr(est)
    if slowpathStart < start {
        panic("inlinecache: patchpoint too small for its slow path")
    }

    /* skip the fast-path area */
    head := asm.CreateAssemblerIn(rt.BytesFrom(mkptr(start), int(slowpathStart - start), int(slowpathStart - start)), start)
    if slowpathStart - start > 20 {
        head.JMPT(int(slowpathStart - start))
    }
    head.FillNops()

    /* the slow path itself */
    tail := asm.CreateAssemblerIn(rt.BytesFrom(mkptr(slowpathStart), int(end - slowpathStart), int(end - slowpathStart)), slowpathStart)
    tail.EmitBatchPush(scratchOffset, regsToSpill)
    tail.MOVABS(uint64(slowpathFunc), asm.R11)
    tail.CALLQ(asm.R11)
    rtnAddr := slowpathStart + uintptr(tail.Offset())
    tail.EmitBatchPop(scratchOffset, regsToSpill)

    /* where the fast path lands: before the reloads if there are any, or
     * past the whole patchpoint if not */
    continueAddr := end
    if len(regsToReload) != 0 {
        continueAddr = slowpathStart + uintptr(tail.Offset())
    }

    for _, r := range regsToReload {
        l, ok := remapped[asm.GP(r)]
        if !ok || l.Kind != SMIndirect || l.Regnum != asm.DwarfRBP {
            panic("inlinecache: reload of a register that was never parked")
        }
        tail.MOVQ(asm.Ptr(asm.RBP, l.Offset), r)
    }

    tail.FillNops()
    if head.HasFailed() || tail.HasFailed() {
        panic("inlinecache: patchpoint layout overran its range")
    }

    return PatchpointInitInfo {
        SlowpathStart:   slowpathStart,
        SlowpathRtnAddr: rtnAddr,
        ContinueAddr:    continueAddr,
        LiveOuts:        out,
    }
}

// SetSlowpathFunc redirects an already laid-out patchpoint at a different
// slow-path function by overwriting the imm64 of its fixed-shape call.
func SetSlowpathFunc(ppAddr uintptr, fn uintptr) {
    if err := VerifyPatchpoint(ppAddr); err != nil {
        panic(err)
    }
    *(*uintptr)(mkptr(ppAddr + 2)) = fn
}

func mkptr(m uintptr) unsafe.Pointer {
    return *(*unsafe.Pointer)(unsafe.Pointer(&m))
}
