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
    `sync`
    `sync/atomic`
    `unsafe`

    `github.com/chenzhuoyu/iasm/x86_64`
    `github.com/klauspost/cpuid/v2`
    `github.com/oleiade/lane`

    `github.com/cloudwego/inlinecache/asm`
    `github.com/cloudwego/inlinecache/internal/loader`
    `github.com/cloudwego/inlinecache/internal/opts`
)

/* the emitter depends on SSE2 for the float attribute loads */
var isaSupported = cpuid.CPU.Supports(cpuid.SSE2)

// Supported reports whether this CPU can run emitted slots.
func Supported() bool {
    return isaSupported
}

// ICSetup describes the geometry of one inline-cache site.
type ICSetup struct {
    NumSlots         int
    SlotSize         int
    ScratchSize      int
    ScratchRspOffset int32
    ReturnReg        x86_64.Register64
    LiveOuts         []int
    Allocatable      []x86_64.Register64
}

// IC is the bundled inline-cache site implementation: a run of equally
// sized slots carved out of one executable region, handed out round-robin.
type IC struct {
    mu    sync.Mutex
    name  string
    setup ICSetup

    region loader.Region
    slots  []*icSlot
    free   *lane.Queue

    attempts uint32
    writing  bool
}

type icSlot struct {
    ic        *IC
    index     int
    start     uintptr
    committed bool
    numInside uint32
    gcRefs    []unsafe.Pointer
}

// RegisterIC reserves executable memory for an inline-cache site.
func RegisterIC(name string, setup ICSetup) *IC {
    if setup.NumSlots <= 0 {
        setup.NumSlots = opts.MaxSlots
    }
    if setup.SlotSize <= 0 {
        panic("inlinecache: slot size must be positive")
    }
    if setup.ReturnReg == 0 {
        setup.ReturnReg = asm.RAX
    }

    self := &IC {
        name:   name,
        setup:  setup,
        free:   lane.NewQueue(),
        region: loader.MapRegion(setup.NumSlots * setup.SlotSize),
    }

    for i := 0; i < setup.NumSlots; i++ {
        s := &icSlot {
            ic:    self,
            index: i,
            start: self.region.Addr + uintptr(i * setup.SlotSize),
        }
        self.slots = append(self.slots, s)
        self.free.Enqueue(s)
    }

    return self
}

// ShouldAttempt applies the back-off gate: a site that has started as many
// rewrites as the megamorphic cutoff, committed or not, stops being attempted.
func (self *IC) ShouldAttempt() bool {
    return !self.IsMegamorphic()
}

// IsMegamorphic reports whether this site has seen too many shapes to be
// worth specializing.
func (self *IC) IsMegamorphic() bool {
    return atomic.LoadUint32(&self.attempts) >= uint32(opts.MegamorphicCut)
}

// LiveOuts returns the DWARF registers the caller expects preserved.
func (self *IC) LiveOuts() []int {
    return self.setup.LiveOuts
}

// AllocatableRegs returns the register set rewrites of this site may use.
func (self *IC) AllocatableRegs() []x86_64.Register64 {
    return self.setup.Allocatable
}

// StartRewrite reserves the site for one rewrite attempt.
func (self *IC) StartRewrite(debugName string) ICSlotRewrite {
    if !isaSupported {
        return nil
    }

    self.mu.Lock()
    if self.writing {
        self.mu.Unlock()
        return nil
    }
    self.writing = true
    self.mu.Unlock()

    atomic.AddUint32(&self.attempts, 1)
    return &icSlotRewrite {
        ic:   self,
        name: debugName,
        asmb: asm.CreateAssembler(0, self.setup.SlotSize),
    }
}

func (self *IC) releaseWriter() {
    self.mu.Lock()
    self.writing = false
    self.mu.Unlock()
}

// Invalidate tears down every committed slot whose code is not currently
// executing, overwriting the invalidation header with a jump to the slot
// end so in-flight callers fall through to the next slot or the slow path.
func (self *IC) Invalidate() (n int) {
    self.mu.Lock()
    defer self.mu.Unlock()

    for _, s := range self.slots {
        if !s.committed || atomic.LoadUint32(&s.numInside) != 0 {
            continue
        }

        a := asm.CreateAssemblerIn(s.bytes()[:_ICInvalidationHeaderSize], s.start)
        a.JMPT(self.setup.SlotSize)
        a.FillNops()

        for _, p := range s.gcRefs {
            decRefcount(p)
        }

        s.gcRefs = nil
        s.committed = false
        self.free.Enqueue(s)
        n++
    }

    return
}

func (self *icSlot) bytes() []byte {
    size := self.ic.setup.SlotSize
    return self.ic.region.Bytes()[self.index * size : (self.index + 1) * size]
}

type icSlotRewrite struct {
    ic   *IC
    name string
    asmb *asm.Assembler
    slot *icSlot
}

func (self *icSlotRewrite) DebugName() string                  { return self.name }
func (self *icSlotRewrite) Assembler() *asm.Assembler          { return self.asmb }
func (self *icSlotRewrite) SlotSize() int                      { return self.ic.setup.SlotSize }
func (self *icSlotRewrite) ScratchSize() int                   { return self.ic.setup.ScratchSize }
func (self *icSlotRewrite) ScratchRspOffset() int32            { return self.ic.setup.ScratchRspOffset }
func (self *icSlotRewrite) ReturnRegister() x86_64.Register64  { return self.ic.setup.ReturnReg }

func (self *icSlotRewrite) SlotStart() uintptr {
    if self.slot == nil {
        return 0
    }
    return self.slot.start
}

func (self *icSlotRewrite) PrepareEntry() *SlotEntry {
    v := self.ic.free.Dequeue()
    if v == nil {
        return nil
    }

    self.slot = v.(*icSlot)
    self.asmb.SetBase(self.slot.start)

    return &SlotEntry {
        Start:     self.slot.start,
        NumInside: &self.slot.numInside,
    }
}

func (self *icSlotRewrite) Commit(gcRefs []unsafe.Pointer, decrefInfos []DecrefInfo, jumps []SlotJump) bool {
    defer self.ic.releaseWriter()

    /* the continuation point of this slot is its end; execution falls
     * through into the next slot's check chain or the slow path */
    self.asmb.JMPT(self.ic.setup.SlotSize)
    self.asmb.FillNops()

    if self.asmb.HasFailed() || self.slot == nil {
        for _, p := range gcRefs {
            decRefcount(p)
        }
        if self.slot != nil {
            self.ic.free.Enqueue(self.slot)
            self.slot = nil
        }
        return false
    }

    /* install the code, then publish the decref tables before anyone can
     * possibly return through the new call sites */
    copy(self.slot.bytes(), self.asmb.Code())
    registerDecrefInfos(decrefInfos)

    /* x86-64 needs no explicit icache flush, but the table and code stores
     * must be visible before the slot is marked live */
    atomic.AddUint32(&publishEpoch, 1)

    self.slot.gcRefs = gcRefs
    self.slot.committed = true
    self.slot = nil
    return true
}

func (self *icSlotRewrite) Abort() {
    defer self.ic.releaseWriter()

    if self.slot != nil {
        self.ic.free.Enqueue(self.slot)
        self.slot = nil
    }
}

/** Decref-Info Registry **/

var (
    publishEpoch  uint32
    decrefInfoMu  sync.RWMutex
    decrefInfoTab = make(map[uintptr][]Location)
)

func registerDecrefInfos(infos []DecrefInfo) {
    decrefInfoMu.Lock()
    for _, d := range infos {
        decrefInfoTab[d.IP] = d.Locations
    }
    decrefInfoMu.Unlock()
}

// LookupDecrefInfo returns the owned-reference locations registered for a
// return address, for use by the unwinder.
func LookupDecrefInfo(ip uintptr) ([]Location, bool) {
    decrefInfoMu.RLock()
    locs, ok := decrefInfoTab[ip]
    decrefInfoMu.RUnlock()
    return locs, ok
}
