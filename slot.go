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
)

// DecrefInfo maps one call-site return address to the locations of owned
// references the unwinder must release if an exception transits the slot.
type DecrefInfo struct {
    IP        uintptr
    Locations []Location
}

// SlotJump is one emitted guard jump: where it starts, where it ends, and
// its condition. Later guards with the same condition reuse earlier jumps
// as trampolines; the slot collaborator may also stitch them to a shared
// cold path.
type SlotJump struct {
    Offset int
    End    int
    Cond   asm.ConditionCode
}

// SlotEntry is the concrete slot a rewrite lands in.
type SlotEntry struct {
    Start     uintptr
    NumInside *uint32     // in-use counter the invalidation protocol checks
}

// ICSlotRewrite is one reserved specialization slot being rewritten. The
// rewriter core drives it; the implementation owns the patch-site memory
// and the publication protocol.
type ICSlotRewrite interface {
    DebugName() string
    Assembler() *asm.Assembler
    SlotSize() int
    SlotStart() uintptr
    ScratchSize() int
    ScratchRspOffset() int32
    ReturnRegister() x86_64.Register64
    PrepareEntry() *SlotEntry
    Commit(gcRefs []unsafe.Pointer, decrefInfos []DecrefInfo, jumps []SlotJump) bool
    Abort()
}

// ICInfo describes one inline-cache site.
type ICInfo interface {
    ShouldAttempt() bool
    IsMegamorphic() bool
    StartRewrite(debugName string) ICSlotRewrite
    LiveOuts() []int
    AllocatableRegs() []x86_64.Register64
}
