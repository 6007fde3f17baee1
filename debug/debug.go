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

package debug

import (
    `sync/atomic`

    `github.com/cloudwego/inlinecache`
    `github.com/cloudwego/inlinecache/internal/loader`
)

// MemStats describes the executable memory reserved for inline caches.
type MemStats struct {
    Count int
    Alloc int
}

// RewriteStats describes rewrite outcomes since process start.
type RewriteStats struct {
    Attempts    int
    Skipped     int
    Megamorphic int
    Started     int
    Committed   int
    Aborted     int
    Bytes       int
}

// Stats is a snapshot of the rewriter's counters.
type Stats struct {
    Memory   MemStats
    Rewrites RewriteStats
}

// GetStats returns statistics of the inline-cache rewriter.
func GetStats() Stats {
    return Stats {
        Memory: MemStats {
            Count: int(atomic.LoadUint32(&loader.RegionCount)),
            Alloc: int(atomic.LoadUintptr(&loader.RegionSize)),
        },
        Rewrites: RewriteStats {
            Attempts:    int(atomic.LoadUint64(&inlinecache.StatAttempts)),
            Skipped:     int(atomic.LoadUint64(&inlinecache.StatAttemptsSkipped)),
            Megamorphic: int(atomic.LoadUint64(&inlinecache.StatAttemptsMegamorphic)),
            Started:     int(atomic.LoadUint64(&inlinecache.StatAttemptsStarted)),
            Committed:   int(atomic.LoadUint64(&inlinecache.StatRewritesCommitted)),
            Aborted:     int(atomic.LoadUint64(&inlinecache.StatRewritesAborted)),
            Bytes:       int(atomic.LoadUint64(&inlinecache.StatTotalBytes)),
        },
    }
}
