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
    `sync/atomic`
)

/* rewrite statistics, all updated with atomics; debug.GetStats() snapshots
 * every counter except StatSpillsAvoided */

var (
    StatAttempts           uint64
    StatAttemptsSkipped    uint64
    StatAttemptsMegamorphic uint64
    StatAttemptsStarted    uint64
    StatRewritesCommitted  uint64
    StatRewritesAborted    uint64
    StatSpillsAvoided      uint64
    StatTotalBytes         uint64
)

func statAdd(p *uint64, v uint64) {
    atomic.AddUint64(p, v)
}
