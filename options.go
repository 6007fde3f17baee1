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

    `github.com/cloudwego/inlinecache/internal/opts`
    `github.com/cloudwego/inlinecache/internal/rt`
)

// SetMaxSlots sets the default number of specialization slots per inline
// cache for sites registered from now on.
//
// This value can also be configured with the `INLINECACHE_MAX_SLOTS`
// environment variable.
//
// Returns the old value.
func SetMaxSlots(n int) int {
    if n < 1 {
        panic(fmt.Sprintf("inlinecache: invalid slot count: %d", n))
    }
    old := opts.MaxSlots
    opts.MaxSlots = n
    return old
}

// SetMegamorphicCut sets how many rewrite attempts a site gets before it is
// considered megamorphic and left alone.
//
// This value can also be configured with the `INLINECACHE_MEGAMORPHIC_CUT`
// environment variable.
//
// Returns the old value.
func SetMegamorphicCut(n int) int {
    if n < 1 {
        panic(fmt.Sprintf("inlinecache: invalid megamorphic cutoff: %d", n))
    }
    old := opts.MegamorphicCut
    opts.MegamorphicCut = n
    return old
}

// SetObjectLayout tells the rewriter where the reference count and class
// pointer live inside an object, and where the deallocator lives inside a
// class. Must be called before the first rewrite.
func SetObjectLayout(refcnt int32, class int32, dealloc int32) {
    rt.SetObjectLayout(refcnt, class, dealloc)
}
