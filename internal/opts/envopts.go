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

package opts

import (
    `os`
    `strconv`
)

const (
    _DefaultMaxSlots       = 8      // specialization slots per inline cache
    _DefaultMegamorphicCut = 100    // rewrite attempts before an IC is considered megamorphic
)

var (
    MaxSlots        = parseOrDefault("INLINECACHE_MAX_SLOTS", _DefaultMaxSlots, 1)
    MegamorphicCut  = parseOrDefault("INLINECACHE_MEGAMORPHIC_CUT", _DefaultMegamorphicCut, 1)
    DebugAsm        = os.Getenv("INLINECACHE_DEBUG_ASM") != ""
    PoisonScratch   = os.Getenv("INLINECACHE_POISON_SCRATCH") != ""
)

func parseOrDefault(key string, def int, min int) int {
    if env := os.Getenv(key); env == "" {
        return def
    } else if val, err := strconv.ParseUint(env, 0, 64); err != nil {
        panic("inlinecache: invalid value for " + key)
    } else if ret := int(val); ret < min {
        panic("inlinecache: value too small for " + key)
    } else {
        return ret
    }
}
