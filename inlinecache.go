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

// Package inlinecache is a small deferred-emission JIT that specializes
// inline-cache patch sites with straight-line x86-64 stubs.
//
// A runtime helper describes a sequence of virtual operations on symbolic
// values: load a word at an offset, guard it against a constant, call a
// helper, return a value. Nothing is emitted while recording. Commit
// replays the operations in order, running a register allocator over the
// full use graph, inserting reference-count maintenance, and publishing
// decref tables so the unwinder can release live references if an
// exception transits the stub.
//
// A rewrite that cannot be completed (register pressure, scratch
// exhaustion, an overflowing slot) aborts silently; the call site simply
// keeps taking its slow path.
package inlinecache
