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

package rt

/* Object layout of the embedding runtime. The rewriter only ever touches
 * three fields: the reference count, the class pointer, and the deallocator
 * slot inside the class. The embedding runtime configures these once at
 * startup, before any rewrite is attempted. */

var (
    OffRefcnt  int32 = 0     // offset of the reference count within an object
    OffClass   int32 = 8     // offset of the class pointer within an object
    OffDealloc int32 = 48    // offset of the deallocator within a class
)

// SetObjectLayout overrides the default object layout.
func SetObjectLayout(refcnt int32, class int32, dealloc int32) {
    OffRefcnt, OffClass, OffDealloc = refcnt, class, dealloc
}
