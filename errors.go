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

    `github.com/cloudwego/inlinecache/internal/rt`
)

// ShapeError occurs when memory that should contain a patchpoint does not
// have the expected byte shape.
type ShapeError struct {
    Addr uintptr
    Note string
}

func (self ShapeError) Error() string {
    return fmt.Sprintf("ShapeError(%#x): %s", self.Addr, self.Note)
}

// VerifyPatchpoint checks that ppAddr points at the fixed 13-byte slow-path
// call followed by nop padding.
func VerifyPatchpoint(ppAddr uintptr) error {
    pp := rt.BytesFrom(mkptr(ppAddr), _InitialCallSize + 16, _InitialCallSize + 16)

    if pp[0] != 0x49 || pp[1] != 0xbb {
        return ShapeError { Addr: ppAddr, Note: "expecting mov r11, imm64" }
    }
    if pp[10] != 0x41 || pp[11] != 0xff || pp[12] != 0xd3 {
        return ShapeError { Addr: ppAddr, Note: "expecting call *r11" }
    }

    i := _InitialCallSize
    for pp[i] == 0x66 || pp[i] == 0x0f || pp[i] == 0x2e {
        i++
    }
    if pp[i] != 0x90 && pp[i] != 0x1f {
        return ShapeError { Addr: ppAddr, Note: "expecting nop padding after the call" }
    }

    return nil
}
