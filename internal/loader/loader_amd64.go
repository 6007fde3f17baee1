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

package loader

import (
    `os`
    `sync/atomic`
    `syscall`
    `unsafe`

    `github.com/cloudwego/inlinecache/internal/rt`
)

const (
    MAP_BASE = 0x7cc00000000
)

const (
    _AP = syscall.MAP_ANON | syscall.MAP_PRIVATE
    _WX = syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC
)

var (
    RegionCount uint32
    RegionSize  uintptr
    LoadBase    uintptr = MAP_BASE
)

// Region is a writable, executable memory range that inline-cache slots are
// carved out of. Patch sites are rewritten in place while the process runs,
// so regions stay RWX for their entire lifetime.
type Region struct {
    Addr uintptr
    Size int
}

func mkptr(m uintptr) unsafe.Pointer {
    return *(*unsafe.Pointer)(unsafe.Pointer(&m))
}

func alignUp(n uintptr, a int) uintptr {
    return (n + uintptr(a) - 1) &^ (uintptr(a) - 1)
}

// MapRegion reserves a fresh RWX region of at least size bytes.
func MapRegion(size int) Region {
    var mm uintptr
    var er syscall.Errno

    /* align the size to pages */
    nb := alignUp(uintptr(size), os.Getpagesize())
    fp := atomic.AddUintptr(&LoadBase, nb) - nb

    /* allocate a block of memory */
    if mm, _, er = syscall.Syscall6(syscall.SYS_MMAP, fp, nb, _WX, _AP, 0, 0); er != 0 {
        panic(er)
    }

    /* record statistics */
    atomic.AddUint32(&RegionCount, 1)
    atomic.AddUintptr(&RegionSize, nb)
    return Region { Addr: mm, Size: int(nb) }
}

// Bytes aliases the region as a byte slice.
func (self Region) Bytes() []byte {
    return rt.BytesFrom(mkptr(self.Addr), self.Size, self.Size)
}
