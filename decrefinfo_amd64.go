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

/* getDecrefLocations collects, for the throwing call being emitted, every
 * location holding an owned reference the unwinder would have to release.
 * Scratch locations are rebased to plain stack offsets because the scratch
 * base is meaningless to the unwinder. A reference that lives only in
 * caller-clobbered registers cannot be published at all; that fails the
 * whole rewrite. */
func (self *Rewriter) getDecrefLocations() []Location {
    var infos []Location

    for _, v := range self.vars {
        if len(v.locations) == 0 || !v.needsDecref(self.currentAction) {
            continue
        }

        found := false
        for _, l := range v.locations {
            if l.Kind() == LocScratch {
                infos = append(infos, self.scratchToStack(l))
                found = true
                break
            } else if l.Kind() == LocRegister {
                if l.IsClobberedByCall() {
                    continue
                }
                infos = append(infos, l)
                found = true
                break
            } else {
                panic("inlinecache: cannot publish a decref location of kind " + l.String())
            }
        }

        /* very rare, give up on this rewrite */
        if !found {
            self.failed = true
        }
    }

    /* owned attributes live behind a pointer parked in scratch or on the
     * stack: publish them as indirect entries */
    for _, p := range self.ownedAttrs {
        v := p.v

        if len(v.locations) == 0 && !v.isScratchAllocation() {
            panic("inlinecache: owned attr holder is gone, missing DeregisterOwnedAttr?")
        }
        if len(v.locations) > 1 && !v.isScratchAllocation() {
            panic("inlinecache: owned attr holder has an ambiguous location")
        }

        var l Location
        if len(v.locations) > 0 {
            l = v.locations[0]
            if l.Kind() != LocScratch && l.Kind() != LocStack {
                panic("inlinecache: owned attr holder is not in memory: " + l.String())
            }
        } else {
            l = v.getScratchLocation(0)
        }

        if l.Kind() == LocScratch {
            l = self.scratchToStack(l)
        }
        infos = append(infos, StackIndirect(l.Offset(), int32(p.off)))
    }

    return infos
}

/* registerDecrefInfoHere publishes the decref table entry keyed by the
 * return address of the call instruction just emitted */
func (self *Rewriter) registerDecrefInfoHere() {
    locs := self.getDecrefLocations()
    ip := self.rewrite.SlotStart() + uintptr(self.asm.Offset())
    self.decrefInfos = append(self.decrefInfos, DecrefInfo { IP: ip, Locations: locs })
}
