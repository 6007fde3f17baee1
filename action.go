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
    `github.com/cloudwego/inlinecache/asm`
)

// ActionType classifies a deferred operation. Guards terminate the entry
// check prefix; mutations invalidate the attribute-load memo and are only
// legal once guarding is complete.
type ActionType uint8

const (
    ActionNormal ActionType = iota
    ActionMutation
    ActionGuard
)

type _ActionKind uint8

const (
    A_nop _ActionKind = iota
    A_guard             // cmp Va, imm         ; jcc slow-path
    A_guard_not_lt0     // test Va, Va         ; js slow-path
    A_attr_guard        // cmp [Va+Iv], imm    ; jcc slow-path
    A_getattr           // Vr = [Va+Iv], width Mt
    A_getattr_f64       // Vr = movsd [Va+Iv]
    A_getattr_f32       // Vr = cvtss2sd(movss [Va+Iv])
    A_setattr           // [Va+Iv] = Vb, width Mt
    A_cmp               // Vr = setcc(cmp Va, Vb)
    A_tobool            // Vr = setnz(test Va, Va)
    A_add               // Vr = Va + Iv
    A_allocate          // Vr = scratch run of Iv slots
    A_alloc_copy        // Vr = scratch run of Iv slots, copied from [Va]
    A_alloc_copy_plus1  // Vr = scratch run of Iv+1 slots: Va, then Iv from [Vb]
    A_call              // Vr = Fn(Gp..., Xmm...)
    A_call_if_zero      // cmp Va, Iv; if zero call Fn (throwing)
    A_incref            // [Va+refcnt]++
    A_decref            // release one reference held by Va
    A_xdecref           // like A_decref but Va may be null
    A_reg_owned_attr    // remember [Va+Iv] holds an owned reference
    A_dereg_owned_attr  // forget [Va+Iv]
    A_mov_return        // move Va into the slot's return register
    A_trap              // int3
    A_max
)

/* _Action is one deferred operation. All actions share this shape: a kind,
 * the variables they read, and a small payload interpreted per kind. The
 * emit step is a table dispatch on the kind, there are no closures and no
 * cycles through the rewriter. */
type _Action struct {
    op   _ActionKind
    tag  ActionType
    vr   *RewriterVar       // result, if the action produces one
    va   *RewriterVar
    vb   *RewriterVar
    iv   int64              // offset / immediate / slot count
    mt   asm.MovType
    neg  bool
    dest Location           // requested result location
    fn   uintptr            // call target
    gp   []*RewriterVar     // integer call arguments
    xmm  []*RewriterVar     // xmm call arguments
    uses []*RewriterVar     // all variables this action reads
    refs []*RewriterVar     // owned references consumed by this action
    msg  string
}

func (self *Rewriter) addAction(a _Action) *_Action {
    self.assertPhaseCollecting()

    /* number the uses before appending */
    i := len(self.actions)
    for _, v := range a.uses {
        v.uses = append(v.uses, i)
    }

    /* guards delimit the entry check prefix, mutations invalidate the
     * attribute-load memo. Every guard also uses every entry argument:
     * the args are re-pinned before its conditional jump, and the extra
     * use keeps them alive for it. */
    switch a.tag {
        case ActionMutation:
            self.addedChangingAction = true
        case ActionGuard:
            if self.addedChangingAction {
                panic("inlinecache: guards must precede all mutating actions")
            }
            for _, v := range self.args {
                v.uses = append(v.uses, i)
            }
            self.lastGuardAction = i
    }

    self.actions = append(self.actions, a)
    return &self.actions[i]
}

func (self *Rewriter) lastAction() *_Action {
    if len(self.actions) == 0 {
        panic("inlinecache: no action recorded yet")
    }
    return &self.actions[len(self.actions) - 1]
}
