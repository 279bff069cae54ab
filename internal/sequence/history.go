// Copyright 2024 BlockFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sequence

import (
	"errors"
)

// History is a linear undo stack of sequence states. It owns every state
// pushed to it.
type History struct {
	states []*Sequence
	cur    int
}

// NewHistory starts a history at initial.
func NewHistory(initial *Sequence) *History {
	return &History{states: []*Sequence{initial}}
}

// Current returns the state being edited.
func (h *History) Current() *Sequence { return h.states[h.cur] }

// Len is the number of retained states.
func (h *History) Len() int { return len(h.states) }

// CanUndo reports whether Undo would move.
func (h *History) CanUndo() bool { return h.cur > 0 }

// CanRedo reports whether Redo would move.
func (h *History) CanRedo() bool { return h.cur < len(h.states)-1 }

// Push makes s the current state. States that could have been redone are
// released.
func (h *History) Push(s *Sequence) error {
	var errs []error
	for _, dropped := range h.states[h.cur+1:] {
		errs = append(errs, dropped.Release())
	}
	h.states = append(h.states[:h.cur+1], s)
	h.cur++
	return errors.Join(errs...)
}

// Edit clones the current state, applies fn to the clone and pushes it.
// If fn fails the clone is released and the history is unchanged.
func (h *History) Edit(fn func(*Sequence) error) error {
	next, err := h.Current().Clone()
	if err != nil {
		return err
	}
	if err := fn(next); err != nil {
		return errors.Join(err, next.Release())
	}
	return h.Push(next)
}

// Undo steps back one state.
func (h *History) Undo() (*Sequence, bool) {
	if !h.CanUndo() {
		return h.Current(), false
	}
	h.cur--
	return h.Current(), true
}

// Redo steps forward one state.
func (h *History) Redo() (*Sequence, bool) {
	if !h.CanRedo() {
		return h.Current(), false
	}
	h.cur++
	return h.Current(), true
}

// Trim releases the oldest states so that at most keep states before the
// current one remain.
func (h *History) Trim(keep int) error {
	drop := h.cur - max(keep, 0)
	if drop <= 0 {
		return nil
	}
	var errs []error
	for _, s := range h.states[:drop] {
		errs = append(errs, s.Release())
	}
	h.states = h.states[drop:]
	h.cur -= drop
	return errors.Join(errs...)
}

// Release releases every state.
func (h *History) Release() error {
	var errs []error
	for _, s := range h.states {
		errs = append(errs, s.Release())
	}
	h.states = []*Sequence{{}}
	h.cur = 0
	return errors.Join(errs...)
}
