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

package dirmanager

import "fmt"

// Progress receives completion reports from long operations (relocation,
// full-tree scans). Calls happen on the caller's goroutine.
type Progress interface {
	Progress(op string, done, total int)
}

// Category is one class of consistency problem. Categories are repaired
// in declaration order.
type Category int

const (
	CategoryOrphans Category = iota
	CategoryMissingAliasSources
	CategoryMissingSummaries
	CategoryMissingData
)

func (c Category) String() string {
	switch c {
	case CategoryOrphans:
		return "orphans"
	case CategoryMissingAliasSources:
		return "missing_alias_sources"
	case CategoryMissingSummaries:
		return "missing_summaries"
	case CategoryMissingData:
		return "missing_data"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Policy is a repair decision for one category.
type Policy int

const (
	PolicyAbort Policy = iota
	PolicyDelete
	PolicyIgnore
	PolicyRegenerate
	PolicySilence
	PolicySilenceSession
)

func (p Policy) String() string {
	switch p {
	case PolicyAbort:
		return "abort"
	case PolicyDelete:
		return "delete"
	case PolicyIgnore:
		return "ignore"
	case PolicyRegenerate:
		return "regenerate"
	case PolicySilence:
		return "silence"
	case PolicySilenceSession:
		return "silence-session"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy is the inverse of Policy.String.
func ParsePolicy(s string) (Policy, error) {
	for p := PolicyAbort; p <= PolicySilenceSession; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown repair policy %q", s)
}

// Choices lists the policies offered for a category, default first.
func (c Category) Choices() []Policy {
	switch c {
	case CategoryOrphans:
		return []Policy{PolicyIgnore, PolicyDelete, PolicyAbort}
	case CategoryMissingAliasSources:
		return []Policy{PolicySilenceSession, PolicySilence, PolicyAbort}
	case CategoryMissingSummaries:
		return []Policy{PolicyRegenerate, PolicySilenceSession, PolicyAbort}
	case CategoryMissingData:
		return []Policy{PolicySilenceSession, PolicySilence, PolicyAbort}
	}
	return []Policy{PolicyAbort}
}

// Question is a named-choice prompt raised by the consistency checker.
type Question struct {
	Category Category
	Title    string
	Message  string
	Items    []string
	Choices  []Policy
}

// Chooser answers repair questions.
type Chooser interface {
	Choose(q Question) (Policy, error)
}

// DefaultChooser answers every question with its first (least
// destructive) choice.
type DefaultChooser struct{}

func (DefaultChooser) Choose(q Question) (Policy, error) {
	return q.Choices[0], nil
}

// FixedChooser answers from a preset map and falls back to the default.
type FixedChooser map[Category]Policy

func (f FixedChooser) Choose(q Question) (Policy, error) {
	if p, ok := f[q.Category]; ok {
		for _, c := range q.Choices {
			if c == p {
				return p, nil
			}
		}
		return 0, fmt.Errorf("policy %s is not valid for %s", p, q.Category)
	}
	return q.Choices[0], nil
}

type nopProgress struct{}

func (nopProgress) Progress(string, int, int) {}
