// Package prompt asks repair questions on the terminal.
package prompt

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/manifoldco/promptui"

	"blockfs/internal/dirmanager"
)

// ErrAborted is returned when the user aborts a prompt (Ctrl+C).
var ErrAborted = errors.New("aborted")

// IsAborted returns true if the error indicates the user aborted.
func IsAborted(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) ||
		errors.Is(err, promptui.ErrAbort) || errors.Is(err, ErrAborted)
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsAborted(err) {
		return ErrAborted
	}
	return err
}

// maxListed caps the affected items printed before a question.
const maxListed = 10

type option struct {
	Label  string
	Policy dirmanager.Policy
}

var policyLabels = map[dirmanager.Policy]string{
	dirmanager.PolicyAbort:          "Close the project without repairing",
	dirmanager.PolicyDelete:         "Delete the files",
	dirmanager.PolicyIgnore:         "Leave the files in place",
	dirmanager.PolicyRegenerate:     "Regenerate from the audio",
	dirmanager.PolicySilence:        "Replace with silence permanently",
	dirmanager.PolicySilenceSession: "Treat as silence for this session only",
}

// Chooser answers repair questions with an interactive menu. A
// Ctrl+C answers "abort".
type Chooser struct {
	Out io.Writer
}

func (c Chooser) Choose(q dirmanager.Question) (dirmanager.Policy, error) {
	if c.Out != nil {
		fmt.Fprintf(c.Out, "\n%s\n%s\n", q.Title, q.Message)
		for i, item := range q.Items {
			if i == maxListed {
				fmt.Fprintf(c.Out, "  ... and %d more\n", len(q.Items)-maxListed)
				break
			}
			fmt.Fprintf(c.Out, "  %s\n", item)
		}
	}

	options := make([]option, len(q.Choices))
	for i, p := range q.Choices {
		label, ok := policyLabels[p]
		if !ok {
			label = p.String()
		}
		options[i] = option{Label: label, Policy: p}
	}
	sel := promptui.Select{
		Label: q.Title,
		Items: options,
		Templates: &promptui.SelectTemplates{
			Label:    "{{ . }}",
			Active:   "> {{ .Label | cyan }}",
			Inactive: "  {{ .Label | white }}",
			Selected: "* {{ .Label | green }}",
		},
		Size: len(options),
	}
	i, _, err := sel.Run()
	if err = wrapError(err); err != nil {
		if errors.Is(err, ErrAborted) {
			return dirmanager.PolicyAbort, nil
		}
		return 0, err
	}
	return options[i].Policy, nil
}

// ParseAnswers turns "category=policy" pairs into a fixed chooser.
func ParseAnswers(pairs []string) (dirmanager.FixedChooser, error) {
	out := make(dirmanager.FixedChooser)
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected category=policy, got %q", pair)
		}
		cat, err := parseCategory(strings.TrimSpace(k))
		if err != nil {
			return nil, err
		}
		pol, err := dirmanager.ParsePolicy(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		out[cat] = pol
	}
	return out, nil
}

func parseCategory(s string) (dirmanager.Category, error) {
	s = strings.ReplaceAll(s, "-", "_")
	for _, c := range []dirmanager.Category{
		dirmanager.CategoryOrphans,
		dirmanager.CategoryMissingAliasSources,
		dirmanager.CategoryMissingSummaries,
		dirmanager.CategoryMissingData,
	} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown problem category %q", s)
}
