package policy

import (
	"slices"

	"golang.org/x/text/unicode/norm"

	"github.com/driftmail/driftmail/internal/model"
)

// Labels adds and removes labels on targets. Label names are compared in
// NFC form so that composed and decomposed spellings of the same name
// (common with labels synced from other clients) do not produce duplicate
// entries or missed removals.
type Labels struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// Name implements task.ChangePolicy.
func (p *Labels) Name() string { return NameLabels }

// LocalChanges implements task.ChangePolicy. The delta is the model's full
// resulting label set: if the adds are already present and the removes
// already absent, the delta equals the current value and the engine skips
// the model as a no-op.
func (p *Labels) LocalChanges(m model.Model) model.Fields {
	return model.Fields{"labels": p.resultFor(m)}
}

// RequestBody implements task.ChangePolicy. Called post-apply, so the
// model's labels already carry the result; send them as-is.
func (p *Labels) RequestBody(m model.Model) map[string]any {
	return map[string]any{"labels": m.MutableFields().StringSlice("labels")}
}

// resultFor computes the target label set for m.
func (p *Labels) resultFor(m model.Model) []string {
	current := m.MutableFields().StringSlice("labels")

	removed := make(map[string]bool, len(p.Remove))
	for _, l := range p.Remove {
		removed[norm.NFC.String(l)] = true
	}

	out := make([]string, 0, len(current)+len(p.Add))
	have := make(map[string]bool, len(current))

	for _, l := range current {
		key := norm.NFC.String(l)
		if removed[key] || have[key] {
			continue
		}

		have[key] = true
		out = append(out, l)
	}

	for _, l := range p.Add {
		key := norm.NFC.String(l)
		if removed[key] || have[key] {
			continue
		}

		have[key] = true
		out = append(out, norm.NFC.String(l))
	}

	return slices.Clip(out)
}
