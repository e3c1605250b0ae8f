// Package rtcros builds the six-section RTCROS system prompt
// (Role/Task/Context/Reasoning/Output/Stop) attached to a
// ServiceModelAssignment (spec.md §3/§4.2).
package rtcros

import (
	"strings"

	"github.com/rakunlabs/mawi-gateway/internal/domain"
	"github.com/rakunlabs/mawi-gateway/internal/render"
)

// Build concatenates the non-empty sections, in order, separated by a
// blank line — spec.md §4.2: "six named sections concatenated with
// blank-line separators". Each section is first rendered as a Go template
// against data (the teacher's internal/render, so operators can reference
// request-scoped variables like {{.user_email}} inside a section the same
// way the teacher's workflow node templates do).
func Build(t domain.RTCROS, data any) string {
	if t.IsEmpty() {
		return ""
	}

	sections := []string{t.Role, t.Task, t.Context, t.Reasoning, t.Output, t.Stop}

	var parts []string
	for _, s := range sections {
		if strings.TrimSpace(s) == "" {
			continue
		}
		rendered, err := render.ExecuteWithData(s, data)
		if err != nil {
			parts = append(parts, s) // fall back to the raw section on template error
			continue
		}
		parts = append(parts, string(rendered))
	}

	return strings.Join(parts, "\n\n")
}
