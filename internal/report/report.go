package report

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/ppiankov/ipfix/internal/detector"
	"github.com/ppiankov/ipfix/internal/registry"
)

// Column headers.
const (
	HeaderName  = "INSTALL PLAN"
	HeaderPhase = "PHASE"
	HeaderImage = "IMAGE"
)

// Empty is rendered when there is nothing to report.
const Empty = "No faulty install plans found."

const (
	ellipsis  = "..."
	separator = "  "
)

// Options controls table layout.
type Options struct {
	MaxNameWidth  int
	MaxPhaseWidth int
	MaxImageWidth int

	// StagingHost flags matching images when Color is set.
	StagingHost string
	Color       bool
}

// Truncate shortens s to max runes, replacing the tail with "..." so that the
// result is exactly max long. Values that fit are returned unchanged.
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return string(r[:max])
	}
	return string(r[:max-len(ellipsis)]) + ellipsis
}

// Width returns min(max(longest value, header), limit).
func Width(header string, values []string, limit int) int {
	w := len([]rune(header))
	for _, v := range values {
		if n := len([]rune(v)); n > w {
			w = n
		}
	}
	if limit > 0 && w > limit {
		return limit
	}
	return w
}

// Render formats faults as a table: a header line followed by one line per
// fault in input order.
func Render(faults []detector.Fault, opts Options) []string {
	if len(faults) == 0 {
		return []string{Empty}
	}

	names := make([]string, len(faults))
	phases := make([]string, len(faults))
	images := make([]string, len(faults))
	for i, f := range faults {
		names[i] = f.String()
		phases[i] = f.Phase
		images[i] = f.Image
	}

	nw := Width(HeaderName, names, opts.MaxNameWidth)
	pw := Width(HeaderPhase, phases, opts.MaxPhaseWidth)
	iw := Width(HeaderImage, images, opts.MaxImageWidth)

	staging := registry.NewMatcher(opts.StagingHost)
	lines := make([]string, 0, len(faults)+1)
	lines = append(lines, strings.TrimRight(
		pad(HeaderName, nw)+separator+pad(HeaderPhase, pw)+separator+HeaderImage, " "))

	for i := range faults {
		phase := pad(Truncate(phases[i], pw), pw)
		image := Truncate(images[i], iw)
		if opts.Color {
			if strings.EqualFold(phases[i], "failed") {
				phase = pterm.Red(phase)
			}
			if staging.Matches(images[i]) {
				image = pterm.Yellow(image)
			}
		}
		lines = append(lines, pad(Truncate(names[i], nw), nw)+separator+phase+separator+image)
	}
	return lines
}

// Plain strips colour codes from rendered lines.
func Plain(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = pterm.RemoveColorFromString(l)
	}
	return out
}

func pad(s string, width int) string {
	return fmt.Sprintf("%-*s", width, s)
}
