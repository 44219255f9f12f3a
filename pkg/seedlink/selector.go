// Package seedlink holds the vocabulary shared with upstream SeedLink
// servers: stream selectors, per-channel configuration, and a minimal
// record source that forwards packets without unpacking them.
package seedlink

import (
	"strings"

	"github.com/pkg/errors"
)

// A Selector identifies one upstream stream within a channel.
type Selector struct {
	Network  string `json:"network"`
	Station  string `json:"station"`
	Location string `json:"location"`
	Channel  string `json:"channel"`
}

// ParseSelector parses a dot-joined NET.STA.LOC.CHA identifier.
// The location code may be empty; the other parts may not.
func ParseSelector(s string) (Selector, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Selector{}, errors.Errorf("selector %q must have 4 dot-separated parts", s)
	}

	sel := Selector{
		Network:  parts[0],
		Station:  parts[1],
		Location: parts[2],
		Channel:  parts[3],
	}
	if sel.Network == "" || sel.Station == "" || sel.Channel == "" {
		return Selector{}, errors.Errorf("selector %q is missing a network, station, or channel code", s)
	}

	return sel, nil
}

func (s Selector) String() string {
	return strings.Join([]string{s.Network, s.Station, s.Location, s.Channel}, ".")
}

// JoinSelectors renders selectors as a space-joined list of
// dot-joined identifiers, the format used in info replies.
func JoinSelectors(selectors []Selector) string {
	rendered := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		rendered = append(rendered, sel.String())
	}
	return strings.Join(rendered, " ")
}
