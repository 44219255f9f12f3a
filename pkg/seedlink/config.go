package seedlink

import (
	"net"

	"github.com/pkg/errors"
)

// ChannelConfig describes one relayed channel: its public name, the
// upstream SeedLink server it is fed from, and the streams to request.
type ChannelConfig struct {
	Name      string   `mapstructure:"name" json:"name"`
	Address   string   `mapstructure:"address" json:"address"`
	Selectors []string `mapstructure:"selectors" json:"selectors"`
}

// Validate checks the configuration and returns the parsed selectors.
func (c ChannelConfig) Validate() ([]Selector, error) {
	if c.Name == "" {
		return nil, errors.New("channel name is empty")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return nil, errors.Wrapf(err, "channel %s: bad upstream address %q", c.Name, c.Address)
	}
	if len(c.Selectors) == 0 {
		return nil, errors.Errorf("channel %s has no selectors", c.Name)
	}

	selectors := make([]Selector, 0, len(c.Selectors))
	for _, raw := range c.Selectors {
		sel, err := ParseSelector(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "channel %s", c.Name)
		}
		selectors = append(selectors, sel)
	}

	return selectors, nil
}
