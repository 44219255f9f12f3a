package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/nlseis/seedlink-relay/pkg/seedlink"
)

// ErrUnknownChannel is returned for operations naming a channel that
// was never configured. The registry is never mutated in that case.
var ErrUnknownChannel = errors.New("unknown channel")

// A channelEntry holds one configured channel and its subscribers.
type channelEntry struct {
	name      string
	selectors []seedlink.Selector
	members   map[uuid.UUID]*Client
}

// Registry tracks, per channel, the set of currently subscribed
// connections. Channels are fixed at construction; only membership
// changes at runtime.
type Registry struct {
	mtx         sync.RWMutex // Protects members of every channel
	channels    map[string]*channelEntry
	createdTime time.Time
}

// NewRegistry builds a registry over the given channels.
func NewRegistry(channels map[string][]seedlink.Selector) *Registry {
	reg := &Registry{
		channels:    make(map[string]*channelEntry, len(channels)),
		createdTime: time.Now(),
	}
	for name, selectors := range channels {
		reg.channels[name] = &channelEntry{
			name:      name,
			selectors: selectors,
			members:   make(map[uuid.UUID]*Client),
		}
	}
	return reg
}

// Add subscribes a client to a channel. Adding an existing member is
// a no-op, so a connection is never counted twice.
func (reg *Registry) Add(channel string, c *Client) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	entry, ok := reg.channels[channel]
	if !ok {
		return errors.Wrap(ErrUnknownChannel, channel)
	}
	entry.members[c.ID] = c
	return nil
}

// Remove unsubscribes a client from a channel. Removing a non-member
// is a no-op.
func (reg *Registry) Remove(channel string, c *Client) error {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	entry, ok := reg.channels[channel]
	if !ok {
		return errors.Wrap(ErrUnknownChannel, channel)
	}
	delete(entry.members, c.ID)
	return nil
}

// RemoveEverywhere drops a client from every channel. Safe to call for
// a client that never subscribed anywhere.
func (reg *Registry) RemoveEverywhere(c *Client) {
	reg.mtx.Lock()
	defer reg.mtx.Unlock()

	for _, entry := range reg.channels {
		delete(entry.members, c.ID)
	}
}

// MembersOf returns the clients currently subscribed to a channel, or
// nil if the channel is unknown.
func (reg *Registry) MembersOf(channel string) []*Client {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()

	entry, ok := reg.channels[channel]
	if !ok {
		return nil
	}
	members := make([]*Client, 0, len(entry.members))
	for _, c := range entry.members {
		members = append(members, c)
	}
	return members
}

// Exists reports whether a channel was configured.
func (reg *Registry) Exists(channel string) bool {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()
	_, ok := reg.channels[channel]
	return ok
}

// Selectors returns the selector list of a channel.
func (reg *Registry) Selectors(channel string) ([]seedlink.Selector, bool) {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()

	entry, ok := reg.channels[channel]
	if !ok {
		return nil, false
	}
	return entry.selectors, true
}

// ChannelNames returns every configured channel name, sorted.
func (reg *Registry) ChannelNames() []string {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()

	names := make([]string, 0, len(reg.channels))
	for name := range reg.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats contains summary information about a registry.
type Stats struct {
	Uptime        time.Duration  `json:"uptime"`
	NumChannels   int            `json:"num_channels"`
	Subscriptions map[string]int `json:"subscriptions"`
}

// Stats gets stats for this registry.
func (reg *Registry) Stats() Stats {
	reg.mtx.RLock()
	defer reg.mtx.RUnlock()

	subscriptions := make(map[string]int, len(reg.channels))
	for name, entry := range reg.channels {
		subscriptions[name] = len(entry.members)
	}

	return Stats{
		Uptime:        time.Since(reg.createdTime),
		NumChannels:   len(reg.channels),
		Subscriptions: subscriptions,
	}
}
