package relay

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlseis/seedlink-relay/pkg/seedlink"
)

func testRegistry() *Registry {
	return NewRegistry(map[string][]seedlink.Selector{
		"NL.HGN":  {{Network: "NL", Station: "HGN", Location: "02", Channel: "BHZ"}},
		"NL.OPLO": {{Network: "NL", Station: "OPLO", Location: "01", Channel: "BHZ"}},
	})
}

func testMember() *Client {
	return &Client{ID: uuid.New()}
}

func TestAddIsIdempotent(t *testing.T) {
	reg := testRegistry()
	c := testMember()

	require.NoError(t, reg.Add("NL.HGN", c))
	require.NoError(t, reg.Add("NL.HGN", c))
	assert.Len(t, reg.MembersOf("NL.HGN"), 1)
}

func TestAddUnknownChannel(t *testing.T) {
	reg := testRegistry()
	c := testMember()

	err := reg.Add("NL.NOPE", c)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownChannel))
	assert.Empty(t, reg.MembersOf("NL.HGN"))
	assert.Empty(t, reg.MembersOf("NL.OPLO"))
}

func TestRemoveNonMemberIsNoOp(t *testing.T) {
	reg := testRegistry()
	member := testMember()
	other := testMember()

	require.NoError(t, reg.Add("NL.HGN", member))
	require.NoError(t, reg.Remove("NL.HGN", other))
	assert.Len(t, reg.MembersOf("NL.HGN"), 1)
}

func TestRemoveUnknownChannel(t *testing.T) {
	reg := testRegistry()

	err := reg.Remove("NL.NOPE", testMember())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownChannel))
}

func TestRemoveEverywhere(t *testing.T) {
	reg := testRegistry()
	c := testMember()

	require.NoError(t, reg.Add("NL.HGN", c))
	require.NoError(t, reg.Add("NL.OPLO", c))

	reg.RemoveEverywhere(c)
	assert.Empty(t, reg.MembersOf("NL.HGN"))
	assert.Empty(t, reg.MembersOf("NL.OPLO"))

	// Safe for a client that never subscribed anywhere.
	reg.RemoveEverywhere(testMember())
}

func TestExists(t *testing.T) {
	reg := testRegistry()
	assert.True(t, reg.Exists("NL.HGN"))
	assert.False(t, reg.Exists("NL.NOPE"))
}

func TestMembersOfUnknownChannel(t *testing.T) {
	reg := testRegistry()
	assert.Nil(t, reg.MembersOf("NL.NOPE"))
}

func TestChannelNamesSorted(t *testing.T) {
	reg := NewRegistry(map[string][]seedlink.Selector{
		"NL.OPLO": nil,
		"NL.HGN":  nil,
		"BE.UCC":  nil,
	})
	assert.Equal(t, []string{"BE.UCC", "NL.HGN", "NL.OPLO"}, reg.ChannelNames())
}

func TestStats(t *testing.T) {
	reg := testRegistry()
	require.NoError(t, reg.Add("NL.HGN", testMember()))
	require.NoError(t, reg.Add("NL.HGN", testMember()))

	stats := reg.Stats()
	assert.Equal(t, 2, stats.NumChannels)
	assert.Equal(t, 2, stats.Subscriptions["NL.HGN"])
	assert.Equal(t, 0, stats.Subscriptions["NL.OPLO"])
}
