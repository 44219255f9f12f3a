package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlseis/seedlink-relay/pkg/seedlink"
)

// fakeSource stands in for an upstream SeedLink connection.
type fakeSource struct {
	selectors []seedlink.Selector
	records   chan json.RawMessage
	closeOnce sync.Once
}

func (s *fakeSource) Selectors() []seedlink.Selector  { return s.selectors }
func (s *fakeSource) Records() <-chan json.RawMessage { return s.records }
func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.records) })
	return nil
}

// newRunningServer brings up a relay over httptest with fake sources,
// and returns the websocket URL to dial.
func newRunningServer(t *testing.T, heartbeat time.Duration) (*Server, map[string]*fakeSource, string) {
	t.Helper()

	sources := make(map[string]*fakeSource)
	srv, err := NewServer(Config{
		Bind:              "127.0.0.1:0",
		HeartbeatInterval: heartbeat,
		Channels:          testChannels(),
		NewSource: func(cfg seedlink.ChannelConfig) (ChannelSource, error) {
			selectors, err := cfg.Validate()
			if err != nil {
				return nil, err
			}
			src := &fakeSource{
				selectors: selectors,
				records:   make(chan json.RawMessage, 8),
			}
			sources[cfg.Name] = src
			return src, nil
		},
	}, testLog())
	require.NoError(t, err)

	require.NoError(t, srv.openSources())
	go srv.run()
	for name, src := range srv.sources {
		go srv.pumpSource(name, src)
	}

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})

	return srv, sources, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialClient(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestWelcomeMessage(t *testing.T) {
	_, _, wsURL := newRunningServer(t, time.Minute)
	conn := dialClient(t, wsURL)

	welcome := readReply(t, conn)
	assert.Equal(t, "Connected to Seedlink Proxy.", welcome["success"])
}

func TestSubscribeThenChannels(t *testing.T) {
	_, _, wsURL := newRunningServer(t, time.Minute)
	conn := dialClient(t, wsURL)
	readReply(t, conn) // welcome

	writeMessage(t, conn, `{"subscribe":"NL.HGN"}`)
	writeMessage(t, conn, `{"channels":true}`)
	reply := readReply(t, conn)
	assert.Equal(t, "NL.HGN NL.OPLO", reply["success"])
}

func TestInfoOverTransport(t *testing.T) {
	_, _, wsURL := newRunningServer(t, time.Minute)
	conn := dialClient(t, wsURL)
	readReply(t, conn) // welcome

	writeMessage(t, conn, `{"info":"NL.HGN"}`)
	reply := readReply(t, conn)
	assert.Equal(t, "NL.HGN.02.BHZ NL.HGN.02.HHZ", reply["success"])
}

func TestRelayFanout(t *testing.T) {
	srv, sources, wsURL := newRunningServer(t, time.Minute)

	subscriber := dialClient(t, wsURL)
	readReply(t, subscriber) // welcome
	bystander := dialClient(t, wsURL)
	readReply(t, bystander) // welcome

	writeMessage(t, subscriber, `{"subscribe":"NL.HGN"}`)
	require.Eventually(t, func() bool {
		return len(srv.Registry().MembersOf("NL.HGN")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	record := json.RawMessage(`{"type":"record","channel":"NL.HGN","payload":"AAECAw=="}`)
	sources["NL.HGN"].records <- record

	reply := readReply(t, subscriber)
	assert.Equal(t, "record", reply["type"])
	assert.Equal(t, "NL.HGN", reply["channel"])

	// A client that never subscribed receives nothing.
	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := bystander.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectRemovesFromEveryChannel(t *testing.T) {
	srv, sources, wsURL := newRunningServer(t, time.Minute)
	conn := dialClient(t, wsURL)
	readReply(t, conn) // welcome

	writeMessage(t, conn, `{"subscribe":"NL.HGN"}`)
	writeMessage(t, conn, `{"subscribe":"NL.OPLO"}`)
	require.Eventually(t, func() bool {
		return len(srv.Registry().MembersOf("NL.HGN")) == 1 &&
			len(srv.Registry().MembersOf("NL.OPLO")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return len(srv.Registry().MembersOf("NL.HGN")) == 0 &&
			len(srv.Registry().MembersOf("NL.OPLO")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// A later emission reaches zero connections and harms nothing.
	sources["NL.HGN"].records <- json.RawMessage(`{"type":"record","channel":"NL.HGN"}`)
}

func TestUnresponsiveClientEvicted(t *testing.T) {
	srv, _, wsURL := newRunningServer(t, 50*time.Millisecond)
	conn := dialClient(t, wsURL)

	writeMessage(t, conn, `{"subscribe":"NL.HGN"}`)
	require.Eventually(t, func() bool {
		return len(srv.Registry().MembersOf("NL.HGN")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Never read: pings go unanswered, so the client must be dropped
	// within two heartbeat intervals and removed from all channels.
	require.Eventually(t, func() bool {
		return len(srv.Registry().MembersOf("NL.HGN")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResponsiveClientStaysConnected(t *testing.T) {
	srv, _, wsURL := newRunningServer(t, 50*time.Millisecond)
	conn := dialClient(t, wsURL)

	// Keep reading so the default ping handler answers with pongs.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeMessage(t, conn, `{"subscribe":"NL.HGN"}`)
	require.Eventually(t, func() bool {
		return len(srv.Registry().MembersOf("NL.HGN")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond) // several heartbeat intervals
	assert.Len(t, srv.Registry().MembersOf("NL.HGN"), 1)
}

func TestShutdownForceClosesConnections(t *testing.T) {
	srv, _, wsURL := newRunningServer(t, time.Minute)
	conn := dialClient(t, wsURL)
	readReply(t, conn) // welcome

	srv.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// Shutdown is idempotent.
	srv.Shutdown()
}

func TestNewServerRejectsBadConfiguration(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			"bad selector",
			Config{
				HeartbeatInterval: time.Minute,
				Channels: []seedlink.ChannelConfig{
					{Name: "NL.HGN", Address: "127.0.0.1:18000", Selectors: []string{"NL.HGN"}},
				},
			},
		},
		{
			"duplicate channel",
			Config{
				HeartbeatInterval: time.Minute,
				Channels:          append(testChannels(), testChannels()[0]),
			},
		},
		{
			"no heartbeat interval",
			Config{Channels: testChannels()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.config, testLog())
			assert.Error(t, err)
		})
	}
}
