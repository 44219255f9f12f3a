// Package relay implements a websocket relay for SeedLink channels.
// Clients connect, subscribe to named channels, and receive every
// record the channel's upstream source emits.
package relay

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nlseis/seedlink-relay/pkg/seedlink"
)

const eventBuffSize = 64 // Buffer size of channel for accepting events

// A ChannelSource supplies the records relayed on one channel. The
// upstream connection behind it is managed elsewhere; the relay only
// consumes.
type ChannelSource interface {
	// Selectors returns the upstream streams the source carries.
	Selectors() []seedlink.Selector

	// Records returns the stream of records to fan out. The relay
	// stops fanning out when the channel is closed.
	Records() <-chan json.RawMessage

	// Close releases the source. Must be safe to call more than once.
	Close() error
}

// SourceFactory builds the ChannelSource for one configured channel.
type SourceFactory func(cfg seedlink.ChannelConfig) (ChannelSource, error)

// Config holds the externally configurable settings for a server.
type Config struct {
	// Bind is the host:port the relay listens on.
	Bind string

	// HeartbeatInterval specifies the amount of time that will elapse
	// before clients are pinged. A client that has not answered the
	// previous ping by the next tick is dropped.
	HeartbeatInterval time.Duration

	// Debug exposes full diagnostic detail in error replies.
	Debug bool

	// Channels is the static channel list. It is validated before the
	// server accepts any connection.
	Channels []seedlink.ChannelConfig

	// NewSource builds the upstream source for each channel. If nil,
	// channels are registered but carry no data.
	NewSource SourceFactory
}

// Server contains state for a SeedLink relay server.
type Server struct {
	config   Config
	log      *logrus.Logger
	registry *Registry

	clients map[uuid.UUID]*Client
	sources map[string]ChannelSource
	events  chan event

	upgrader websocket.Upgrader
	listener net.Listener

	runningLock sync.Mutex // protects running and listener
	running     bool
	closeOnce   sync.Once
	done        chan struct{}
}

// Events processed by the server's single event loop. Everything that
// mutates connection or membership state arrives here, so handlers
// never interleave.
type event interface{ serverEvent() }

type clientConnected struct{ client *Client }
type frameReceived struct {
	client *Client
	data   []byte
}
type pongReceived struct{ client *Client }
type clientClosed struct{ client *Client }
type sourceRecord struct {
	channel string
	data    json.RawMessage
}

func (clientConnected) serverEvent() {}
func (frameReceived) serverEvent()   {}
func (pongReceived) serverEvent()    {}
func (clientClosed) serverEvent()    {}
func (sourceRecord) serverEvent()    {}

// NewServer validates the channel configuration and creates a server.
// A malformed channel list is fatal here; the relay never starts with
// a broken channel map.
func NewServer(config Config, log *logrus.Logger) (*Server, error) {
	if config.HeartbeatInterval <= 0 {
		return nil, errors.New("heartbeat interval must be positive")
	}

	channels := make(map[string][]seedlink.Selector, len(config.Channels))
	for _, cfg := range config.Channels {
		selectors, err := cfg.Validate()
		if err != nil {
			return nil, errors.Wrap(err, "channel configuration")
		}
		if _, ok := channels[cfg.Name]; ok {
			return nil, errors.Errorf("channel %s configured twice", cfg.Name)
		}
		channels[cfg.Name] = selectors
	}

	return &Server{
		config:   config,
		log:      log,
		registry: NewRegistry(channels),
		clients:  make(map[uuid.UUID]*Client),
		sources:  make(map[string]ChannelSource),
		events:   make(chan event, eventBuffSize),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Registry exposes the server's connection registry.
func (srv *Server) Registry() *Registry {
	return srv.registry
}

// ListenAndServe instantiates the channel sources, binds the listener,
// and serves clients until Shutdown is called.
func (srv *Server) ListenAndServe() error {
	srv.runningLock.Lock()
	if srv.running {
		srv.runningLock.Unlock()
		return errors.New("server is already running")
	}
	srv.running = true
	srv.runningLock.Unlock()

	if err := srv.openSources(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", srv.config.Bind)
	if err != nil {
		return errors.Wrap(err, "Listen")
	}
	srv.runningLock.Lock()
	srv.listener = listener
	srv.runningLock.Unlock()

	srv.log.WithFields(logrus.Fields{
		"addr":               srv.config.Bind,
		"channels":           len(srv.config.Channels),
		"heartbeat_interval": srv.config.HeartbeatInterval,
	}).Info("Listening for incoming connections")

	go srv.run()
	for name, src := range srv.sources {
		go srv.pumpSource(name, src)
	}

	httpServer := &http.Server{Handler: srv}
	err = httpServer.Serve(listener)
	select {
	case <-srv.done:
		return nil
	default:
		return errors.Wrap(err, "Serve")
	}
}

func (srv *Server) openSources() error {
	if srv.config.NewSource == nil {
		srv.log.Warn("No source factory configured; channels will carry no data")
		return nil
	}

	srv.runningLock.Lock()
	defer srv.runningLock.Unlock()
	for _, cfg := range srv.config.Channels {
		src, err := srv.config.NewSource(cfg)
		if err != nil {
			for _, open := range srv.sources {
				open.Close()
			}
			return errors.Wrapf(err, "open source for channel %s", cfg.Name)
		}
		srv.sources[cfg.Name] = src
	}
	return nil
}

// ServeHTTP upgrades an incoming request and hands the connection to
// the event loop.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"error":       err,
		}).Error("Error upgrading connection")
		return
	}

	client := newClient(conn, srv.log)
	select {
	case srv.events <- clientConnected{client: client}:
	case <-srv.done:
		conn.Close()
		return
	}

	go client.writePump(srv.events)
	go client.readPump(srv.events)

	srv.log.WithFields(logrus.Fields{
		"client":      client,
		"remote_addr": r.RemoteAddr,
	}).Info("Connected")
}

// run is the server's single logical thread of control. Connection
// events, heartbeat ticks, and source emissions are all processed
// here, one at a time, to completion.
func (srv *Server) run() {
	ticker := time.NewTicker(srv.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-srv.events:
			srv.handleEvent(e)
		case <-ticker.C:
			srv.checkLiveness()
		case <-srv.done:
			for _, c := range srv.clients {
				c.close()
			}
			srv.clients = make(map[uuid.UUID]*Client)
			return
		}
	}
}

func (srv *Server) handleEvent(e event) {
	switch e := e.(type) {
	case clientConnected:
		srv.clients[e.client.ID] = e.client
		e.client.deliver(successFrame(welcomeText))

	case frameReceived:
		// A client disconnected before all of its messages ran; the
		// remainder are ignored. This is not an error.
		if _, ok := srv.clients[e.client.ID]; !ok {
			return
		}
		srv.dispatch(e.client, e.data)

	case pongReceived:
		if _, ok := srv.clients[e.client.ID]; ok {
			e.client.alive = true
		}

	case clientClosed:
		srv.dropClient(e.client, "Client disconnected")

	case sourceRecord:
		for _, member := range srv.registry.MembersOf(e.channel) {
			member.deliver(e.data)
		}
	}
}

// checkLiveness runs once per heartbeat tick. A client that missed the
// previous ping is dropped; everyone else has their flag cleared and
// is pinged again.
func (srv *Server) checkLiveness() {
	for _, c := range srv.clients {
		if !c.alive {
			srv.dropClient(c, "ping timeout")
			continue
		}
		c.alive = false
		if err := c.ping(); err != nil {
			// The eviction path picks the client up next tick.
			srv.log.WithFields(logrus.Fields{
				"client": c,
				"error":  err,
			}).Debug("Error pinging client")
		}
	}
}

// dropClient removes a client from the server and from every channel.
// Idempotent: a client already dropped is left alone.
func (srv *Server) dropClient(c *Client, reason string) {
	if _, ok := srv.clients[c.ID]; !ok {
		return
	}
	delete(srv.clients, c.ID)
	srv.registry.RemoveEverywhere(c)
	c.close()

	srv.log.WithFields(logrus.Fields{
		"client": c,
		"reason": reason,
	}).Info("Disconnected")
}

// pumpSource forwards one source's records into the event loop.
func (srv *Server) pumpSource(name string, src ChannelSource) {
	for {
		select {
		case record, ok := <-src.Records():
			if !ok {
				srv.log.WithFields(logrus.Fields{
					"channel": name,
				}).Warn("Channel source closed")
				return
			}
			select {
			case srv.events <- sourceRecord{channel: name, data: record}:
			case <-srv.done:
				return
			}
		case <-srv.done:
			return
		}
	}
}

// Shutdown stops the server: no new connections are accepted, the
// heartbeat stops, and every open connection and source is closed.
// There is no drain of in-flight work. Idempotent.
func (srv *Server) Shutdown() {
	srv.closeOnce.Do(func() {
		stats := srv.registry.Stats()
		srv.log.WithFields(logrus.Fields{
			"uptime":   stats.Uptime,
			"channels": stats.NumChannels,
		}).Info("Shutting down")

		close(srv.done)

		srv.runningLock.Lock()
		if srv.listener != nil {
			srv.listener.Close()
		}
		for _, src := range srv.sources {
			src.Close()
		}
		srv.runningLock.Unlock()
	})
}
