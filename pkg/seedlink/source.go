package seedlink

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	recordBuffSize   = 64 // Buffer size of channel for emitting records

	// A SeedLink packet is an 8 byte "SL" header followed by a
	// fixed 512 byte record.
	packetSize = 520
)

// A Source streams records for one channel from an upstream SeedLink
// server. Records are forwarded as opaque payloads; unpacking them is
// left to consumers.
type Source struct {
	name      string
	selectors []Selector
	conn      net.Conn
	records   chan json.RawMessage
	log       *logrus.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewSource dials the upstream server for cfg, negotiates its
// selectors, and starts streaming.
func NewSource(cfg ChannelConfig, log *logrus.Logger) (*Source, error) {
	selectors, err := cfg.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "validate channel")
	}

	conn, err := net.DialTimeout("tcp", cfg.Address, dialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial upstream for channel %s", cfg.Name)
	}

	src := &Source{
		name:      cfg.Name,
		selectors: selectors,
		conn:      conn,
		records:   make(chan json.RawMessage, recordBuffSize),
		log:       log,
		done:      make(chan struct{}),
	}

	if err := src.handshake(); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "handshake with upstream for channel %s", cfg.Name)
	}

	go src.run()
	return src, nil
}

// Selectors returns the upstream streams this source was configured with.
func (src *Source) Selectors() []Selector {
	return src.selectors
}

// Records returns the stream of records read from the upstream server.
// The channel is closed when the upstream connection ends.
func (src *Source) Records() <-chan json.RawMessage {
	return src.records
}

// Close tears down the upstream connection. It is safe to call more
// than once.
func (src *Source) Close() error {
	src.closeOnce.Do(func() {
		close(src.done)
		src.conn.Close()
	})
	return nil
}

// handshake requests every configured selector and switches the
// upstream connection into streaming mode.
func (src *Source) handshake() error {
	src.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer src.conn.SetDeadline(time.Time{})

	reader := bufio.NewReader(src.conn)
	for _, sel := range src.selectors {
		if err := src.command(reader, fmt.Sprintf("STATION %s %s", sel.Station, sel.Network)); err != nil {
			return err
		}
		if err := src.command(reader, fmt.Sprintf("SELECT %s%s", sel.Location, sel.Channel)); err != nil {
			return err
		}
		if err := src.command(reader, "DATA"); err != nil {
			return err
		}
	}

	// END receives no reply; the server starts streaming packets.
	_, err := fmt.Fprintf(src.conn, "END\r\n")
	return errors.Wrap(err, "end handshake")
}

func (src *Source) command(reader *bufio.Reader, cmd string) error {
	if _, err := fmt.Fprintf(src.conn, "%s\r\n", cmd); err != nil {
		return errors.Wrapf(err, "send %s", cmd)
	}

	reply, err := reader.ReadString('\n')
	if err != nil {
		return errors.Wrapf(err, "read reply to %s", cmd)
	}
	if !strings.HasPrefix(strings.TrimSpace(reply), "OK") {
		return errors.Errorf("upstream refused %s: %s", cmd, strings.TrimSpace(reply))
	}

	return nil
}

// run reads fixed-size packets and emits them as opaque records until
// the connection ends.
func (src *Source) run() {
	defer close(src.records)
	defer src.Close()

	buf := make([]byte, packetSize)
	reader := bufio.NewReader(src.conn)
	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			select {
			case <-src.done:
			default:
				src.log.WithFields(logrus.Fields{
					"channel": src.name,
					"error":   err,
				}).Warn("Upstream connection ended")
			}
			return
		}

		record, err := json.Marshal(map[string]interface{}{
			"type":     "record",
			"channel":  src.name,
			"sequence": string(buf[2:8]),
			"payload":  base64.StdEncoding.EncodeToString(buf[8:]),
		})
		if err != nil {
			src.log.WithFields(logrus.Fields{
				"channel": src.name,
				"error":   err,
			}).Error("Cannot encode record")
			continue
		}

		select {
		case src.records <- record:
		case <-src.done:
			return
		}
	}
}
