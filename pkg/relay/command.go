package relay

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/nlseis/seedlink-relay/pkg/seedlink"
)

// A command is the parsed form of one client message. A single
// message may request several operations at once; absent fields are
// nil. Keys outside the recognized set invalidate the whole message.
type command struct {
	subscribe   *string
	unsubscribe *string
	info        *string
	channels    bool
}

// parseCommand decodes and validates one client frame. No state is
// touched here: an invalid message has zero side effects.
func parseCommand(data []byte) (*command, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode message")
	}

	cmd := &command{}
	for key, value := range raw {
		switch key {
		case "subscribe":
			name, err := decodeChannelName(key, value)
			if err != nil {
				return nil, err
			}
			cmd.subscribe = &name
		case "unsubscribe":
			name, err := decodeChannelName(key, value)
			if err != nil {
				return nil, err
			}
			cmd.unsubscribe = &name
		case "info":
			name, err := decodeChannelName(key, value)
			if err != nil {
				return nil, err
			}
			cmd.info = &name
		case "channels":
			cmd.channels = true
		default:
			return nil, errInvalidOperation
		}
	}

	return cmd, nil
}

func decodeChannelName(key string, value json.RawMessage) (string, error) {
	var name string
	if err := json.Unmarshal(value, &name); err != nil {
		return "", errors.Errorf("%s requires a channel name", key)
	}
	return name, nil
}

// dispatch executes one client message against the registry. Present
// operations run independently, in fixed order: subscribe,
// unsubscribe, info, channels. Failures are reported only to the
// originating client.
func (srv *Server) dispatch(c *Client, data []byte) {
	cmd, err := parseCommand(data)
	if err != nil {
		c.deliver(errorFrame(err, srv.config.Debug))
		return
	}

	if cmd.subscribe != nil {
		if err := srv.registry.Add(*cmd.subscribe, c); err != nil {
			c.deliver(errorFrame(err, srv.config.Debug))
		}
	}

	if cmd.unsubscribe != nil {
		if err := srv.registry.Remove(*cmd.unsubscribe, c); err != nil {
			c.deliver(errorFrame(err, srv.config.Debug))
		}
	}

	if cmd.info != nil {
		// An unknown channel gets no reply here.
		if selectors, ok := srv.registry.Selectors(*cmd.info); ok {
			c.deliver(successFrame(seedlink.JoinSelectors(selectors)))
		}
	}

	if cmd.channels {
		c.deliver(successFrame(strings.Join(srv.registry.ChannelNames(), " ")))
	}
}
