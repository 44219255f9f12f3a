package relay

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// welcomeText is sent to every client immediately after the upgrade.
const welcomeText = "Connected to Seedlink Proxy."

// errInvalidOperation rejects any message carrying an unrecognized key.
var errInvalidOperation = errors.New("Invalid operation requested. Expected: subscribe, unsubscribe, channels, info")

// successFrame wraps plain text in the success envelope.
func successFrame(text string) []byte {
	frame, _ := json.Marshal(struct {
		Success string `json:"success"`
	}{text})
	return frame
}

// errorFrame wraps an error in the error envelope. In debug mode the
// full diagnostic detail is exposed; otherwise only the message.
func errorFrame(err error, debug bool) []byte {
	detail := err.Error()
	if debug {
		detail = fmt.Sprintf("%+v", err)
	}

	frame, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{detail})
	return frame
}
