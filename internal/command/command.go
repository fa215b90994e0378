// Package command turns writes on the pairing characteristic into actions
// and replies.
//
// Every inbound message is [command, reply_id, params...]. Replies are
// [reply_id, status, payload...] and are best-effort: framing errors,
// protocol violations and most collaborator failures are logged and produce
// no reply at all.
package command

import (
	"context"
	"errors"
	"strings"

	"github.com/feral-file/feral-setupd/internal/ble/protocol"
	"github.com/feral-file/feral-setupd/internal/wifi"
)

// Replier delivers an encoded reply to the current subscriber.
// *ble.NotifierSlot satisfies it.
type Replier interface {
	Send(data []byte)
}

// SSIDSource returns the visible network names.
type SSIDSource interface {
	Get(ctx context.Context) ([]string, error)
}

// WifiConnector joins a network.
type WifiConnector interface {
	Connect(ctx context.Context, ssid, password string) error
}

// TopicExchanger obtains the relay topic from the connection daemon once the
// device is online.
type TopicExchanger interface {
	ExchangeTopic(ctx context.Context) (topicID, locationID string, err error)
}

// TimeSetter applies a timezone and wall-clock time to the system.
type TimeSetter interface {
	SetTime(ctx context.Context, timezone, value string) error
}

// WifiConnectedHandler is called after a successful Wi-Fi join and topic exchange.
type WifiConnectedHandler interface {
	OnWifiConnected(ctx context.Context, topicID, locationID string)
}

// InfoProvider returns the get_info payload, empty when nothing is known.
type InfoProvider interface {
	Info() []string
}

// ClassifyConnectError maps a Wi-Fi connect failure to a reply status. The
// connect tool has no structured error codes, so this is a text heuristic:
// any mention of "password" in the tool output is taken as a credential
// problem. For a *wifi.ConnectError only Output is searched, never the SSID.
func ClassifyConnectError(err error) protocol.Status {
	if err == nil {
		return protocol.StatusSuccess
	}
	text := err.Error()
	var ce *wifi.ConnectError
	if errors.As(err, &ce) {
		text = ce.Output
	}
	if strings.Contains(strings.ToLower(text), "password") {
		return protocol.StatusWrongCredential
	}
	return protocol.StatusUnknown
}
