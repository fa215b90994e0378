package signalbus

import (
	"context"
	"fmt"
	"log/slog"
)

// RelayClient obtains the relay topic from connectd after Wi-Fi comes up.
type RelayClient struct {
	client *Client
}

// NewRelayClient creates a relay client over c.
func NewRelayClient(c *Client) *RelayClient {
	return &RelayClient{client: c}
}

// ExchangeTopic announces wifi_connected and waits for relayer_configured.
func (r *RelayClient) ExchangeTopic(ctx context.Context) (topicID, locationID string, err error) {
	slog.Info("[DBUS] announcing wifi connected, waiting for relay topic")
	sig, err := r.client.Exchange(ctx, WifiConnected, RelayerConfigured, "")
	if err != nil {
		return "", "", fmt.Errorf("signalbus: relay topic exchange: %w", err)
	}
	topicID, locationID, err = ParseRelayerConfigured(sig.Body)
	if err != nil {
		return "", "", err
	}
	slog.Info("[DBUS] relay configured", "topic_id", topicID, "location_id", locationID)
	return topicID, locationID, nil
}

// ParseRelayerConfigured extracts the ids from a relayer_configured body.
// connectd sends (location_id, topic_id); a lone string is the topic id.
func ParseRelayerConfigured(body []interface{}) (topicID, locationID string, err error) {
	var fields []string
	for _, v := range body {
		if s, ok := v.(string); ok {
			fields = append(fields, s)
		}
	}

	switch {
	case len(fields) == 1:
		topicID = fields[0]
	case len(fields) >= 2:
		locationID, topicID = fields[0], fields[1]
	}
	if topicID == "" {
		return "", "", fmt.Errorf("signalbus: relayer_configured without topic id: %v", body)
	}
	return topicID, locationID, nil
}
