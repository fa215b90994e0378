package command

import (
	"context"
	"log/slog"

	"github.com/feral-file/feral-setupd/internal/ble/protocol"
)

// Deps are the collaborators the dispatcher calls into. WifiConnected and
// Info may be nil.
type Deps struct {
	Scanner       SSIDSource
	Wifi          WifiConnector
	Topics        TopicExchanger
	Clock         TimeSetter
	WifiConnected WifiConnectedHandler
	Info          InfoProvider
}

// Dispatcher decodes pairing messages and runs the matching command.
// HandleWrite is safe for concurrent use; each write is independent.
type Dispatcher struct {
	replier Replier
	deps    Deps
}

// NewDispatcher creates a dispatcher replying through r.
func NewDispatcher(r Replier, deps Deps) *Dispatcher {
	return &Dispatcher{replier: r, deps: deps}
}

// HandleWrite processes one raw characteristic write.
func (d *Dispatcher) HandleWrite(ctx context.Context, data []byte) {
	fields, err := protocol.ParsePayload(data)
	if err != nil {
		slog.Warn("[CMD] discarding undecodable write", "error", err, "bytes", len(data))
		return
	}
	if len(fields) < 2 {
		slog.Warn("[CMD] insufficient fields", "fields", len(fields))
		return
	}

	cmd, replyID, params := fields[0], fields[1], fields[2:]
	slog.Debug("[CMD] received", "command", cmd, "reply_id", replyID, "params", len(params))

	switch cmd {
	case protocol.CmdScanWifi:
		d.scanWifi(ctx, replyID)
	case protocol.CmdConnectWifi:
		d.connectWifi(ctx, replyID, params)
	case protocol.CmdGetInfo:
		d.getInfo(replyID)
	case protocol.CmdSetTime:
		d.setTime(ctx, params)
	default:
		slog.Warn("[CMD] unknown command", "command", cmd)
	}
}

func (d *Dispatcher) reply(replyID string, status protocol.Status, payload ...string) {
	d.replier.Send(protocol.EncodeReply(replyID, status, payload...))
}

func (d *Dispatcher) scanWifi(ctx context.Context, replyID string) {
	ssids, err := d.deps.Scanner.Get(ctx)
	if err != nil {
		slog.Error("[CMD] scan_wifi failed, no reply sent", "error", err)
		return
	}
	slog.Info("[CMD] scan_wifi", "ssids", len(ssids))
	d.reply(replyID, protocol.StatusSuccess, ssids...)
}

func (d *Dispatcher) connectWifi(ctx context.Context, replyID string, params []string) {
	if len(params) < 2 {
		slog.Warn("[CMD] connect_wifi needs ssid and password", "params", len(params))
		return
	}
	ssid, password := params[0], params[1]

	if err := d.deps.Wifi.Connect(ctx, ssid, password); err != nil {
		status := ClassifyConnectError(err)
		slog.Error("[CMD] connect_wifi failed", "ssid", ssid, "status", status, "error", err)
		d.reply(replyID, status)
		return
	}

	topicID, locationID, err := d.deps.Topics.ExchangeTopic(ctx)
	if err != nil {
		// Wi-Fi is up but the relay handshake failed; answer so the client
		// does not wait forever.
		slog.Error("[CMD] relay topic exchange failed", "ssid", ssid, "error", err)
		d.reply(replyID, protocol.StatusUnknown)
		return
	}
	slog.Info("[CMD] connect_wifi done", "ssid", ssid, "topic_id", topicID)

	if d.deps.WifiConnected != nil {
		d.deps.WifiConnected.OnWifiConnected(ctx, topicID, locationID)
	}
	d.reply(replyID, protocol.StatusSuccess, topicID)
}

func (d *Dispatcher) getInfo(replyID string) {
	var info []string
	if d.deps.Info != nil {
		info = d.deps.Info.Info()
	}
	d.reply(replyID, protocol.StatusSuccess, info...)
}

// setTime never replies.
func (d *Dispatcher) setTime(ctx context.Context, params []string) {
	if len(params) < 2 {
		slog.Warn("[CMD] set_time needs timezone and time", "params", len(params))
		return
	}
	if err := d.deps.Clock.SetTime(ctx, params[0], params[1]); err != nil {
		slog.Error("[CMD] set_time failed", "timezone", params[0], "error", err)
		return
	}
	slog.Info("[CMD] set_time", "timezone", params[0], "time", params[1])
}
