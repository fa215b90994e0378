// Package kiosk drives the display browser over the Chrome DevTools Protocol.
package kiosk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds a navigation when ctx carries no deadline.
const DefaultTimeout = 10 * time.Second

type target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type cdpRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// CDP navigates the first page target of a Chromium instance. Each call
// resolves the target and dials anew, so a restarted browser is picked up.
type CDP struct {
	endpoint string
	client   *http.Client
	dialer   *websocket.Dialer
	reqID    atomic.Int64

	mu sync.Mutex // one navigation at a time
}

// NewCDP creates a navigator for the DevTools HTTP endpoint, e.g.
// "http://127.0.0.1:9222".
func NewCDP(endpoint string) *CDP {
	return &CDP{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: DefaultTimeout},
		dialer:   websocket.DefaultDialer,
	}
}

// Navigate loads url in the kiosk page and waits for the browser to accept it.
func (c *CDP) Navigate(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	wsURL, err := c.pageTarget(ctx)
	if err != nil {
		return err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("kiosk: cdp dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	req := cdpRequest{
		ID:     c.reqID.Add(1),
		Method: "Page.navigate",
		Params: map[string]any{"url": url},
	}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("kiosk: cdp write: %w", err)
	}

	for {
		var resp cdpResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("kiosk: cdp read: %w", err)
		}
		// Events carry no id.
		if resp.ID != req.ID {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("kiosk: Page.navigate: %s (%d)", resp.Error.Message, resp.Error.Code)
		}
		var result struct {
			ErrorText string `json:"errorText"`
		}
		if len(resp.Result) > 0 {
			_ = json.Unmarshal(resp.Result, &result)
		}
		if result.ErrorText != "" {
			return fmt.Errorf("kiosk: Page.navigate: %s", result.ErrorText)
		}
		slog.Info("[KIOSK] navigated", "url", url)
		return nil
	}
}

// pageTarget returns the debugger URL of the first page target.
func (c *CDP) pageTarget(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/json", nil)
	if err != nil {
		return "", fmt.Errorf("kiosk: build targets request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kiosk: fetch debug targets: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kiosk: fetch debug targets: status %d", resp.StatusCode)
	}

	var targets []target
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("kiosk: invalid targets format: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("kiosk: no page target found")
}
