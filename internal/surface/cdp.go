package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultNavigateTimeout = 45 * time.Second
	defaultPollInterval    = 250 * time.Millisecond

	// Media payloads come back base64-encoded inside Runtime.evaluate
	// results, so the read limit has to accommodate whole documents.
	maxMessageSize = 256 << 20
)

// DevTools drives one browser page over the Chrome DevTools protocol. One
// instance owns one websocket connection; calls are safe for use from a
// single pipeline goroutine plus the session manager's reconciliation loop.
type DevTools struct {
	conn   *websocket.Conn
	logger *slog.Logger

	nextID  atomic.Int64
	alive   atomic.Bool
	mu      sync.Mutex
	pending map[int64]chan rpcReply

	navigateTimeout time.Duration
	pollInterval    time.Duration
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type debugTarget struct {
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Connect attaches to the first page target of a browser exposing its
// DevTools endpoint at debugURL (for example http://127.0.0.1:9222).
func Connect(ctx context.Context, debugURL string, logger *slog.Logger) (*DevTools, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, debugURL+"/json/list", nil)
	if err != nil {
		return nil, fmt.Errorf("build target list request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list devtools targets: %w", err)
	}
	defer resp.Body.Close()

	var targets []debugTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decode devtools targets: %w", err)
	}

	var wsURL string
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			wsURL = t.WebSocketDebuggerURL
			break
		}
	}
	if wsURL == "" {
		return nil, fmt.Errorf("no page target exposed at %s", debugURL)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	d := &DevTools{
		conn:            conn,
		logger:          logger,
		pending:         make(map[int64]chan rpcReply),
		navigateTimeout: defaultNavigateTimeout,
		pollInterval:    defaultPollInterval,
	}
	d.alive.Store(true)
	go d.readLoop()

	logger.Info("devtools attached", "ws_url", wsURL)
	return d, nil
}

func (d *DevTools) readLoop() {
	for {
		_, data, err := d.conn.Read(context.Background())
		if err != nil {
			d.shutdown(err)
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			d.logger.Warn("devtools frame not decodable", "error", err)
			continue
		}
		switch {
		case env.ID != 0:
			d.deliver(env)
		case env.Method == "Inspector.detached" || env.Method == "Inspector.targetCrashed":
			d.logger.Error("devtools target gone", "event", env.Method)
			d.shutdown(ErrSessionLost)
			return
		}
	}
}

func (d *DevTools) deliver(env rpcEnvelope) {
	d.mu.Lock()
	ch, ok := d.pending[env.ID]
	if ok {
		delete(d.pending, env.ID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	if env.Error != nil {
		ch <- rpcReply{err: fmt.Errorf("devtools %s: %s", env.Method, env.Error.Message)}
		return
	}
	ch <- rpcReply{result: env.Result}
}

// shutdown fails every pending call and marks the surface dead.
func (d *DevTools) shutdown(cause error) {
	if !d.alive.CompareAndSwap(true, false) {
		return
	}
	d.logger.Warn("devtools connection closed", "cause", cause)
	d.mu.Lock()
	for id, ch := range d.pending {
		delete(d.pending, id)
		ch <- rpcReply{err: ErrSessionLost}
	}
	d.mu.Unlock()
}

func (d *DevTools) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !d.alive.Load() {
		return nil, ErrSessionLost
	}

	id := d.nextID.Add(1)
	payload, err := json.Marshal(map[string]any{
		"id":     id,
		"method": method,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	ch := make(chan rpcReply, 1)
	d.mu.Lock()
	d.pending[id] = ch
	d.mu.Unlock()

	if err := d.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		if !d.alive.Load() {
			return nil, ErrSessionLost
		}
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case reply := <-ch:
		return reply.result, reply.err
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Navigate loads url and blocks until the document reports readiness.
func (d *DevTools) Navigate(ctx context.Context, url string) error {
	if _, err := d.call(ctx, "Page.navigate", map[string]any{"url": url}); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return d.WaitFor(ctx, `document.readyState === 'complete'`, d.navigateTimeout)
}

// Eval runs expr in the page and decodes its JSON-serializable value into
// out. A page-side exception surfaces as an error, not a panic.
func (d *DevTools) Eval(ctx context.Context, expr string, out any) error {
	raw, err := d.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return err
	}

	var parsed struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception *struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode evaluate result: %w", err)
	}
	if parsed.ExceptionDetails != nil {
		desc := parsed.ExceptionDetails.Text
		if parsed.ExceptionDetails.Exception != nil {
			desc = parsed.ExceptionDetails.Exception.Description
		}
		return fmt.Errorf("script exception: %s", desc)
	}
	if out == nil || parsed.Result.Value == nil {
		return nil
	}
	if err := json.Unmarshal(parsed.Result.Value, out); err != nil {
		return fmt.Errorf("decode script value: %w", err)
	}
	return nil
}

// WaitFor polls predicate until it evaluates to true. On expiry it returns
// ErrUITimeout wrapped with the predicate for the per-item error record.
func (d *DevTools) WaitFor(ctx context.Context, predicate string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		err := d.Eval(ctx, "!!("+predicate+")", &ok)
		switch {
		case err == nil && ok:
			return nil
		case err != nil && !d.alive.Load():
			return ErrSessionLost
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrUITimeout, truncate(predicate, 80))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
}

// PressKey dispatches a raw key down/up pair. Raw input is the fallback send
// trigger when the send control is not clickable.
func (d *DevTools) PressKey(ctx context.Context, key string) error {
	params := map[string]any{"type": "keyDown", "key": key}
	if key == "Enter" {
		params["text"] = "\r"
		params["windowsVirtualKeyCode"] = 13
		params["nativeVirtualKeyCode"] = 13
	}
	if _, err := d.call(ctx, "Input.dispatchKeyEvent", params); err != nil {
		return fmt.Errorf("key down %s: %w", key, err)
	}
	params["type"] = "keyUp"
	if _, err := d.call(ctx, "Input.dispatchKeyEvent", params); err != nil {
		return fmt.Errorf("key up %s: %w", key, err)
	}
	return nil
}

// Alive reports whether the devtools connection is still usable.
func (d *DevTools) Alive() bool {
	return d.alive.Load()
}

// Close tears the websocket down. Pending calls fail with ErrSessionLost.
func (d *DevTools) Close() error {
	d.shutdown(nil)
	return d.conn.Close(websocket.StatusNormalClosure, "surface released")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
