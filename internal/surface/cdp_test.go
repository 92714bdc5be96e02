package surface

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeDevTools serves the /json/list discovery endpoint plus a scripted
// protocol websocket, standing in for a debuggable browser.
type fakeDevTools struct {
	srv *httptest.Server
	// evaluate maps an expression substring to the JSON value it returns.
	evaluate func(expr string) any

	mu       sync.Mutex
	hijacked []net.Conn
}

// closeConns severs every client connection, including hijacked websockets,
// which httptest's CloseClientConnections leaves alone.
func (f *fakeDevTools) closeConns() {
	f.srv.CloseClientConnections()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.hijacked {
		c.Close()
	}
}

func newFakeDevTools(t *testing.T, evaluate func(expr string) any) *fakeDevTools {
	t.Helper()
	f := &fakeDevTools{evaluate: evaluate}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/page/1"
		_ = json.NewEncoder(w).Encode([]debugTarget{
			{Type: "page", URL: "about:blank", WebSocketDebuggerURL: wsURL},
		})
	})
	mux.HandleFunc("/devtools/page/1", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var req struct {
				ID     int64          `json:"id"`
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				return
			}
			var result any = map[string]any{}
			if req.Method == "Runtime.evaluate" {
				expr, _ := req.Params["expression"].(string)
				result = map[string]any{
					"result": map[string]any{"value": f.evaluate(expr)},
				}
			}
			reply, _ := json.Marshal(map[string]any{"id": req.ID, "result": result})
			if err := conn.Write(r.Context(), websocket.MessageText, reply); err != nil {
				return
			}
		}
	})

	f.srv = httptest.NewUnstartedServer(mux)
	f.srv.Config.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateHijacked {
			f.mu.Lock()
			f.hijacked = append(f.hijacked, c)
			f.mu.Unlock()
		}
	}
	f.srv.Start()
	t.Cleanup(f.srv.Close)
	return f
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestDevToolsEval(t *testing.T) {
	fake := newFakeDevTools(t, func(expr string) any {
		if strings.Contains(expr, "1 + 2") {
			return 3
		}
		return nil
	})

	d, err := Connect(context.Background(), fake.srv.URL, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer d.Close()

	var got int
	if err := d.Eval(context.Background(), "1 + 2", &got); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

func TestDevToolsWaitForTimeout(t *testing.T) {
	fake := newFakeDevTools(t, func(string) any { return false })

	d, err := Connect(context.Background(), fake.srv.URL, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer d.Close()
	d.pollInterval = 10 * time.Millisecond

	err = d.WaitFor(context.Background(), "document.querySelector('#never')", 50*time.Millisecond)
	if !errors.Is(err, ErrUITimeout) {
		t.Fatalf("expected ErrUITimeout, got %v", err)
	}
}

func TestDevToolsSessionLoss(t *testing.T) {
	fake := newFakeDevTools(t, func(string) any { return true })

	d, err := Connect(context.Background(), fake.srv.URL, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	fake.closeConns()
	// The read loop notices the drop asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for d.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.Alive() {
		t.Fatal("surface should report dead after connection loss")
	}
	if err := d.Eval(context.Background(), "1", nil); !errors.Is(err, ErrSessionLost) {
		t.Fatalf("expected ErrSessionLost, got %v", err)
	}
}
