package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	versionTimeout = 5 * time.Second
	listTimeout    = 10 * time.Second
)

var (
	errNotConnected = errors.New("rawcdp: not connected")
	errConnClosed   = errors.New("rawcdp: connection closed")
)

// request is one outgoing command. SessionID is set for commands routed to
// a flat session.
type request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	SessionID string `json:"sessionId,omitempty"`
	Params    any    `json:"params,omitempty"`
}

// reply is the envelope of a command response. Events have no id.
type reply struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rawCDP is a minimal browser-level CDP client: flat sessions, Runtime.evaluate
// and trusted Input events. It never enables page domains, so attaching to
// the chart tab leaves the page untouched.
type rawCDP struct {
	httpBase string // e.g. "http://127.0.0.1:9220"

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan reply
}

func newRawCDP(httpBase string) *rawCDP {
	return &rawCDP{
		httpBase: strings.TrimRight(httpBase, "/"),
		pending:  make(map[int64]chan reply),
	}
}

// connect dials the browser-level WebSocket endpoint.
func (r *rawCDP) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := r.getJSON(ctx, "/json/version", versionTimeout, &info); err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}
	if info.WebSocketDebuggerURL == "" {
		return fmt.Errorf("rawcdp: browser ws url: empty webSocketDebuggerUrl")
	}

	slog.Debug("rawcdp connecting", "ws_url", info.WebSocketDebuggerURL)
	conn, _, _, err := ws.Dial(ctx, info.WebSocketDebuggerURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}
	r.conn = conn
	r.pendingMu.Lock()
	r.pending = make(map[int64]chan reply)
	r.pendingMu.Unlock()
	go r.readLoop(conn)
	return nil
}

func (r *rawCDP) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *rawCDP) alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// readLoop routes replies to their waiters until conn fails. Events are
// dropped.
func (r *rawCDP) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			r.mu.Lock()
			if r.conn == conn {
				_ = r.conn.Close()
				r.conn = nil
			}
			r.mu.Unlock()
			r.failPending()
			return
		}

		var rep reply
		if json.Unmarshal(data, &rep) != nil || rep.ID <= 0 {
			continue
		}
		if ch, ok := r.takePending(rep.ID); ok {
			ch <- rep
		}
	}
}

func (r *rawCDP) takePending(id int64) (chan reply, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return ch, ok
}

func (r *rawCDP) failPending() {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
}

// call sends method, on sessionID when non-empty, waits for the reply and
// decodes its result into out when out is non-nil.
func (r *rawCDP) call(ctx context.Context, sessionID, method string, params, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	req := request{ID: r.seq.Add(1), Method: method, SessionID: sessionID, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rawcdp: marshal %s: %w", method, err)
	}

	ch := make(chan reply, 1)
	r.pendingMu.Lock()
	r.pending[req.ID] = ch
	r.pendingMu.Unlock()

	r.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	r.mu.Unlock()
	if err != nil {
		r.takePending(req.ID)
		return fmt.Errorf("rawcdp: send %s: %w", method, err)
	}

	var rep reply
	select {
	case got, ok := <-ch:
		if !ok {
			return errConnClosed
		}
		rep = got
	case <-ctx.Done():
		r.takePending(req.ID)
		return ctx.Err()
	}

	if rep.Error != nil {
		return fmt.Errorf("rawcdp: %s: %s", method, rep.Error.Message)
	}
	if out == nil || len(rep.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rep.Result, out); err != nil {
		return fmt.Errorf("rawcdp: decode %s: %w", method, err)
	}
	return nil
}

// attachToTarget attaches a flat session to the given target.
func (r *rawCDP) attachToTarget(ctx context.Context, targetID string) (string, error) {
	params := struct {
		TargetID string `json:"targetId"`
		Flatten  bool   `json:"flatten"`
	}{TargetID: targetID, Flatten: true}

	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := r.call(ctx, "", "Target.attachToTarget", params, &res); err != nil {
		return "", err
	}
	return res.SessionID, nil
}

func (r *rawCDP) detachFromTarget(ctx context.Context, sessionID string) error {
	params := struct {
		SessionID string `json:"sessionId"`
	}{SessionID: sessionID}
	return r.call(ctx, "", "Target.detachFromTarget", params, nil)
}

// evaluate runs js on the session and returns the result. String results
// are unquoted; other values come back as raw JSON.
func (r *rawCDP) evaluate(ctx context.Context, sessionID, js string) (string, error) {
	params := struct {
		Expression    string `json:"expression"`
		ReturnByValue bool   `json:"returnByValue"`
		AwaitPromise  bool   `json:"awaitPromise"`
	}{Expression: js, ReturnByValue: true, AwaitPromise: true}

	var res struct {
		Result struct {
			Value json.RawMessage `json:"value"`
			Type  string          `json:"type"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := r.call(ctx, sessionID, "Runtime.evaluate", params, &res); err != nil {
		return "", err
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("rawcdp: eval exception: %s", res.ExceptionDetails.Text)
	}
	var s string
	if err := json.Unmarshal(res.Result.Value, &s); err != nil {
		return string(res.Result.Value), nil
	}
	return s, nil
}

// listTargets reads the open targets from /json/list.
func (r *rawCDP) listTargets(ctx context.Context) ([]*target.Info, error) {
	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := r.getJSON(ctx, "/json/list", listTimeout, &entries); err != nil {
		return nil, err
	}
	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

// getJSON fetches one of the DevTools HTTP endpoints.
func (r *rawCDP) getJSON(ctx context.Context, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rawcdp: %s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// dispatchMouseClick sends a trusted left click at viewport coordinates.
func (r *rawCDP) dispatchMouseClick(ctx context.Context, sessionID string, x, y float64) error {
	for _, typ := range []string{"mousePressed", "mouseReleased"} {
		ev := struct {
			Type       string  `json:"type"`
			X          float64 `json:"x"`
			Y          float64 `json:"y"`
			Button     string  `json:"button"`
			ClickCount int     `json:"clickCount"`
		}{Type: typ, X: x, Y: y, Button: "left", ClickCount: 1}
		if err := r.call(ctx, sessionID, "Input.dispatchMouseEvent", ev, nil); err != nil {
			return fmt.Errorf("rawcdp: %s: %w", typ, err)
		}
	}
	return nil
}

// keyEvent describes one key press. Modifiers is a bitmask:
// 1=Alt, 2=Ctrl, 4=Meta, 8=Shift.
type keyEvent struct {
	Key       string
	Code      string
	KeyCode   int
	Modifiers int
}

// dispatchKeyEvent sends a trusted keyDown + keyUp pair.
func (r *rawCDP) dispatchKeyEvent(ctx context.Context, sessionID string, k keyEvent) error {
	for _, typ := range []string{"keyDown", "keyUp"} {
		params := struct {
			Type                  string `json:"type"`
			Key                   string `json:"key"`
			Code                  string `json:"code"`
			WindowsVirtualKeyCode int    `json:"windowsVirtualKeyCode"`
			Modifiers             int    `json:"modifiers"`
		}{Type: typ, Key: k.Key, Code: k.Code, WindowsVirtualKeyCode: k.KeyCode, Modifiers: k.Modifiers}
		if err := r.call(ctx, sessionID, "Input.dispatchKeyEvent", params, nil); err != nil {
			return fmt.Errorf("rawcdp: %s: %w", typ, err)
		}
	}
	return nil
}
