package cdpcontrol

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

var chartURLPattern = regexp.MustCompile(`/chart/([^/?#]+)/?`)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"target closed",
	"session closed",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

type tabSession struct {
	info      TabInfo
	mu        sync.Mutex
	sessionID string // CDP session ID from Target.attachToTarget
}

// Client drives one TradingView chart tab over a browser-level CDP socket.
type Client struct {
	cdpURL      string
	tabFilter   string
	evalTimeout time.Duration

	mu     sync.Mutex
	cdp    *rawCDP
	tabs   map[target.ID]*tabSession
	order  []target.ID
	active target.ID

	// opMu serializes page operations so evaluations and input events
	// never interleave on the driven tab.
	opMu sync.Mutex
}

func NewClient(cdpURL, tabFilter string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		tabFilter:   strings.ToLower(strings.TrimSpace(tabFilter)),
		evalTimeout: evalTimeout,
		tabs:        make(map[target.ID]*tabSession),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs), "active", c.active)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for targetID, session := range c.tabs {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "target_id", targetID, "error", err)
				}
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
	c.order = nil
	c.active = ""
}

// ListTabs returns the chart tabs that pass the URL filter, active first.
func (c *Client) ListTabs(ctx context.Context) ([]TabInfo, error) {
	if err := c.refreshTabs(ctx); err != nil {
		slog.Warn("cdpcontrol list tabs failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TabInfo, 0, len(c.order))
	for _, id := range c.order {
		if s := c.tabs[id]; s != nil {
			out = append(out, s.info)
		}
	}
	return out, nil
}

// evalOnTab evaluates js on the driven tab and decodes the envelope into out.
// Transient failures are retried once after reconnecting or refreshing tabs.
func (c *Client) evalOnTab(ctx context.Context, js string, out any) error {
	return c.withRetry(ctx, "eval", func(cdp *rawCDP, session *tabSession, sessionID string) error {
		return c.evalOnSession(ctx, cdp, session, sessionID, js, out)
	})
}

type sessionOp func(cdp *rawCDP, session *tabSession, sessionID string) error

func (c *Client) withRetry(ctx context.Context, op string, fn sessionOp) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	err := c.onActive(ctx, fn)
	if err == nil {
		return nil
	}
	// A canceled caller is not a broken connection.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol retry after transient failure", "op", op, "error", err)
	if c.asCode(err, CodeCDPUnavailable) || !c.connAlive() {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "op", op, "error", recErr)
			return recErr
		}
	} else if syncErr := c.refreshTabs(ctx); syncErr != nil {
		slog.Warn("cdpcontrol tab refresh failed during retry", "op", op, "error", syncErr)
	}
	return c.onActive(ctx, fn)
}

func (c *Client) onActive(ctx context.Context, fn sessionOp) error {
	session, info, err := c.resolveActive(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	sessionID, err := c.ensureSession(ctx, cdp, session, info.TargetID)
	if err != nil {
		return err
	}
	return fn(cdp, session, sessionID)
}

func (c *Client) evalOnSession(ctx context.Context, cdp *rawCDP, session *tabSession, sessionID, js string, out any) error {
	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "target_id", session.info.TargetID, "error", err)
		// Reset session so a fresh attach happens on retry.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return newError(CodeEvalTimeout, "evaluation timed out", err)
		}
		return newError(CodeEvalFailure, "evaluation failed", err)
	}
	return DecodeEnvelope(raw, out)
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, targetID string) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}

	sid, err := cdp.attachToTarget(ctx, targetID)
	if err != nil {
		return "", newError(CodeCDPUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("cdpcontrol session attached", "target_id", targetID, "session_id", sid)
	return sid, nil
}

func (c *Client) resolveActive(ctx context.Context) (*tabSession, TabInfo, error) {
	if session, ok := c.lookupActive(); ok {
		return session, session.info, nil
	}
	if err := c.refreshTabs(ctx); err != nil {
		return nil, TabInfo{}, err
	}
	if session, ok := c.lookupActive(); ok {
		return session, session.info, nil
	}
	return nil, TabInfo{}, newError(CodeChartNotFound, "no chart tab matches filter "+c.tabFilter, nil)
}

func (c *Client) lookupActive() (*tabSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session := c.tabs[c.active]
	return session, session != nil
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.syncTabsLocked(ctx)
	c.mu.Unlock()
	return err
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	next := make(map[target.ID]*tabSession)
	order := make([]target.ID, 0, len(targets))
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if c.tabFilter != "" && !strings.Contains(strings.ToLower(t.URL), c.tabFilter) {
			continue
		}
		info := TabInfo{
			TargetID: string(t.TargetID),
			ChartID:  chartIDFromURL(t.URL),
			URL:      t.URL,
			Title:    t.Title,
		}
		session := c.tabs[t.TargetID]
		if session == nil {
			session = &tabSession{}
		}
		session.info = info
		next[t.TargetID] = session
		order = append(order, t.TargetID)
	}
	c.tabs = next
	c.order = order

	if _, ok := c.tabs[c.active]; !ok {
		c.active = ""
		// Tabs showing a saved chart layout win over bare chart URLs.
		for _, id := range order {
			if c.tabs[id].info.ChartID != "" {
				c.active = id
				break
			}
		}
		if c.active == "" && len(order) > 0 {
			c.active = order[0]
		}
	}

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "tabs", len(c.tabs), "active", c.active)
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil && c.cdp.alive()
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) connAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cdp != nil && c.cdp.alive()
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func (c *Client) asCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

func chartIDFromURL(url string) string {
	m := chartURLPattern.FindStringSubmatch(url)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
