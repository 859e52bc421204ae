package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/desktopai/desktopai/internal/common/errors"
	"github.com/desktopai/desktopai/internal/common/logger"
	v1 "github.com/desktopai/desktopai/pkg/api/v1"
)

// BrowserBacked executes browser actions against a Chromium DevTools debug
// port: navigate, click, fill, read, screenshot, evaluate. The DevTools
// socket is dialed lazily on first use and re-dialed after failures.
type BrowserBacked struct {
	debugURL string
	logger   *logger.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
}

// Ensure BrowserBacked implements ActionExecutor
var _ ActionExecutor = (*BrowserBacked)(nil)

// NewBrowserBacked creates a browser executor for the given debug endpoint,
// e.g. http://127.0.0.1:9222
func NewBrowserBacked(debugURL string, log *logger.Logger) *BrowserBacked {
	return &BrowserBacked{
		debugURL: debugURL,
		logger:   log.WithFields(zap.String("component", "browser-executor")),
	}
}

type devtoolsRequest struct {
	ID     int64                  `json:"id"`
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type devtoolsResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"` // set on events, which we skip
}

type devtoolsTarget struct {
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Execute performs one browser action
func (e *BrowserBacked) Execute(ctx context.Context, action *v1.Action, objective string, obs *v1.Observation) *Result {
	var (
		result map[string]interface{}
		err    error
	)

	switch action.Name {
	case "navigate":
		result, err = e.call(ctx, "Page.navigate", map[string]interface{}{
			"url": stringParam(action, "url"),
		})
	case "click":
		result, err = e.evaluate(ctx, fmt.Sprintf(
			`(() => { const el = document.querySelector(%q); if (!el) return {found:false}; el.click(); return {found:true}; })()`,
			stringParam(action, "selector")))
	case "fill":
		result, err = e.evaluate(ctx, fmt.Sprintf(
			`(() => { const el = document.querySelector(%q); if (!el) return {found:false}; el.focus(); el.value = %q; el.dispatchEvent(new Event('input', {bubbles:true})); return {found:true}; })()`,
			stringParam(action, "selector"), stringParam(action, "text")))
	case "read":
		selector := stringParam(action, "selector")
		if selector == "" {
			selector = "body"
		}
		result, err = e.evaluate(ctx, fmt.Sprintf(
			`(() => { const el = document.querySelector(%q); return {found: !!el, text: el ? el.innerText : ""}; })()`,
			selector))
	case "screenshot":
		result, err = e.call(ctx, "Page.captureScreenshot", map[string]interface{}{"format": "png"})
	case "evaluate":
		result, err = e.evaluate(ctx, stringParam(action, "expression"))
	default:
		return failure("browser", action, fmt.Sprintf("unsupported action %q for browser executor", action.Name))
	}

	if err != nil {
		e.logger.Warn("browser action failed",
			zap.String("action", action.Name),
			zap.Error(err))
		return failure("browser", action, err.Error())
	}

	data := map[string]interface{}{
		"executor": "browser",
		"action":   action.Name,
		"ok":       true,
	}
	for k, v := range result {
		data[k] = v
	}
	return &Result{OK: true, Data: data}
}

// Status reports whether a DevTools session is currently open
func (e *BrowserBacked) Status() Status {
	e.mu.Lock()
	connected := e.conn != nil
	e.mu.Unlock()
	if connected {
		return Status{Name: "browser", Ready: true}
	}
	return Status{Name: "browser", Ready: false, Detail: "devtools session not open"}
}

// Preflight dials the debug port and opens a session if needed
func (e *BrowserBacked) Preflight(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureConnLocked(ctx)
}

// Close closes the DevTools session
func (e *BrowserBacked) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		err := e.conn.Close()
		e.conn = nil
		return err
	}
	return nil
}

func (e *BrowserBacked) evaluate(ctx context.Context, expression string) (map[string]interface{}, error) {
	return e.call(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": true,
	})
}

// call issues one DevTools command and waits for the response with a matching
// id, skipping interleaved protocol events.
func (e *BrowserBacked) call(ctx context.Context, method string, params map[string]interface{}) (map[string]interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureConnLocked(ctx); err != nil {
		return nil, err
	}

	e.nextID++
	id := e.nextID
	req := devtoolsRequest{ID: id, Method: method, Params: params}

	if deadline, ok := ctx.Deadline(); ok {
		_ = e.conn.SetWriteDeadline(deadline)
		_ = e.conn.SetReadDeadline(deadline)
	} else {
		_ = e.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		_ = e.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}

	if err := e.conn.WriteJSON(&req); err != nil {
		e.dropConnLocked()
		return nil, errors.Wrap(err, "failed to send devtools command")
	}

	for {
		var resp devtoolsResponse
		if err := e.conn.ReadJSON(&resp); err != nil {
			e.dropConnLocked()
			return nil, errors.Wrap(err, "failed to read devtools response")
		}
		if resp.Method != "" || resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, errors.BadRequest("devtools error: " + resp.Error.Message)
		}
		var result map[string]interface{}
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, errors.Wrap(err, "failed to decode devtools result")
			}
		}
		return result, nil
	}
}

func (e *BrowserBacked) ensureConnLocked(ctx context.Context) error {
	if e.conn != nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.debugURL+"/json/list", nil)
	if err != nil {
		return errors.Wrap(err, "invalid browser debug url")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.ServiceUnavailable("browser debug port")
	}
	defer resp.Body.Close()

	var targets []devtoolsTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return errors.Wrap(err, "failed to decode devtools target list")
	}

	var wsURL string
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			wsURL = t.WebSocketDebuggerURL
			break
		}
	}
	if wsURL == "" {
		return errors.ServiceUnavailable("browser page target")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.Wrap(err, "failed to dial devtools socket")
	}

	e.conn = conn
	e.logger.Info("devtools session opened", zap.String("url", wsURL))
	return nil
}

func (e *BrowserBacked) dropConnLocked() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

func stringParam(action *v1.Action, key string) string {
	if action.Parameters == nil {
		return ""
	}
	s, _ := action.Parameters[key].(string)
	return s
}
