//
// Copyright (C) 2026 TaskPilot Authors.
// All rights reserved.
//
// taskpilot is licensed under the Apache License Version 2.0.
//
//

// Package browser drives a Chromium tab over the DevTools protocol. Each
// session owns one tab in a browser the operator runs with remote debugging
// enabled. Sessions are live resources scoped to a thread; they are never
// serialized into checkpoints.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskpilot-ai/taskpilot/log"
)

const (
	defaultDebuggerURL = "http://127.0.0.1:9222"
	callTimeout        = 30 * time.Second
)

// Option configures a Session.
type Option func(*options)

type options struct {
	debuggerURL string
	httpClient  *http.Client
}

// WithDebuggerURL points the session at a DevTools HTTP endpoint, such as
// http://127.0.0.1:9222.
func WithDebuggerURL(url string) Option {
	return func(o *options) { o.debuggerURL = url }
}

// WithHTTPClient overrides the HTTP client used for target management.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// Session is one DevTools tab. Methods are safe for concurrent use, though
// agent nodes drive a session sequentially in practice.
type Session struct {
	conn     *websocket.Conn
	targetID string

	debuggerURL string
	httpClient  *http.Client

	nextID  atomic.Int64
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan cdpResponse

	closeOnce sync.Once
	closed    chan struct{}
}

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *cdpError       `json:"error"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type targetInfo struct {
	ID                   string `json:"id"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// New opens a fresh tab and attaches to it.
func New(ctx context.Context, opts ...Option) (*Session, error) {
	options := options{
		debuggerURL: defaultDebuggerURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(&options)
	}

	target, err := createTarget(ctx, options.httpClient, options.debuggerURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to browser tab: %w", err)
	}

	s := &Session{
		conn:        conn,
		targetID:    target.ID,
		debuggerURL: options.debuggerURL,
		httpClient:  options.httpClient,
		pending:     make(map[int64]chan cdpResponse),
		closed:      make(chan struct{}),
	}
	go s.readLoop()

	if _, err := s.call(ctx, "Page.enable", nil); err != nil {
		_ = s.Close()
		return nil, err
	}
	if _, err := s.call(ctx, "Runtime.enable", nil); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func createTarget(ctx context.Context, client *http.Client, debuggerURL string) (*targetInfo, error) {
	url := strings.TrimSuffix(debuggerURL, "/") + "/json/new?about:blank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach browser debugger at %s: %w", debuggerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("browser debugger returned status %d", resp.StatusCode)
	}
	var target targetInfo
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("failed to decode target info: %w", err)
	}
	if target.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("browser debugger returned no websocket url")
	}
	return &target, nil
}

// readLoop dispatches command responses to their waiters. Protocol events
// without an id are dropped.
func (s *Session) readLoop() {
	for {
		var resp cdpResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			s.failPending(err)
			return
		}
		if resp.ID == 0 {
			continue
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[resp.ID]
		delete(s.pending, resp.ID)
		s.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (s *Session) failPending(err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	select {
	case <-s.closed:
	default:
		log.Debugf("browser connection closed: %v", err)
	}
}

// call sends one protocol command and waits for its response.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	id := s.nextID.Add(1)
	ch := make(chan cdpResponse, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(cdpRequest{ID: id, Method: method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("browser connection lost during %s", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return nil, fmt.Errorf("%s timed out: %w", method, ctx.Err())
	}
}

// evaluate runs a JavaScript expression in the page and returns its value.
func (s *Session) evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	result, err := s.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode evaluate result: %w", err)
	}
	if parsed.ExceptionDetails != nil {
		return nil, fmt.Errorf("page script failed: %s", parsed.ExceptionDetails.Text)
	}
	return parsed.Result.Value, nil
}

// Navigate loads a URL and waits for the document to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if _, err := s.call(ctx, "Page.navigate", map[string]any{"url": url}); err != nil {
		return err
	}
	return s.waitReady(ctx)
}

// waitReady polls document.readyState until the page settles.
func (s *Session) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(callTimeout)
	for time.Now().Before(deadline) {
		value, err := s.evaluate(ctx, "document.readyState")
		if err == nil {
			var state string
			if json.Unmarshal(value, &state) == nil && (state == "interactive" || state == "complete") {
				return nil
			}
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("page did not become ready")
}

// Click clicks the first element matching a CSS selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.click();
		return true;
	})()`, jsString(selector))
	return s.boolAction(ctx, expr, "click", selector)
}

// Type focuses the first element matching a CSS selector and sets its value,
// firing input events so frameworks notice.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		el.value = %s;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	})()`, jsString(selector), jsString(text))
	return s.boolAction(ctx, expr, "type into", selector)
}

func (s *Session) boolAction(ctx context.Context, expr, action, selector string) error {
	value, err := s.evaluate(ctx, expr)
	if err != nil {
		return err
	}
	var ok bool
	if err := json.Unmarshal(value, &ok); err != nil || !ok {
		return fmt.Errorf("no element matches selector %q to %s", selector, action)
	}
	return nil
}

// Text returns the visible text of the first element matching a CSS
// selector, or the whole page body when selector is empty.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	var expr string
	if selector == "" {
		expr = "document.body ? document.body.innerText : ''"
	} else {
		expr = fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			return el ? el.innerText : null;
		})()`, jsString(selector))
	}
	value, err := s.evaluate(ctx, expr)
	if err != nil {
		return "", err
	}
	if string(value) == "null" || len(value) == 0 {
		return "", fmt.Errorf("no element matches selector %q", selector)
	}
	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		return "", fmt.Errorf("failed to decode page text: %w", err)
	}
	return text, nil
}

// URL returns the page's current location.
func (s *Session) URL(ctx context.Context) (string, error) {
	value, err := s.evaluate(ctx, "window.location.href")
	if err != nil {
		return "", err
	}
	var url string
	if err := json.Unmarshal(value, &url); err != nil {
		return "", err
	}
	return url, nil
}

// Screenshot captures the page as base64-encoded PNG data.
func (s *Session) Screenshot(ctx context.Context) (string, error) {
	result, err := s.call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return parsed.Data, nil
}

// Close detaches from the tab and asks the browser to close it.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.targetID != "" {
			url := strings.TrimSuffix(s.debuggerURL, "/") + "/json/close/" + s.targetID
			if req, reqErr := http.NewRequest(http.MethodGet, url, nil); reqErr == nil {
				if resp, doErr := s.httpClient.Do(req); doErr == nil {
					resp.Body.Close()
				}
			}
		}
		err = s.conn.Close()
	})
	return err
}

// jsString encodes a Go string as a JavaScript string literal.
func jsString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
