package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Ramazan2220/warmq/internal/config"
	"github.com/Ramazan2220/warmq/internal/model"
)

const maxResponseBody = 1 << 20

// HTTPExecutor delegates the actual session to an external engine over a
// single POST. The engine owns device fingerprints, pacing and the platform
// protocol; this process only schedules and records.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
}

func NewHTTPExecutor(cfg config.ExecutorConfig) *HTTPExecutor {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPExecutor{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *HTTPExecutor) Name() string { return "http" }

type sessionRequest struct {
	AccountID int64          `json:"account_id"`
	Settings  model.Settings `json:"settings"`
}

// Run posts the session request and folds the engine's reply into a
// SessionResult. A reply with "success": false is a session failure even
// on HTTP 200; the scheduler treats both transport and session failures
// the same way.
func (e *HTTPExecutor) Run(ctx context.Context, accountID int64, settings model.Settings) (*model.SessionResult, error) {
	if e.endpoint == "" {
		return nil, errors.New("executor: endpoint not configured")
	}
	body, err := json.Marshal(sessionRequest{AccountID: accountID, Settings: settings})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: session request %s: %w", classifyNetError(ctx, err), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("executor: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("executor: engine returned %d: %s", resp.StatusCode, excerpt(raw))
	}
	return parseSessionReply(raw)
}

func parseSessionReply(raw []byte) (*model.SessionResult, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("executor: malformed engine reply: %s", excerpt(raw))
	}
	doc := gjson.ParseBytes(raw)

	result := &model.SessionResult{}
	if actions := doc.Get("actions_performed"); actions.IsObject() {
		result.ActionsPerformed = map[string]int{}
		actions.ForEach(func(k, v gjson.Result) bool {
			result.ActionsPerformed[k.String()] = int(v.Int())
			return true
		})
	}
	if errs := doc.Get("errors"); errs.IsArray() {
		for _, item := range errs.Array() {
			result.Errors = append(result.Errors, item.String())
		}
	}
	if meta := doc.Get("session_metadata"); meta.IsObject() {
		result.SessionMetadata = map[string]string{}
		meta.ForEach(func(k, v gjson.Result) bool {
			result.SessionMetadata[k.String()] = v.String()
			return true
		})
	}

	if success := doc.Get("success"); success.Exists() && !success.Bool() {
		msg := doc.Get("error").String()
		if msg == "" && len(result.Errors) > 0 {
			msg = result.Errors[0]
		}
		if msg == "" {
			msg = "session reported failure"
		}
		return result, errors.New(msg)
	}
	return result, nil
}

// classifyNetError folds transport failures into stable categories. The
// category ends up in the persisted task error, so it must not carry
// addresses or other per-attempt noise.
func classifyNetError(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "request_timeout"
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return "canceled"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED):
			return "connection_refused"
		case errors.Is(opErr.Err, syscall.ETIMEDOUT):
			return "connect_timeout"
		case errors.Is(opErr.Err, syscall.ENETUNREACH):
			return "network_unreachable"
		case errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return "host_unreachable"
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request_timeout"
	}
	return "network_error"
}

func excerpt(raw []byte) string {
	const n = 200
	if len(raw) > n {
		return string(raw[:n]) + "..."
	}
	return string(raw)
}
