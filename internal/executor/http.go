package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"skytask/internal/model"
	logx "skytask/pkg/logx"
)

const maxResponseBody = 1 << 20

// HTTP POSTs the dispatch request as JSON to the handler URL.
type HTTP struct {
	client *http.Client
	log    logx.Logger
}

// NewHTTP uses client, or a client without its own timeout when nil;
// the dispatch context carries the deadline.
func NewHTTP(client *http.Client, log logx.Logger) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTP{client: client, log: log.With(logx.String("executor", "http"))}
}

func (h *HTTP) Kind() model.ExecutorKind { return model.ExecutorHTTP }

// Supports accepts URLs and scheme-less host[:port]/path handlers.
func (h *HTTP) Supports(handler string) bool {
	handler = strings.TrimSpace(handler)
	if handler == "" {
		return false
	}
	return strings.HasPrefix(handler, "http://") || strings.HasPrefix(handler, "https://") ||
		!strings.Contains(handler, ":") || strings.Contains(handler, ".")
}

type httpBody struct {
	InstanceID     string         `json:"instanceId"`
	Operator       string         `json:"operator"`
	Parameters     map[string]any `json:"parameters"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	Attempt        int            `json:"attempt"`
}

func (h *HTTP) Execute(ctx context.Context, handler string, req model.DispatchRequest) (model.ExecutionResult, error) {
	url := strings.TrimSpace(handler)
	if url == "" {
		return failed(req, "HTTP handler URL cannot be empty"), nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}

	payload, err := json.Marshal(httpBody{
		InstanceID:     req.InstanceID,
		Operator:       req.Operator,
		Parameters:     req.Parameters,
		TimeoutSeconds: req.TimeoutSeconds,
		Attempt:        req.Attempt,
	})
	if err != nil {
		return failed(req, "HTTP execution failed: "+err.Error()), nil
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return failed(req, "HTTP execution failed: "+err.Error()), nil
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-SkyTask-Tenant", req.TenantCode)
	hreq.Header.Set("X-SkyTask-Instance-Id", req.InstanceID)

	start := time.Now()
	resp, err := h.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return model.ExecutionResult{}, ctx.Err()
		}
		h.log.Warn("http task connection failed", logx.String("url", url), logx.String("instance", req.InstanceID), logx.Err(err))
		return failed(req, "Connection failed: "+err.Error()), nil
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && ctx.Err() != nil {
		return model.ExecutionResult{}, ctx.Err()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.log.Warn("http task returned non-2xx", logx.String("url", url), logx.Int("status", resp.StatusCode))
		return failed(req, fmt.Sprintf("HTTP request failed with status: %d", resp.StatusCode)), nil
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return succeeded(req, "HTTP execution completed (empty response)"), nil
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		// A 2xx with a non-JSON body still counts as success.
		return succeeded(req, "HTTP execution completed"), nil
	}
	res := model.ExecutionResult{
		InstanceID: req.InstanceID,
		Status:     model.InstanceStatus(strings.ToUpper(stringField(body, "status", string(model.StatusSuccess)))),
		Message:    stringField(body, "message", "HTTP execution completed"),
		Attempt:    req.Attempt,
	}
	if id, err := strconv.ParseInt(stringField(body, "taskId", ""), 10, 64); err == nil {
		res.TaskID = id
	}
	h.log.Debug("http task executed", logx.String("url", url), logx.String("status", string(res.Status)), logx.Duration("took", time.Since(start)))
	return res, nil
}

func stringField(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
