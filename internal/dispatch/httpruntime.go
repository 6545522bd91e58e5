package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
	"github.com/ansible-dev/ansible/internal/common/logger"
)

const (
	defaultRuntimeTimeout = 60 * time.Second
	maxReplyBody          = 1 << 20
)

// HTTPRuntime delivers envelopes by POSTing them to the host agent
// loop's callback URL. A 2xx response means the item was accepted;
// its body, when present, is the agent's reply as {"text": ...}.
type HTTPRuntime struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

// NewHTTPRuntime builds the runtime client for the configured callback.
func NewHTTPRuntime(url string, timeout time.Duration, log *logger.Logger) *HTTPRuntime {
	if timeout <= 0 {
		timeout = defaultRuntimeTimeout
	}
	return &HTTPRuntime{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log.WithFields(zap.String("component", "runtime")),
	}
}

// Deliver posts the envelope and decodes the reply. Transport errors
// and non-2xx statuses come back as dispatch_failed so the dispatcher
// retries them.
func (h *HTTPRuntime) Deliver(ctx context.Context, env Envelope) (Reply, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Reply{}, apperrors.DispatchFailed("encode envelope", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, apperrors.DispatchFailed("build runtime request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Reply{}, apperrors.DispatchFailed("runtime request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reply{}, apperrors.DispatchFailed(
			fmt.Sprintf("runtime returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		h.log.Warn("Failed to read runtime reply body", zap.Error(err))
		return Reply{}, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Reply{}, nil
	}
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		// The item was accepted; a malformed reply only loses the
		// reply, not the delivery.
		h.log.Warn("Malformed runtime reply", zap.Error(err))
		return Reply{}, nil
	}
	return reply, nil
}
