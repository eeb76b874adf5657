package task

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360/hubstream/errors"
	"github.com/c360/hubstream/pkg/retry"
)

// commandPath maps a command type to its endpoint segment.
var commandPath = map[CommandType]string{
	CommandRestart:     "restart",
	CommandSerialWrite: "serial-write",
	CommandFlash:       "flash",
	CommandClose:       "close",
}

// Client submits device commands over the companion HTTP API. It implements
// Submitter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	backoff    retry.Config
	logger     *slog.Logger
}

// NewClient creates a command client for the given base URL. requestTimeout
// bounds each POST; zero means 10s. Transport failures and 5xx responses are
// retried with short backoff; 4xx rejections are returned immediately.
func NewClient(baseURL string, requestTimeout time.Duration, logger *slog.Logger) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		backoff: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		logger: logger,
	}
}

// Submit POSTs the command to its endpoint and decodes the acknowledgement.
func (c *Client) Submit(ctx context.Context, cmd Command) (*SubmitResponse, error) {
	segment, ok := commandPath[cmd.Type]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown command type %q", cmd.Type),
			"Client", "Submit", "resolve endpoint")
	}

	endpoint := fmt.Sprintf("%s/hubs/%s/ports/%s/%s",
		c.baseURL, url.PathEscape(cmd.HubID), url.PathEscape(cmd.PortID), segment)

	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Submit", "encode command")
	}

	return retry.DoWithResult(ctx, c.backoff, func() (*SubmitResponse, error) {
		return c.post(ctx, cmd, endpoint, segment, body)
	})
}

// post performs one dispatch attempt. Outcomes the retry loop must not repeat
// are wrapped with retry.NonRetryable.
func (c *Client) post(ctx context.Context, cmd Command, endpoint, segment string, body []byte) (*SubmitResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.NonRetryable(errors.WrapInvalid(err, "Client", "Submit", "build request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Submit",
			fmt.Sprintf("POST %s", endpoint))
	}
	defer resp.Body.Close()

	// Cap the read: acknowledgements are small, error bodies can be anything.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Submit", "read response")
	}

	if resp.StatusCode >= 500 {
		return nil, errors.WrapTransient(fmt.Errorf("%s returned %d", segment, resp.StatusCode),
			"Client", "Submit", "backend failure")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("command rejected by backend",
			"command", string(cmd.Type), "port_id", cmd.PortID,
			"status_code", resp.StatusCode)
		return nil, retry.NonRetryable(errors.WrapInvalid(errors.ErrTaskRejected, "Client", "Submit",
			fmt.Sprintf("%s returned %d: %s", segment, resp.StatusCode, truncate(payload, 256))))
	}

	var ack SubmitResponse
	if err := json.Unmarshal(payload, &ack); err != nil {
		return nil, retry.NonRetryable(errors.WrapInvalid(err, "Client", "Submit", "decode acknowledgement"))
	}
	if ack.TaskID == "" {
		return nil, retry.NonRetryable(errors.WrapInvalid(fmt.Errorf("acknowledgement has no task_id"),
			"Client", "Submit", "validate acknowledgement"))
	}
	return &ack, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
