// Package remote talks to the backend approval authority: it reports the
// user's decision on a remotely gated command and polls for the command's
// asynchronous completion.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/logging"
	"github.com/odvcencio/shellgate/pkg/telemetry"
)

// CommandState is the remote execution state of a gated command.
type CommandState string

const (
	CommandRunning   CommandState = "running"
	CommandCompleted CommandState = "completed"
	CommandFailed    CommandState = "failed"
	CommandDenied    CommandState = "denied"
)

// Terminal reports whether the state ends the polling loop.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandDenied:
		return true
	}
	return false
}

// Decision is the payload reported back to the approval authority.
type Decision struct {
	Approved           bool   `json:"approved"`
	Comment            string `json:"comment,omitempty"`
	AutoApproveFuture  bool   `json:"autoApproveFuture,omitempty"`
	RememberForProject bool   `json:"rememberForProject,omitempty"`
}

// CommandStatus is the polled state of a remote command.
type CommandStatus struct {
	State      CommandState `json:"state"`
	Output     string       `json:"output,omitempty"`
	Stderr     string       `json:"stderr,omitempty"`
	ReturnCode int          `json:"returnCode"`
}

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 150
	maxErrorBodyBytes   = 4096
)

// Client is an approval-authority API client.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	token       string
	interval    time.Duration
	maxAttempts int
	logger      *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sets the bearer token attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithPollInterval sets the status poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithMaxAttempts bounds the number of status polls before giving up.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the approval authority at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, sgerrors.Wrap(err, sgerrors.ErrCodeInvalidInput, "invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, sgerrors.New(sgerrors.ErrCodeInvalidInput, "base url must be http or https")
	}

	c := &Client{
		baseURL:     u,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		interval:    defaultPollInterval,
		maxAttempts: defaultMaxAttempts,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Approve reports the user's decision for a session's pending command.
func (c *Client) Approve(ctx context.Context, sessionID string, decision Decision) error {
	body, err := json.Marshal(decision)
	if err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeInternal, "marshal decision")
	}

	endpoint := fmt.Sprintf("/sessions/%s/approve", url.PathEscape(sessionID))
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sgerrors.Wrap(err, sgerrors.ErrCodeRemoteDecision, "approve call failed").
			WithRetryable(true).
			WithUserMessage("Could not reach the approval service. Try again.")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail := readBodyLimited(resp.Body, maxErrorBodyBytes)
		return sgerrors.New(sgerrors.ErrCodeRemoteDecision, fmt.Sprintf("approve failed (%s): %s", resp.Status, detail)).
			WithRetryable(resp.StatusCode >= 500).
			WithUserMessage("The approval service rejected the decision.")
	}
	return nil
}

// CommandStatus fetches the current state of a remote command.
func (c *Client) CommandStatus(ctx context.Context, commandID string) (*CommandStatus, error) {
	endpoint := fmt.Sprintf("/commands/%s", url.PathEscape(commandID))
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, sgerrors.Wrap(err, sgerrors.ErrCodeRemoteDecision, "status poll failed").WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail := readBodyLimited(resp.Body, maxErrorBodyBytes)
		return nil, sgerrors.New(sgerrors.ErrCodeRemoteDecision, fmt.Sprintf("status poll failed (%s): %s", resp.Status, detail)).
			WithRetryable(resp.StatusCode >= 500)
	}

	var status CommandStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, sgerrors.Wrap(err, sgerrors.ErrCodeRemoteDecision, "decode status response")
	}
	return &status, nil
}

// AwaitCommand polls the command status at a fixed interval until it
// reaches a terminal state, the attempt budget is exhausted, or ctx is
// cancelled. Exhausting the budget is reported as a distinct poll
// timeout, not as a failure of the command itself.
func (c *Client) AwaitCommand(ctx context.Context, commandID string) (*CommandStatus, error) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		status, err := c.CommandStatus(ctx, commandID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, sgerrors.Wrap(ctx.Err(), sgerrors.ErrCodeRemoteDecision, "poll cancelled")
			}
			// Transient poll errors burn an attempt and retry.
			telemetry.RemotePolls.WithLabelValues("error").Inc()
			c.logger.Warn(logging.CategoryApproval, "poll_failed", "status poll failed, retrying", map[string]any{
				"command_id": commandID,
				"error":      err.Error(),
			})
		} else if status.State.Terminal() {
			telemetry.RemotePolls.WithLabelValues(string(status.State)).Inc()
			return status, nil
		} else {
			telemetry.RemotePolls.WithLabelValues("pending").Inc()
		}

		select {
		case <-ctx.Done():
			return nil, sgerrors.Wrap(ctx.Err(), sgerrors.ErrCodeRemoteDecision, "poll cancelled")
		case <-ticker.C:
		}
	}

	telemetry.RemotePolls.WithLabelValues("timeout").Inc()
	return nil, sgerrors.New(sgerrors.ErrCodePollTimeout, fmt.Sprintf("command %s did not settle within %d polls", commandID, c.maxAttempts)).
		WithUserMessage("Timed out waiting for the remote command to finish.")
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(strings.TrimSuffix(c.baseURL.Path, "/"), endpoint)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, sgerrors.Wrap(err, sgerrors.ErrCodeInternal, "build request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func readBodyLimited(r io.Reader, limit int64) string {
	data, _ := io.ReadAll(io.LimitReader(r, limit))
	return strings.TrimSpace(string(data))
}
