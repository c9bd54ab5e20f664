package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/shellgate/pkg/console"
	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/remote"
	"github.com/odvcencio/shellgate/pkg/risk"
)

type fakeExecutor struct {
	mu       sync.Mutex
	commands []string
	err      error
}

func (f *fakeExecutor) Execute(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, command)
	return nil
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func newTestGateway(t *testing.T, opts ...Option) (*Gateway, *fakeExecutor, *console.Buffer) {
	t.Helper()
	exec := &fakeExecutor{}
	buffer := console.NewBuffer(100)
	return New("sess-1", exec, buffer, opts...), exec, buffer
}

func TestSubmitLowTierExecutesImmediately(t *testing.T) {
	g, exec, _ := newTestGateway(t)

	result, err := g.Submit(context.Background(), "ls -la")
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	assert.Nil(t, result.Pending)
	assert.Equal(t, []string{"ls -la"}, exec.executed())
	assert.Equal(t, StateIdle, g.State())
}

func TestSubmitHighTierHoldsForApproval(t *testing.T) {
	g, exec, _ := newTestGateway(t)

	result, err := g.Submit(context.Background(), "rm -rf ./build")
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	require.NotNil(t, result.Pending)
	assert.Equal(t, risk.TierHigh, result.Pending.Tier)
	assert.Equal(t, "rm -rf ./build", result.Pending.Text)
	assert.Empty(t, exec.executed(), "held command must not execute")
	assert.Equal(t, StatePending, g.State())
}

func TestHoldRejectsSubmissions(t *testing.T) {
	g, exec, _ := newTestGateway(t)

	require.NoError(t, g.Hold())
	assert.True(t, g.Busy())

	_, err := g.Submit(context.Background(), "ls -la")
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeApprovalPending))
	assert.Empty(t, exec.executed(), "held gateway must not execute anything")

	_, err = g.SubmitRemote(context.Background(), remoteCmd())
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeApprovalPending))

	g.Release()
	assert.False(t, g.Busy())
	result, err := g.Submit(context.Background(), "ls -la")
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	assert.Equal(t, []string{"ls -la"}, exec.executed())
}

func TestHoldRejectedWhilePending(t *testing.T) {
	g, _, _ := newTestGateway(t)

	_, err := g.Submit(context.Background(), "rm -rf ./build")
	require.NoError(t, err)

	err = g.Hold()
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeApprovalPending))
}

func TestSubmitRejectedWhilePending(t *testing.T) {
	g, exec, _ := newTestGateway(t)

	_, err := g.Submit(context.Background(), "rm -rf ./build")
	require.NoError(t, err)

	_, err = g.Submit(context.Background(), "echo hello")
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeApprovalPending))
	assert.Empty(t, exec.executed(), "rejected submission must have no side effects")

	// The original pending command is untouched.
	pending := g.Pending()
	require.NotNil(t, pending)
	assert.Equal(t, "rm -rf ./build", pending.Text)
}

func TestConfirmExecutesExactOriginalText(t *testing.T) {
	g, exec, _ := newTestGateway(t)

	_, err := g.Submit(context.Background(), "sudo rm -rf /var/cache/old  ")
	require.NoError(t, err)

	status, err := g.Confirm(context.Background(), DecisionOpts{})
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.Equal(t, []string{"sudo rm -rf /var/cache/old  "}, exec.executed())
	assert.Equal(t, StateIdle, g.State())
}

func TestCancelDiscardsWithoutSending(t *testing.T) {
	discarded := false
	g, exec, _ := newTestGateway(t, WithDiscardHook(func() { discarded = true }))

	_, err := g.Submit(context.Background(), "rm -rf ./build")
	require.NoError(t, err)

	require.NoError(t, g.Cancel(context.Background(), DecisionOpts{}))
	assert.Empty(t, exec.executed())
	assert.True(t, discarded)
	assert.Equal(t, StateIdle, g.State())

	// Submission is possible again.
	_, err = g.Submit(context.Background(), "echo ok")
	require.NoError(t, err)
}

func TestConfirmWithoutPendingFails(t *testing.T) {
	g, _, _ := newTestGateway(t)

	_, err := g.Confirm(context.Background(), DecisionOpts{})
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeInvalidState))

	err = g.Cancel(context.Background(), DecisionOpts{})
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeInvalidState))
}

func TestEmptySubmitRejected(t *testing.T) {
	g, _, _ := newTestGateway(t)

	_, err := g.Submit(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeInvalidInput))
}

type approvalServer struct {
	mu        sync.Mutex
	decisions []remote.Decision
	statuses  []remote.CommandStatus
	failNext  int
}

func (s *approvalServer) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/sessions/{sessionID}/approve", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failNext > 0 {
			s.failNext--
			http.Error(w, "backend unavailable", http.StatusInternalServerError)
			return
		}
		var d remote.Decision
		if err := json.NewDecoder(req.Body).Decode(&d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.decisions = append(s.decisions, d)
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/commands/{commandID}", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		status := remote.CommandStatus{State: remote.CommandRunning}
		if len(s.statuses) > 0 {
			status = s.statuses[0]
			if len(s.statuses) > 1 {
				s.statuses = s.statuses[1:]
			}
		}
		_ = json.NewEncoder(w).Encode(status)
	})
	return r
}

func (s *approvalServer) recordedDecisions() []remote.Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Decision(nil), s.decisions...)
}

func newRemoteGateway(t *testing.T, srv *approvalServer, clientOpts ...remote.Option) (*Gateway, *fakeExecutor, *console.Buffer) {
	t.Helper()
	ts := httptest.NewServer(srv.router())
	t.Cleanup(ts.Close)

	opts := append([]remote.Option{remote.WithPollInterval(5 * time.Millisecond)}, clientOpts...)
	client, err := remote.New(ts.URL, opts...)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	buffer := console.NewBuffer(100)
	return New("sess-1", exec, buffer, WithRemote(client)), exec, buffer
}

func remoteCmd() RemoteCommand {
	return RemoteCommand{
		ID:               "cmd-42",
		Text:             "rm -rf /opt/stale",
		Tier:             risk.TierHigh,
		Reasons:          []string{"recursive force delete"},
		RequiresApproval: true,
	}
}

func TestRemoteConfirmReportsDecisionAndPolls(t *testing.T) {
	srv := &approvalServer{statuses: []remote.CommandStatus{
		{State: remote.CommandRunning},
		{State: remote.CommandCompleted, Output: "done\nall clean", ReturnCode: 0},
	}}
	g, exec, buffer := newRemoteGateway(t, srv)

	_, err := g.SubmitRemote(context.Background(), remoteCmd())
	require.NoError(t, err)

	status, err := g.Confirm(context.Background(), DecisionOpts{Comment: "approved by ops", AutoApproveFuture: true})
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, remote.CommandCompleted, status.State)

	decisions := srv.recordedDecisions()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Approved)
	assert.Equal(t, "approved by ops", decisions[0].Comment)
	assert.True(t, decisions[0].AutoApproveFuture)

	// Remote execution: nothing runs through the local executor, but the
	// command line and output land in the buffer.
	assert.Empty(t, exec.executed())
	var contents []string
	for _, line := range buffer.Lines() {
		contents = append(contents, line.Content)
	}
	assert.Contains(t, contents, "rm -rf /opt/stale")
	assert.Contains(t, contents, "done")
	assert.Contains(t, contents, "all clean")
	assert.Equal(t, StateIdle, g.State())
}

func TestRemoteConfirmFailureKeepsPending(t *testing.T) {
	srv := &approvalServer{failNext: 1}
	g, _, _ := newRemoteGateway(t, srv)

	_, err := g.SubmitRemote(context.Background(), remoteCmd())
	require.NoError(t, err)

	_, err = g.Confirm(context.Background(), DecisionOpts{})
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodeRemoteDecision))
	assert.Equal(t, StatePending, g.State(), "failed decision report must leave the command pending")

	// Retry succeeds once the backend recovers.
	srv.mu.Lock()
	srv.statuses = []remote.CommandStatus{{State: remote.CommandCompleted}}
	srv.mu.Unlock()
	_, err = g.Confirm(context.Background(), DecisionOpts{})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, g.State())
}

func TestRemoteDenialRendersSystemLine(t *testing.T) {
	srv := &approvalServer{statuses: []remote.CommandStatus{{State: remote.CommandDenied}}}
	g, _, buffer := newRemoteGateway(t, srv)

	_, err := g.SubmitRemote(context.Background(), remoteCmd())
	require.NoError(t, err)

	status, err := g.Confirm(context.Background(), DecisionOpts{})
	require.NoError(t, err)
	assert.Equal(t, remote.CommandDenied, status.State)

	lines := buffer.Lines()
	last := lines[len(lines)-1]
	assert.Equal(t, console.KindSystem, last.Kind)
	assert.Equal(t, "command denied by remote policy", last.Content)
}

func TestRemotePollTimeoutIsDistinctFromFailure(t *testing.T) {
	srv := &approvalServer{} // always reports running
	g, _, _ := newRemoteGateway(t, srv, remote.WithMaxAttempts(3))

	_, err := g.SubmitRemote(context.Background(), remoteCmd())
	require.NoError(t, err)

	_, err = g.Confirm(context.Background(), DecisionOpts{})
	require.Error(t, err)
	assert.True(t, sgerrors.IsCode(err, sgerrors.ErrCodePollTimeout))
	// The decision itself succeeded, so nothing is pending anymore.
	assert.Equal(t, StateIdle, g.State())
}

func TestRemoteCancelReportsDenial(t *testing.T) {
	srv := &approvalServer{}
	g, exec, _ := newRemoteGateway(t, srv)

	_, err := g.SubmitRemote(context.Background(), remoteCmd())
	require.NoError(t, err)

	require.NoError(t, g.Cancel(context.Background(), DecisionOpts{Comment: "too risky"}))
	decisions := srv.recordedDecisions()
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Approved)
	assert.Equal(t, "too risky", decisions[0].Comment)
	assert.Empty(t, exec.executed())
	assert.Equal(t, StateIdle, g.State())
}

func TestSubmitRemoteWithoutApprovalPassesThrough(t *testing.T) {
	srv := &approvalServer{}
	g, _, _ := newRemoteGateway(t, srv)

	cmd := remoteCmd()
	cmd.RequiresApproval = false
	result, err := g.SubmitRemote(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	assert.Equal(t, StateIdle, g.State())
}
