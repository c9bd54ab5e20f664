// Package gate decides whether a submitted command runs immediately or
// is held for explicit approval. Low and moderate commands pass straight
// through; high and critical commands become the session's single
// pending command until the user confirms or cancels.
package gate

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/shellgate/pkg/console"
	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/logging"
	"github.com/odvcencio/shellgate/pkg/remote"
	"github.com/odvcencio/shellgate/pkg/risk"
	"github.com/odvcencio/shellgate/pkg/telemetry"
)

// State is the gateway's approval state.
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pendingApproval"
)

// Executor runs an admitted command. *shell.Manager satisfies this.
type Executor interface {
	Execute(command string) error
}

// PendingCommand is a command held for approval. At most one exists per
// session at any time.
type PendingCommand struct {
	Text        string
	Tier        risk.Tier
	Reasons     []string
	Remote      bool
	CommandID   string
	SubmittedAt time.Time
}

// RemoteCommand is a command proposed by the remote authority together
// with its server-side gating metadata.
type RemoteCommand struct {
	ID               string
	Text             string
	Tier             risk.Tier
	Reasons          []string
	RequiresApproval bool
}

// SubmitResult reports what Submit did with a command.
type SubmitResult struct {
	// Admitted is true when the command was executed without gating.
	Admitted   bool
	Pending    *PendingCommand
	Assessment risk.Assessment
}

// DecisionOpts carries the optional fields of an approval decision. They
// are forwarded on the remote path and ignored locally.
type DecisionOpts struct {
	Comment            string
	AutoApproveFuture  bool
	RememberForProject bool
}

// Gateway gates command admission for one session.
type Gateway struct {
	mu       sync.Mutex
	pending  *PendingCommand
	deciding bool
	// held reserves the gateway for an automation step that is suspended
	// on its own confirmation, without installing a pending command.
	held bool

	sessionID string
	exec      Executor
	buffer    *console.Buffer
	remote    *remote.Client
	logger    *logging.Logger
	onDiscard func()
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRemote attaches the approval-authority client used for remotely
// gated commands.
func WithRemote(client *remote.Client) Option {
	return func(g *Gateway) { g.remote = client }
}

// WithLogger sets the structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithDiscardHook registers a callback invoked when a pending command is
// cancelled, typically to clear the input line.
func WithDiscardHook(fn func()) Option {
	return func(g *Gateway) { g.onDiscard = fn }
}

// New creates a gateway for a session.
func New(sessionID string, exec Executor, buffer *console.Buffer, opts ...Option) *Gateway {
	g := &Gateway{
		sessionID: sessionID,
		exec:      exec,
		buffer:    buffer,
		logger:    logging.Discard(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the gateway's current approval state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return StatePending
	}
	return StateIdle
}

// Pending returns a copy of the held command, or nil.
func (g *Gateway) Pending() *PendingCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil
	}
	p := *g.pending
	p.Reasons = append([]string(nil), g.pending.Reasons...)
	return &p
}

// Busy reports whether a decision is outstanding or the gateway is held
// by an automation step. Command submission and workflow advancement are
// disabled while true.
func (g *Gateway) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil || g.held
}

// Hold reserves the gateway while an automation step awaits its own
// confirmation. Interactive submissions are rejected until Release, the
// same way they are while a command is pending.
func (g *Gateway) Hold() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return sgerrors.New(sgerrors.ErrCodeApprovalPending, "a command is already awaiting approval")
	}
	if g.held {
		return sgerrors.New(sgerrors.ErrCodeInvalidState, "gateway already held")
	}
	g.held = true
	return nil
}

// Release ends a Hold.
func (g *Gateway) Release() {
	g.mu.Lock()
	g.held = false
	g.mu.Unlock()
}

// Submit classifies a typed command and either executes it or holds it
// for approval. While a command is already pending, further submissions
// are rejected with no side effects.
func (g *Gateway) Submit(ctx context.Context, command string) (*SubmitResult, error) {
	command = strings.TrimRight(command, "\n")
	if strings.TrimSpace(command) == "" {
		return nil, sgerrors.New(sgerrors.ErrCodeInvalidInput, "empty command")
	}

	assessment := risk.Classify(command)
	telemetry.CommandsClassified.WithLabelValues(string(assessment.Tier)).Inc()

	_, span := telemetry.StartSpan(ctx, "gate.submit", trace.WithAttributes(
		telemetry.AttrSessionID.String(g.sessionID),
		telemetry.AttrTier.String(string(assessment.Tier)),
	))
	defer span.End()

	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return nil, sgerrors.New(sgerrors.ErrCodeApprovalPending, "a command is already awaiting approval").
			WithUserMessage("Resolve the pending command first.")
	}
	if g.held {
		g.mu.Unlock()
		return nil, sgerrors.New(sgerrors.ErrCodeApprovalPending, "a workflow step is awaiting confirmation").
			WithUserMessage("Resolve the workflow step first.")
	}

	if !assessment.Tier.RequiresApproval() {
		g.mu.Unlock()
		if err := g.exec.Execute(command); err != nil {
			return nil, err
		}
		g.logger.Info(logging.CategoryApproval, "admitted", "command admitted without approval", map[string]any{
			"tier": string(assessment.Tier),
		})
		return &SubmitResult{Admitted: true, Assessment: assessment}, nil
	}

	g.pending = &PendingCommand{
		Text:        command,
		Tier:        assessment.Tier,
		Reasons:     assessment.Reasons,
		SubmittedAt: time.Now(),
	}
	pending := *g.pending
	g.mu.Unlock()

	g.logger.Info(logging.CategoryApproval, "held", "command held for approval", map[string]any{
		"tier":    string(assessment.Tier),
		"reasons": assessment.Reasons,
	})
	return &SubmitResult{Pending: &pending, Assessment: assessment}, nil
}

// SubmitRemote installs a command proposed by the remote authority. When
// the metadata says no approval is needed the command proceeds remotely
// and nothing is held locally.
func (g *Gateway) SubmitRemote(ctx context.Context, cmd RemoteCommand) (*SubmitResult, error) {
	if cmd.ID == "" || strings.TrimSpace(cmd.Text) == "" {
		return nil, sgerrors.New(sgerrors.ErrCodeInvalidInput, "remote command missing id or text")
	}

	_, span := telemetry.StartSpan(ctx, "gate.submit_remote", trace.WithAttributes(
		telemetry.AttrSessionID.String(g.sessionID),
		telemetry.AttrCommandID.String(cmd.ID),
		telemetry.AttrTier.String(string(cmd.Tier)),
	))
	defer span.End()

	if !cmd.RequiresApproval {
		return &SubmitResult{Admitted: true, Assessment: risk.Assessment{Tier: cmd.Tier, Reasons: cmd.Reasons}}, nil
	}

	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return nil, sgerrors.New(sgerrors.ErrCodeApprovalPending, "a command is already awaiting approval")
	}
	if g.held {
		g.mu.Unlock()
		return nil, sgerrors.New(sgerrors.ErrCodeApprovalPending, "a workflow step is awaiting confirmation")
	}
	g.pending = &PendingCommand{
		Text:        cmd.Text,
		Tier:        cmd.Tier,
		Reasons:     cmd.Reasons,
		Remote:      true,
		CommandID:   cmd.ID,
		SubmittedAt: time.Now(),
	}
	pending := *g.pending
	g.mu.Unlock()

	g.logger.Info(logging.CategoryApproval, "held_remote", "remote command held for approval", map[string]any{
		"command_id": cmd.ID,
		"tier":       string(cmd.Tier),
	})
	return &SubmitResult{Pending: &pending}, nil
}

// Confirm approves the pending command. Locally gated commands execute
// with their exact original text. Remotely gated commands report the
// decision upstream, echo the command line, and poll for the remote
// outcome; if the decision report fails, the command stays pending so
// the user can retry.
//
// The returned status is non-nil only on the remote path.
func (g *Gateway) Confirm(ctx context.Context, opts DecisionOpts) (*remote.CommandStatus, error) {
	pending, err := g.beginDecision()
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSpan(ctx, "gate.confirm", trace.WithAttributes(
		telemetry.AttrSessionID.String(g.sessionID),
		telemetry.AttrTier.String(string(pending.Tier)),
		telemetry.AttrDecision.String("approved"),
	))
	defer span.End()

	if !pending.Remote {
		g.clearPending()
		if err := g.exec.Execute(pending.Text); err != nil {
			telemetry.RecordError(ctx, err)
			return nil, err
		}
		telemetry.ApprovalsDecided.WithLabelValues("approved").Inc()
		g.logger.Info(logging.CategoryApproval, "approved", "pending command approved and executed", map[string]any{
			"tier": string(pending.Tier),
		})
		return nil, nil
	}

	if g.remote == nil {
		g.endDecision()
		return nil, sgerrors.New(sgerrors.ErrCodeInvalidState, "no remote authority configured")
	}

	decision := remote.Decision{
		Approved:           true,
		Comment:            opts.Comment,
		AutoApproveFuture:  opts.AutoApproveFuture,
		RememberForProject: opts.RememberForProject,
	}
	if err := g.remote.Approve(ctx, g.sessionID, decision); err != nil {
		telemetry.RecordError(ctx, err)
		g.endDecision()
		return nil, err
	}

	g.clearPending()
	telemetry.ApprovalsDecided.WithLabelValues("approved").Inc()
	g.buffer.Append(pending.Text, console.KindCommand)
	g.logger.Info(logging.CategoryApproval, "approved_remote", "remote command approved", map[string]any{
		"command_id": pending.CommandID,
	})

	status, err := g.remote.AwaitCommand(ctx, pending.CommandID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		if sgerrors.IsCode(err, sgerrors.ErrCodePollTimeout) {
			g.buffer.Append("remote command still running - result not yet available", console.KindSystem)
		}
		return nil, err
	}

	g.renderRemoteOutcome(status)
	return status, nil
}

// Cancel discards the pending command. Nothing is echoed and nothing is
// sent to the shell; on the remote path the denial is reported upstream
// first, and a report failure keeps the command pending.
func (g *Gateway) Cancel(ctx context.Context, opts DecisionOpts) error {
	pending, err := g.beginDecision()
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartSpan(ctx, "gate.cancel", trace.WithAttributes(
		telemetry.AttrSessionID.String(g.sessionID),
		telemetry.AttrDecision.String("cancelled"),
	))
	defer span.End()

	if pending.Remote {
		if g.remote == nil {
			g.endDecision()
			return sgerrors.New(sgerrors.ErrCodeInvalidState, "no remote authority configured")
		}
		decision := remote.Decision{Approved: false, Comment: opts.Comment}
		if err := g.remote.Approve(ctx, g.sessionID, decision); err != nil {
			telemetry.RecordError(ctx, err)
			g.endDecision()
			return err
		}
	}

	g.clearPending()
	if g.onDiscard != nil {
		g.onDiscard()
	}
	telemetry.ApprovalsDecided.WithLabelValues("cancelled").Inc()
	g.logger.Info(logging.CategoryApproval, "cancelled", "pending command discarded", map[string]any{
		"tier":   string(pending.Tier),
		"remote": pending.Remote,
	})
	return nil
}

// beginDecision claims the pending command for a confirm or cancel. The
// command stays installed (still blocking new submissions) until the
// decision settles.
func (g *Gateway) beginDecision() (PendingCommand, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return PendingCommand{}, sgerrors.New(sgerrors.ErrCodeInvalidState, "no command awaiting approval")
	}
	if g.deciding {
		return PendingCommand{}, sgerrors.New(sgerrors.ErrCodeInvalidState, "a decision is already in flight")
	}
	g.deciding = true
	return *g.pending, nil
}

func (g *Gateway) endDecision() {
	g.mu.Lock()
	g.deciding = false
	g.mu.Unlock()
}

func (g *Gateway) clearPending() {
	g.mu.Lock()
	g.pending = nil
	g.deciding = false
	g.mu.Unlock()
}

// renderRemoteOutcome appends the remote command's result to the buffer.
func (g *Gateway) renderRemoteOutcome(status *remote.CommandStatus) {
	switch status.State {
	case remote.CommandCompleted, remote.CommandFailed:
		for _, line := range splitLines(status.Output) {
			g.buffer.Append(line, console.KindOutput)
		}
		for _, line := range splitLines(status.Stderr) {
			g.buffer.Append(line, console.KindError)
		}
		if status.State == remote.CommandFailed {
			g.buffer.Append("command failed with exit code "+strconv.Itoa(status.ReturnCode), console.KindSystem)
		}
	case remote.CommandDenied:
		g.buffer.Append("command denied by remote policy", console.KindSystem)
	}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
