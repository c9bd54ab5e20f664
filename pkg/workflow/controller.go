// Package workflow runs multi-step command sequences through the
// approval gateway. Steps advance automatically; the user can pause,
// resume, skip steps, require per-step confirmation, or take manual
// control at any point. Risk gating is never bypassed: a step the
// gateway holds waits for the same confirm/cancel decision a typed
// command would.
package workflow

import (
	"context"
	"sync"

	sgerrors "github.com/odvcencio/shellgate/pkg/errors"
	"github.com/odvcencio/shellgate/pkg/gate"
	"github.com/odvcencio/shellgate/pkg/logging"
	"github.com/odvcencio/shellgate/pkg/remote"
	"github.com/odvcencio/shellgate/pkg/telemetry"
)

// State is the controller's lifecycle state.
type State string

const (
	StateIdle                     State = "idle"
	StateRunning                  State = "running"
	StatePausedByUser             State = "pausedByUser"
	StateAwaitingStepConfirmation State = "awaitingStepConfirmation"
	StateCompleted                State = "completed"
	StateCancelled                State = "cancelled"
)

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Step is one command in a workflow definition.
type Step struct {
	Command     string `json:"command"`
	Description string `json:"description,omitempty"`
	// RequireConfirmation pauses before this step even when its risk
	// tier would not.
	RequireConfirmation bool `json:"requireConfirmation,omitempty"`
}

// Definition is a named sequence of steps.
type Definition struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// StepOutcome is what happened to a single step.
type StepOutcome string

const (
	OutcomeExecuted StepOutcome = "executed"
	OutcomeSkipped  StepOutcome = "skipped"
	OutcomeFailed   StepOutcome = "failed"
)

// StepResult records one step's outcome.
type StepResult struct {
	Index   int
	Step    Step
	Outcome StepOutcome
	Err     error
}

// Gate is the command admission surface the controller drives.
// *gate.Gateway satisfies this.
type Gate interface {
	Submit(ctx context.Context, command string) (*gate.SubmitResult, error)
	Confirm(ctx context.Context, opts gate.DecisionOpts) (*remote.CommandStatus, error)
	Cancel(ctx context.Context, opts gate.DecisionOpts) error
	Hold() error
	Release()
}

// pendingAction is the user's answer to a suspended step.
type pendingAction int

const (
	actionNone pendingAction = iota
	actionConfirm
	actionSkip
	actionCancel
)

// Controller executes one workflow at a time for a session.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	state State
	def   Definition
	idx   int
	// riskHeld marks that the current suspension is the gateway's risk
	// hold rather than the step's own confirmation flag.
	riskHeld   bool
	executeAll bool
	action     pendingAction
	results    []StepResult

	gateway Gate
	logger  *logging.Logger

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
}

// New creates a workflow controller on top of a gateway.
func New(gateway Gate, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Controller{
		state:   StateIdle,
		gateway: gateway,
		logger:  logger,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentStep returns the index and step the controller is on. The
// boolean is false when no run is active.
func (c *Controller) CurrentStep() (int, Step, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.state.Terminal() || c.idx >= len(c.def.Steps) {
		return 0, Step{}, false
	}
	return c.idx, c.def.Steps[c.idx], true
}

// Results returns the outcomes recorded so far.
func (c *Controller) Results() []StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StepResult(nil), c.results...)
}

// Start begins executing a workflow. Only one run may be active; a
// terminal or idle controller can be started again.
func (c *Controller) Start(ctx context.Context, def Definition) error {
	if len(def.Steps) == 0 {
		return sgerrors.New(sgerrors.ErrCodeInvalidInput, "workflow has no steps")
	}

	c.mu.Lock()
	if c.state != StateIdle && !c.state.Terminal() {
		state := c.state
		c.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeWorkflowActive, "workflow already active in state "+string(state))
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.state = StateRunning
	c.def = def
	c.idx = 0
	c.riskHeld = false
	c.executeAll = false
	c.action = actionNone
	c.results = nil
	c.runCtx = runCtx
	c.runCancel = cancel
	c.done = done
	c.mu.Unlock()

	c.logger.Info(logging.CategoryWorkflow, "started", "workflow started", map[string]any{
		"workflow": def.Name,
		"steps":    len(def.Steps),
	})

	go c.run(runCtx, done)
	return nil
}

// Pause suspends the workflow between steps. Valid while running.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return sgerrors.New(sgerrors.ErrCodeWorkflowTerminal, "workflow already finished in state "+string(c.state))
	}
	if c.state != StateRunning {
		return sgerrors.New(sgerrors.ErrCodeInvalidState, "pause in state "+string(c.state))
	}
	c.state = StatePausedByUser
	c.cond.Broadcast()
	c.logger.Info(logging.CategoryWorkflow, "paused", "workflow paused by user", nil)
	return nil
}

// Resume continues a paused workflow.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return sgerrors.New(sgerrors.ErrCodeWorkflowTerminal, "workflow already finished in state "+string(c.state))
	}
	if c.state != StatePausedByUser {
		return sgerrors.New(sgerrors.ErrCodeInvalidState, "resume in state "+string(c.state))
	}
	c.state = StateRunning
	c.cond.Broadcast()
	c.logger.Info(logging.CategoryWorkflow, "resumed", "workflow resumed", nil)
	return nil
}

// ConfirmStep approves the step the workflow is suspended on, whether it
// was held by its own confirmation flag or by the gateway's risk gate.
func (c *Controller) ConfirmStep() error {
	return c.answer(actionConfirm)
}

// SkipStep discards the step the workflow is suspended on and moves to
// the next one.
func (c *Controller) SkipStep() error {
	return c.answer(actionSkip)
}

func (c *Controller) answer(a pendingAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return sgerrors.New(sgerrors.ErrCodeWorkflowTerminal, "workflow already finished in state "+string(c.state))
	}
	if c.state != StateAwaitingStepConfirmation {
		return sgerrors.New(sgerrors.ErrCodeInvalidState, "no step awaiting confirmation")
	}
	if c.action != actionNone {
		return sgerrors.New(sgerrors.ErrCodeInvalidState, "a step decision is already in flight")
	}
	c.action = a
	c.cond.Broadcast()
	return nil
}

// ExecuteAllRemaining disables per-step confirmation for the rest of the
// run. A step currently held by its own confirmation flag is confirmed;
// a step held by the risk gate still needs an explicit decision.
func (c *Controller) ExecuteAllRemaining() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return sgerrors.New(sgerrors.ErrCodeWorkflowTerminal, "workflow already finished in state "+string(c.state))
	}
	if c.state == StateIdle {
		return sgerrors.New(sgerrors.ErrCodeInvalidState, "no active workflow")
	}
	c.executeAll = true
	if c.state == StateAwaitingStepConfirmation && !c.riskHeld && c.action == actionNone {
		c.action = actionConfirm
	}
	if c.state == StatePausedByUser {
		c.state = StateRunning
	}
	c.cond.Broadcast()
	c.logger.Info(logging.CategoryWorkflow, "execute_all", "per-step confirmation disabled for remainder", nil)
	return nil
}

// TakeManualControl cancels the remaining steps and returns the session
// to direct command entry. A step held by the risk gate is discarded
// through the gateway so nothing stays pending.
func (c *Controller) TakeManualControl(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Terminal() {
		state := c.state
		c.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeWorkflowTerminal, "workflow already finished in state "+string(state))
	}
	if c.state == StateIdle {
		c.mu.Unlock()
		return sgerrors.New(sgerrors.ErrCodeInvalidState, "no active workflow")
	}
	if c.state == StateAwaitingStepConfirmation && c.action == actionNone {
		c.action = actionCancel
		c.cond.Broadcast()
		done := c.done
		c.mu.Unlock()
		<-done
		return nil
	}
	cancel := c.runCancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Wake the run loop so it can observe the cancellation.
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
	<-done
	return nil
}

// Wait blocks until the current run reaches a terminal state.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run executes steps until the definition is exhausted, the run is
// cancelled, or a step fails. done is this run's own completion channel;
// a restarted controller swaps c.done for the successor's channel, so the
// deferred cleanup must only touch the channel it was created with and
// must leave the successor's state alone.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	final := StateCancelled
	defer func() {
		c.mu.Lock()
		if c.done == done && !c.state.Terminal() {
			c.state = StateCancelled
		}
		c.mu.Unlock()
		c.logger.Info(logging.CategoryWorkflow, "finished", "workflow finished", map[string]any{
			"state": string(final),
		})
		close(done)
	}()

	for {
		c.mu.Lock()
		for c.state == StatePausedByUser && ctx.Err() == nil {
			c.cond.Wait()
		}
		if ctx.Err() != nil || c.state.Terminal() {
			c.mu.Unlock()
			return
		}
		if c.idx >= len(c.def.Steps) {
			c.state = StateCompleted
			final = StateCompleted
			c.mu.Unlock()
			return
		}
		idx := c.idx
		step := c.def.Steps[idx]
		needsConfirm := step.RequireConfirmation && !c.executeAll
		c.mu.Unlock()

		if needsConfirm {
			// Reserve the gateway for the duration of the suspension so
			// an interactive submission cannot slip in while the step
			// waits for its confirmation.
			if err := c.gateway.Hold(); err != nil {
				c.recordStep(idx, step, OutcomeFailed, err)
				c.finish(StateCancelled)
				return
			}
			action := c.suspend(ctx, false)
			c.gateway.Release()
			switch action {
			case actionSkip:
				c.recordStep(idx, step, OutcomeSkipped, nil)
				c.advance()
				continue
			case actionCancel, actionNone:
				c.finish(StateCancelled)
				return
			}
		}

		result, err := c.gateway.Submit(ctx, step.Command)
		if err != nil {
			c.recordStep(idx, step, OutcomeFailed, err)
			c.finish(StateCancelled)
			return
		}

		if result.Pending != nil {
			action := c.suspend(ctx, true)
			switch action {
			case actionConfirm:
				if _, err := c.gateway.Confirm(ctx, gate.DecisionOpts{}); err != nil {
					c.recordStep(idx, step, OutcomeFailed, err)
					c.finish(StateCancelled)
					return
				}
			case actionSkip:
				if err := c.gateway.Cancel(ctx, gate.DecisionOpts{}); err != nil {
					c.recordStep(idx, step, OutcomeFailed, err)
					c.finish(StateCancelled)
					return
				}
				c.recordStep(idx, step, OutcomeSkipped, nil)
				c.advance()
				continue
			case actionCancel, actionNone:
				_ = c.gateway.Cancel(ctx, gate.DecisionOpts{})
				c.finish(StateCancelled)
				return
			}
		}

		c.recordStep(idx, step, OutcomeExecuted, nil)
		c.advance()
	}
}

// suspend parks the run in awaitingStepConfirmation until the user
// answers or the run is cancelled.
func (c *Controller) suspend(ctx context.Context, riskHeld bool) pendingAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateAwaitingStepConfirmation
	c.riskHeld = riskHeld
	c.action = actionNone
	c.cond.Broadcast()

	for c.action == actionNone && ctx.Err() == nil {
		c.cond.Wait()
	}
	action := c.action
	c.action = actionNone
	c.riskHeld = false
	if ctx.Err() != nil {
		return actionCancel
	}
	c.state = StateRunning
	return action
}

func (c *Controller) advance() {
	c.mu.Lock()
	c.idx++
	c.mu.Unlock()
}

func (c *Controller) finish(state State) {
	c.mu.Lock()
	c.state = state
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Controller) recordStep(idx int, step Step, outcome StepOutcome, err error) {
	c.mu.Lock()
	c.results = append(c.results, StepResult{Index: idx, Step: step, Outcome: outcome, Err: err})
	c.mu.Unlock()

	telemetry.WorkflowSteps.WithLabelValues(string(outcome)).Inc()
	fields := map[string]any{
		"step":    idx,
		"outcome": string(outcome),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.logger.Info(logging.CategoryWorkflow, "step", "workflow step settled", fields)
}
