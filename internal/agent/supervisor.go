// Package agent drives multi-worker runs: the supervisor state machine, its
// router and the scheduler that replays recurring requests through it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rahul/vibe/internal/audit"
	"github.com/rahul/vibe/internal/observability"
	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/store"
	"github.com/rahul/vibe/internal/tools"
	"github.com/rahul/vibe/internal/trace"
	"github.com/rahul/vibe/internal/worker"
)

// State is a supervisor state.
type State string

const (
	StateInit           State = "INIT"
	StateRouting        State = "ROUTING"
	StateAwaitingWorker State = "AWAITING_WORKER"
	StateIntegrating    State = "INTEGRATING"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
)

const (
	DefaultMaxIterations = 25
	DefaultHistoryWindow = 20
)

type Config struct {
	// MaxIterations is the number of worker invocations a run may make.
	MaxIterations int
	// MaxStepAttempts caps consecutive dispatches of the same step. 0 turns
	// the cap off.
	MaxStepAttempts int
	// HistoryWindow is how many recent turns routing and workers see.
	// Workers only see turns of the current request.
	HistoryWindow int
	DefaultWorker string
	PlannerWorker string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.DefaultWorker == "" {
		c.DefaultWorker = worker.Researcher
	}
	if c.PlannerWorker == "" {
		c.PlannerWorker = worker.Planner
	}
	return c
}

// Deps are the collaborators a Supervisor drives. Store, Emitter and
// Workers are required.
type Deps struct {
	Store    store.Store
	Emitter  *trace.Emitter
	Registry *tools.Registry
	Workers  map[string]worker.Worker
	Router   Router
	Audit    *audit.Logger
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Result summarizes a finished run.
type Result struct {
	SessionID  string    `json:"session_id"`
	State      State     `json:"state"`
	Iterations int       `json:"iterations"`
	Answer     string    `json:"answer,omitempty"`
	Plan       plan.Plan `json:"plan"`
	Err        *RunError `json:"-"`
}

// Supervisor owns plan mutation for every session. Runs of different
// sessions proceed in parallel; a session has at most one active run.
type Supervisor struct {
	cfg      Config
	store    store.Store
	emitter  *trace.Emitter
	registry *tools.Registry
	workers  map[string]worker.Worker
	router   Router
	audit    *audit.Logger
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	cancelled atomic.Bool
}

func NewSupervisor(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Store == nil || deps.Emitter == nil {
		return nil, errors.New("agent: store and emitter are required")
	}
	if len(deps.Workers) == 0 {
		return nil, errors.New("agent: at least one worker is required")
	}
	cfg = cfg.withDefaults()
	if deps.Router == nil {
		deps.Router = FIFORouter{DefaultWorker: cfg.DefaultWorker, PlannerWorker: cfg.PlannerWorker}
	}
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry(nil, deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		store:    deps.Store,
		emitter:  deps.Emitter,
		registry: deps.Registry,
		workers:  deps.Workers,
		router:   deps.Router,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("component", "supervisor"),
		now:      time.Now,
		active:   make(map[string]*activeRun),
	}, nil
}

func (s *Supervisor) Config() Config { return s.cfg }

// Cancel asks the active run of sessionID to stop at its next routing
// decision. It reports whether a run was active.
func (s *Supervisor) Cancel(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.active[sessionID]
	if ok {
		r.cancelled.Store(true)
	}
	return ok
}

func (s *Supervisor) IsRunning(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

func (s *Supervisor) claim(sessionID string) (*activeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[sessionID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	r := &activeRun{}
	s.active[sessionID] = r
	return r, nil
}

func (s *Supervisor) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
}

// run is the per-invocation state threaded through the state machine.
type run struct {
	id         string
	flag       *activeRun
	state      State
	plan       plan.Plan
	history    []store.Turn
	request    string
	iterations int
	answer     string
	lastStep   int
	attempts   int
	started    time.Time
}

// Run drives one run for sessionID. A non-empty message is appended as a
// user turn first; an empty message resumes the stored plan. The returned
// error is ErrSessionBusy, or the run's *RunError when it ended FAILED.
func (s *Supervisor) Run(ctx context.Context, sessionID, message string) (Result, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Result{}, ErrEmptySessionID
	}
	flag, err := s.claim(sessionID)
	if err != nil {
		return Result{}, err
	}
	defer s.release(sessionID)

	r := &run{id: sessionID, flag: flag, state: StateInit, started: s.now()}
	s.metrics.RunStarted()
	observability.RunBegan(sessionID)
	defer observability.RunEnded()

	// Persistence and events outlive a cancelled caller so the stored state
	// always reflects the last completed transition.
	pctx := context.WithoutCancel(ctx)

	if rerr := s.init(pctx, r, message); rerr != nil {
		return s.fail(pctx, r, rerr, false)
	}

	for {
		r.state = StateRouting
		if r.flag.cancelled.Load() || ctx.Err() != nil {
			return s.fail(pctx, r, runErr(KindCancelled, "%w", ErrCancelled), true)
		}

		decision, rerr := s.route(pctx, r)
		if rerr != nil {
			return s.fail(pctx, r, rerr, true)
		}

		r.state = StateAwaitingWorker
		out, tb, rerr := s.dispatch(pctx, r, decision)
		if rerr != nil {
			return s.fail(pctx, r, rerr, false)
		}

		r.state = StateIntegrating
		if rerr := s.integrate(pctx, r, decision, out, tb); rerr != nil {
			return s.fail(pctx, r, rerr, rerr.Kind != KindPersistence)
		}

		switch {
		case out.Status == worker.StatusFailed:
			msg := out.Error
			if msg == "" {
				msg = "worker reported failure"
			}
			return s.fail(pctx, r, runErr(KindWorkerFailed, "%s: %s", decision.Worker, msg), true)
		case out.Status == worker.StatusDone && len(r.plan.Open()) == 0:
			return s.finish(pctx, r)
		case r.iterations >= s.cfg.MaxIterations:
			return s.fail(pctx, r, runErr(KindLoopGuard, "%w after %d worker invocations", ErrLoopGuard, r.iterations), true)
		}
	}
}

func (s *Supervisor) init(ctx context.Context, r *run, message string) *RunError {
	if _, err := s.store.Get(ctx, r.id); err != nil {
		if !errors.Is(err, store.ErrSessionNotFound) {
			return runErr(KindPersistence, "load session: %w", err)
		}
		if _, err := s.store.Create(ctx, r.id); err != nil && !errors.Is(err, store.ErrSessionExists) {
			return runErr(KindPersistence, "create session: %w", err)
		}
	}

	p, history, err := s.store.Load(ctx, r.id)
	if err != nil {
		return runErr(KindPersistence, "load session: %w", err)
	}
	if p.Version == 0 {
		p = plan.New()
	}
	r.plan, r.history = p, history

	if message = strings.TrimSpace(message); message != "" {
		turn, err := s.store.AppendTurn(ctx, r.id, store.Turn{Role: store.RoleUser, Content: message, Timestamp: s.now().UTC()})
		if err != nil {
			return runErr(KindPersistence, "append user turn: %w", err)
		}
		r.history = append(r.history, turn)
	}

	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Role == store.RoleUser {
			r.request = r.history[i].Content
			break
		}
	}
	s.logger.Info("run started", "session_id", r.id, "plan_version", r.plan.Version, "turns", len(r.history))
	return nil
}

func (s *Supervisor) window(r *run) []store.Turn {
	if len(r.history) <= s.cfg.HistoryWindow {
		return r.history
	}
	return r.history[len(r.history)-s.cfg.HistoryWindow:]
}

// taskHistory is the slice of history a worker sees: the turns of the
// current request, starting at its user turn. Earlier requests in the session
// are left out. The user turn is kept when the window cap applies.
func (s *Supervisor) taskHistory(r *run) []store.Turn {
	start := 0
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Role == store.RoleUser {
			start = i
			break
		}
	}
	turns := r.history[start:]
	n := s.cfg.HistoryWindow
	if len(turns) <= n {
		return append([]store.Turn(nil), turns...)
	}
	out := make([]store.Turn, 0, n)
	if turns[0].Role == store.RoleUser {
		out = append(out, turns[0])
		n--
	}
	return append(out, turns[len(turns)-n:]...)
}

func (s *Supervisor) route(ctx context.Context, r *run) (Decision, *RunError) {
	decision, err := s.router.Route(RouteInput{Plan: r.plan, History: s.window(r), Iteration: r.iterations})
	if err == nil {
		if _, ok := s.workers[decision.Worker]; !ok {
			err = fmt.Errorf("%w: %w %q", ErrNoViableRoute, ErrUnknownWorker, decision.Worker)
		}
	}

	if err == nil && s.cfg.MaxStepAttempts > 0 && decision.Step.ID != 0 {
		if decision.Step.ID == r.lastStep {
			r.attempts++
		} else {
			r.lastStep, r.attempts = decision.Step.ID, 1
		}
		if r.attempts > s.cfg.MaxStepAttempts {
			s.auditRouting(ctx, r, "step-attempts-exceeded", decision.Worker)
			return Decision{}, runErr(KindLoopGuard, "%w: step %d dispatched %d times in a row", ErrLoopGuard, decision.Step.ID, s.cfg.MaxStepAttempts)
		}
	}

	if err != nil {
		s.auditRouting(ctx, r, "no-viable-route: "+err.Error(), "")
		return Decision{}, &RunError{Kind: KindNoViableRoute, Err: err}
	}
	s.auditRouting(ctx, r, decision.Reason, decision.Worker)
	s.logger.Debug("routed", "session_id", r.id, "worker", decision.Worker, "step", decision.Step.ID, "reason", decision.Reason)
	return decision, nil
}

func (s *Supervisor) auditRouting(ctx context.Context, r *run, decision, workerName string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogRouting(ctx, r.id, decision, workerName, r.iterations+1); err != nil {
		s.logger.Error("failed to audit routing decision", "session_id", r.id, "error", err)
	}
}

func (s *Supervisor) dispatch(ctx context.Context, r *run, d Decision) (worker.Outcome, *worker.Toolbox, *RunError) {
	r.iterations++
	w := s.workers[d.Worker]

	if _, err := s.emitter.Emit(ctx, r.id, trace.KindWorkerStarted, trace.WorkerStarted{
		Worker:    d.Worker,
		StepID:    d.Step.ID,
		Step:      d.Step.Description,
		Iteration: r.iterations,
	}); err != nil {
		return worker.Outcome{}, nil, runErr(KindPersistence, "emit worker-started: %w", err)
	}

	tb := &worker.Toolbox{
		SessionID: r.id,
		Worker:    d.Worker,
		Registry:  s.registry,
		Emitter:   s.emitter,
		Audit:     s.audit,
		Logger:    s.logger,
		Cancelled: r.flag.cancelled.Load,
		Observe: func(tool string, res tools.Result) {
			status := "success"
			if !res.OK() {
				status = string(res.Err.Kind)
			}
			s.metrics.RecordToolExecution(tool, status, res.Duration)
		},
	}
	task := worker.Task{
		SessionID: r.id,
		Request:   r.request,
		Step:      d.Step,
		Plan:      r.plan.Clone(),
		History:   s.taskHistory(r),
		Iteration: r.iterations,
		Tools:     tb,
	}

	observability.SetStatus(observability.PhaseWorking, d.Worker+": "+d.Step.Description)
	start := s.now()
	out := worker.Invoke(ctx, w, task)
	s.metrics.WorkerFinished(d.Worker, string(out.Status), s.now().Sub(start))
	observability.SetStatus(observability.PhaseSupervising, r.id)

	if _, err := s.emitter.Emit(ctx, r.id, trace.KindWorkerFinished, trace.WorkerFinished{
		Worker: d.Worker,
		Status: string(out.Status),
		Result: out.Result,
		Error:  out.Error,
	}); err != nil {
		return out, tb, runErr(KindPersistence, "emit worker-finished: %w", err)
	}
	if err := tb.Err(); err != nil {
		return out, tb, runErr(KindPersistence, "record tool calls: %w", err)
	}
	s.logger.Info("worker finished", "session_id", r.id, "worker", d.Worker, "status", out.Status,
		"tool_calls", len(out.ToolCalls), "iteration", r.iterations)
	return out, tb, nil
}

// integrate folds an outcome into the session. The worker turn and the new
// plan snapshot are committed together before plan-updated is emitted, so a
// failure leaves the store exactly as it was before this step.
func (s *Supervisor) integrate(ctx context.Context, r *run, d Decision, out worker.Outcome, tb *worker.Toolbox) *RunError {
	next, err := plan.Apply(r.plan, out.Mutations)
	if err != nil {
		return runErr(KindInvalidMutation, "%s: %w", d.Worker, err)
	}

	content := out.Result
	if out.Status == worker.StatusFailed && out.Error != "" {
		content = "ERROR: " + out.Error
	}
	turn, err := s.store.Integrate(ctx, r.id, store.Turn{
		Role:      store.RoleWorker,
		Worker:    d.Worker,
		Content:   content,
		Timestamp: s.now().UTC(),
		ToolCalls: out.ToolCalls,
	}, next)
	if err != nil {
		return runErr(KindPersistence, "integrate %s turn: %w", d.Worker, err)
	}
	r.history = append(r.history, turn)
	r.plan = next
	if out.Result != "" && out.Status != worker.StatusFailed {
		r.answer = out.Result
	}

	if _, err := s.emitter.Emit(ctx, r.id, trace.KindPlanUpdated, trace.PlanUpdated{Plan: next}); err != nil {
		return runErr(KindPersistence, "emit plan-updated: %w", err)
	}
	return nil
}

func (s *Supervisor) finish(ctx context.Context, r *run) (Result, error) {
	r.state = StateDone
	if _, err := s.store.Integrate(ctx, r.id, store.Turn{
		Role:      store.RoleSystem,
		Content:   fmt.Sprintf("run complete after %d iterations", r.iterations),
		Timestamp: s.now().UTC(),
	}, r.plan); err != nil {
		return s.fail(ctx, r, runErr(KindPersistence, "record completion: %w", err), false)
	}

	if _, err := s.emitter.Emit(ctx, r.id, trace.KindRunComplete, trace.RunComplete{
		Iterations: r.iterations,
		Result:     r.answer,
	}); err != nil {
		s.logger.Error("failed to emit run-complete", "session_id", r.id, "error", err)
	}
	s.auditRun(ctx, r, "done", nil)
	s.metrics.RunFinished(string(StateDone), "", s.now().Sub(r.started))
	s.logger.Info("run complete", "session_id", r.id, "iterations", r.iterations)
	return s.result(r, nil), nil
}

// fail ends the run. When persist is set the final system turn and plan are
// written first; persistence failures skip that so the store keeps its last
// good state.
func (s *Supervisor) fail(ctx context.Context, r *run, rerr *RunError, persist bool) (Result, error) {
	r.state = StateFailed
	if persist && rerr.Kind != KindPersistence {
		_, err := s.store.Integrate(ctx, r.id, store.Turn{
			Role:      store.RoleSystem,
			Content:   fmt.Sprintf("run failed (%s): %v", rerr.Kind, rerr.Err),
			Timestamp: s.now().UTC(),
		}, r.plan)
		if err != nil {
			rerr = runErr(KindPersistence, "record failure %s: %w", rerr.Kind, err)
		}
	}

	if _, err := s.emitter.Emit(ctx, r.id, trace.KindError, trace.Error{
		Kind:    string(rerr.Kind),
		Message: rerr.Err.Error(),
	}); err != nil {
		s.logger.Error("failed to emit error event", "session_id", r.id, "error", err)
	}
	s.auditRun(ctx, r, "failed", rerr)
	s.metrics.RunFinished(string(StateFailed), string(rerr.Kind), s.now().Sub(r.started))

	level := slog.LevelError
	if rerr.Kind == KindCancelled {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "run failed", "session_id", r.id, "kind", rerr.Kind, "error", rerr.Err, "iterations", r.iterations)
	return s.result(r, rerr), rerr
}

func (s *Supervisor) auditRun(ctx context.Context, r *run, decision string, rerr *RunError) {
	if s.audit == nil {
		return
	}
	var kind, msg string
	if rerr != nil {
		kind, msg = string(rerr.Kind), rerr.Err.Error()
	}
	if err := s.audit.LogRun(ctx, r.id, decision, kind, msg, r.iterations); err != nil {
		s.logger.Error("failed to audit run", "session_id", r.id, "error", err)
	}
}

func (s *Supervisor) result(r *run, rerr *RunError) Result {
	return Result{
		SessionID:  r.id,
		State:      r.state,
		Iterations: r.iterations,
		Answer:     r.answer,
		Plan:       r.plan,
		Err:        rerr,
	}
}
