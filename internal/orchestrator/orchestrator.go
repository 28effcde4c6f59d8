// Package orchestrator drives the three-phase reasoning pipeline
// (Unpack, Analyze, Synthesize) over the provider gateway, managing
// per-session state and the session event stream.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/concilium/concilium/internal/domain"
	"github.com/concilium/concilium/internal/provider"
)

// validTransitions defines the legal phase transitions. PhaseError is
// reachable from any phase and is handled separately in fail.
var validTransitions = map[domain.Phase]map[domain.Phase]bool{
	domain.PhaseIdle:         {domain.PhaseUnpacking: true},
	domain.PhaseUnpacking:    {domain.PhaseAnalyzing: true},
	domain.PhaseAnalyzing:    {domain.PhaseSynthesizing: true},
	domain.PhaseSynthesizing: {domain.PhaseCompleted: true},
}

// IsValidTransition checks if a phase transition is legal.
func IsValidTransition(from, to domain.Phase) bool {
	if to == domain.PhaseError {
		return true
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// SessionView is the synchronous status snapshot of a session. A caller
// that loses the event stream reconstructs final state from this.
type SessionView struct {
	domain.Session
	Results []domain.AgentResult `json:"results"`
	Unpack  string               `json:"unpack,omitempty"`
	Final   string               `json:"final,omitempty"`
}

// sessionState holds one session's mutable state. All mutation goes through
// the orchestrator while holding st.mu.
type sessionState struct {
	mu      sync.Mutex
	session domain.Session
	results []domain.AgentResult
	unpack  string
	final   string
	events  []domain.SessionEvent
	seq     int64
	cancel  context.CancelFunc
	started bool
}

// Orchestrator creates and runs sessions. Sessions live in memory; the
// ledger and rate windows underneath the gateway are the durable state.
type Orchestrator struct {
	Gateway  *provider.Gateway
	Registry *provider.Registry
	Governor *provider.SpendGovernor
	Logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// New creates an orchestrator.
func New(gw *provider.Gateway, registry *provider.Registry, gov *provider.SpendGovernor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Gateway:  gw,
		Registry: registry,
		Governor: gov,
		Logger:   logger,
		sessions: make(map[string]*sessionState),
	}
}

// Submit creates a session for a problem. The provider is resolved once at
// submission and holds for the whole session. Run must be called to start
// the pipeline.
func (o *Orchestrator) Submit(problem string, domains []string, selector domain.Provider, model string, capUSD float64) (domain.Session, error) {
	backend, err := o.Registry.Resolve(selector)
	if err != nil {
		return domain.Session{}, err
	}
	if model == "" {
		model = backend.DefaultModel()
	}
	if selector == "" {
		selector = domain.ProviderAuto
	}

	now := time.Now().Unix()
	sess := domain.Session{
		ID:            uuid.NewString(),
		Problem:       problem,
		Domains:       append([]string(nil), domains...),
		Selector:      selector,
		Provider:      backend.Name(),
		Model:         model,
		Phase:         domain.PhaseIdle,
		Status:        domain.StatusPending,
		BudgetCapUSD:  capUSD,
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}

	o.mu.Lock()
	o.sessions[sess.ID] = &sessionState{session: sess}
	o.mu.Unlock()

	o.Logger.Info("session submitted",
		"session_id", sess.ID, "provider", sess.Provider, "model", sess.Model, "domains", len(domains))
	return sess, nil
}

// Run executes the pipeline for a session to completion. It returns the
// error that terminated the session, or nil on success. Run may be called
// once per session.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.started {
		st.mu.Unlock()
		return domain.ErrSessionDone
	}
	st.started = true
	ctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.session.Status = domain.StatusRunning
	st.session.UpdatedAtUnix = time.Now().Unix()
	st.mu.Unlock()
	defer cancel()

	sess := o.snapshot(st).Session

	// Unpacking: a single call that decomposes the problem. Failure here is
	// fatal; no later phase can proceed without it.
	if err := o.transition(st, domain.PhaseUnpacking); err != nil {
		return o.fail(st, err)
	}
	if err := o.checkBudget(ctx, sess); err != nil {
		return o.fail(st, err)
	}

	comp, err := o.Gateway.Complete(ctx, sess.Provider, sess.Model, unpackPrompt(sess.Problem), sess.ID)
	if err != nil {
		o.appendResult(st, domain.AgentResult{
			AgentID: "unpacker", Role: domain.RoleUnpacker, Success: false, Error: err.Error(),
		})
		return o.fail(st, domain.WrapCoreError(domain.ErrUnpackFailed.Code, "unpack", err))
	}
	st.mu.Lock()
	st.unpack = comp.Text
	st.mu.Unlock()
	o.appendResult(st, domain.AgentResult{
		AgentID: "unpacker", Role: domain.RoleUnpacker, Content: comp.Text, Success: true,
	})

	// Analyzing: one call per requested domain plus a critical analysis,
	// issued concurrently with partial-failure semantics.
	if err := o.transition(st, domain.PhaseAnalyzing); err != nil {
		return o.fail(st, err)
	}
	if err := o.checkBudget(ctx, sess); err != nil {
		return o.fail(st, err)
	}

	tasks := analysisTasks(sess.Problem, comp.Text, sess.Domains)
	var g errgroup.Group
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			res := o.runAgent(ctx, sess, task)
			// Results append and events emit in completion order.
			o.appendResult(st, res)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return o.fail(st, domain.ErrSessionCancelled)
	}

	analyses := o.successfulAnalyses(st)
	if len(analyses) == 0 {
		return o.fail(st, domain.ErrAnalysisFailed)
	}

	// Synthesizing: one call combining the unpack result and every
	// successful analysis. Failure here is fatal.
	if err := o.transition(st, domain.PhaseSynthesizing); err != nil {
		return o.fail(st, err)
	}
	if err := o.checkBudget(ctx, sess); err != nil {
		return o.fail(st, err)
	}

	synth, err := o.Gateway.Complete(ctx, sess.Provider, sess.Model, synthesisPrompt(sess.Problem, comp.Text, analyses), sess.ID)
	if err != nil {
		o.appendResult(st, domain.AgentResult{
			AgentID: "synthesizer", Role: domain.RoleSynthesizer, Success: false, Error: err.Error(),
		})
		return o.fail(st, domain.WrapCoreError(domain.ErrSynthesisFailed.Code, "synthesize", err))
	}
	o.appendResult(st, domain.AgentResult{
		AgentID: "synthesizer", Role: domain.RoleSynthesizer, Content: synth.Text, Success: true,
	})

	st.mu.Lock()
	st.final = synth.Text
	st.mu.Unlock()

	if err := o.transition(st, domain.PhaseCompleted); err != nil {
		return o.fail(st, err)
	}

	st.mu.Lock()
	st.session.Status = domain.StatusCompleted
	st.session.UpdatedAtUnix = time.Now().Unix()
	o.emitLocked(st, domain.SessionEvent{Type: domain.EventComplete})
	st.mu.Unlock()

	o.Logger.Info("session completed", "session_id", sess.ID)
	return nil
}

// runAgent executes one analysis task and converts the outcome to an
// AgentResult. An individual failure does not abort sibling calls.
func (o *Orchestrator) runAgent(ctx context.Context, sess domain.Session, task domain.AgentTask) domain.AgentResult {
	comp, err := o.Gateway.Complete(ctx, sess.Provider, sess.Model, task.Prompt, sess.ID)
	if err != nil {
		o.Logger.Warn("agent call failed",
			"session_id", sess.ID, "agent", task.AgentID, "error", err)
		return domain.AgentResult{AgentID: task.AgentID, Role: task.Role, Success: false, Error: err.Error()}
	}
	return domain.AgentResult{AgentID: task.AgentID, Role: task.Role, Content: comp.Text, Success: true}
}

// Cancel stops issuing new calls for a session. In-flight ledger entries are
// closed by the gateway with whatever outcome occurs.
func (o *Orchestrator) Cancel(sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	cancel := st.cancel
	st.mu.Unlock()
	if cancel == nil {
		return domain.ErrSessionDone
	}
	cancel()
	o.Logger.Info("session cancelled", "session_id", sessionID)
	return nil
}

// Get returns a point-in-time snapshot of a session.
func (o *Orchestrator) Get(sessionID string) (SessionView, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return o.snapshot(st), nil
}

// Events returns the session's events with sequence numbers greater than
// sinceSeq, in emission order.
func (o *Orchestrator) Events(sessionID string, sinceSeq int64) ([]domain.SessionEvent, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []domain.SessionEvent
	for _, ev := range st.events {
		if ev.SeqNo > sinceSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (o *Orchestrator) state(sessionID string) (*sessionState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return st, nil
}

func (o *Orchestrator) snapshot(st *sessionState) SessionView {
	st.mu.Lock()
	defer st.mu.Unlock()
	view := SessionView{
		Session: st.session,
		Results: append([]domain.AgentResult(nil), st.results...),
		Unpack:  st.unpack,
		Final:   st.final,
	}
	view.Domains = append([]string(nil), st.session.Domains...)
	return view
}

// transition moves the session to the next phase and emits a phase_change event.
func (o *Orchestrator) transition(st *sessionState, next domain.Phase) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	from := st.session.Phase
	if !IsValidTransition(from, next) {
		return domain.WrapCoreError(domain.ErrInvalidTransition.Code,
			fmt.Sprintf("illegal transition %s -> %s", from, next), nil)
	}
	st.session.Phase = next
	st.session.UpdatedAtUnix = time.Now().Unix()
	o.emitLocked(st, domain.SessionEvent{Type: domain.EventPhaseChange, Phase: next})
	return nil
}

// fail moves the session to the error state, emits the error event, and
// returns err for the caller to surface.
func (o *Orchestrator) fail(st *sessionState, err error) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.session.Phase = domain.PhaseError
	st.session.Status = domain.StatusError
	st.session.UpdatedAtUnix = time.Now().Unix()
	o.emitLocked(st, domain.SessionEvent{Type: domain.EventError, Message: err.Error()})
	o.Logger.Error("session failed", "session_id", st.session.ID, "error", err)
	return err
}

// appendResult records an agent result and emits its agent_response event.
func (o *Orchestrator) appendResult(st *sessionState, res domain.AgentResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.results = append(st.results, res)
	o.emitLocked(st, domain.SessionEvent{
		Type:      domain.EventAgentResponse,
		AgentName: res.AgentID,
		AgentType: res.Role,
		Content:   res.Content,
		Success:   res.Success,
		Message:   res.Error,
	})
}

// emitLocked appends an event with the next sequence number. Callers must
// hold st.mu. The stream is best-effort; the session snapshot remains the
// durable source of truth.
func (o *Orchestrator) emitLocked(st *sessionState, ev domain.SessionEvent) {
	st.seq++
	ev.SeqNo = st.seq
	ev.SessionID = st.session.ID
	ev.CreatedAtUnix = time.Now().Unix()
	st.events = append(st.events, ev)
}

func (o *Orchestrator) successfulAnalyses(st *sessionState) []domain.AgentResult {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []domain.AgentResult
	for _, r := range st.results {
		if r.Success && (r.Role == domain.RoleDomainExpert || r.Role == domain.RoleCritic) {
			out = append(out, r)
		}
	}
	return out
}

// checkBudget consults the spend governor before issuing more calls.
func (o *Orchestrator) checkBudget(ctx context.Context, sess domain.Session) error {
	if o.Governor == nil {
		return nil
	}
	action, err := o.Governor.Check(ctx, sess.ID, sess.BudgetCapUSD)
	if err != nil {
		return err
	}
	if action == domain.CostHalt {
		return domain.ErrBudgetExceeded
	}
	return nil
}
