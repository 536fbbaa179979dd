package underwriter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/loanmesh/a2a"
	"github.com/hupe1980/loanmesh/core"
	"github.com/hupe1980/loanmesh/datafetcher"
	"github.com/hupe1980/loanmesh/logging"
	"github.com/hupe1980/loanmesh/scoring"
	"github.com/hupe1980/loanmesh/session"
)

// Caller issues capability calls. *a2a.Router implements it.
type Caller interface {
	Call(ctx context.Context, recipient, capabilityName string, payload map[string]any, timeout time.Duration, optFns ...func(o *a2a.CallOptions)) (map[string]any, error)
	CancelSession(sessionID string) int
}

var _ Caller = (*a2a.Router)(nil)

// Options configures an Engine.
type Options struct {
	Logger logging.Logger
	// Policy defaults to DefaultPolicy for the DataFetcher.
	Policy *Policy
	// Scorer defaults to the rule scorer with the built-in policy.
	Scorer core.Scorer
	// Store defaults to an in-memory store.
	Store core.SessionStore
	// Archive receives finished reports. Defaults to Store when it also
	// implements core.ReportArchive, otherwise to an in-memory archive.
	Archive core.ReportArchive
	// Human enables the AwaitingHuman state. Without it incomplete evidence
	// goes straight to a decision.
	Human          core.HumanChannel
	ScoringTimeout time.Duration
	PersistTimeout time.Duration
}

// Engine runs underwriting sessions through the state machine
// Created -> Gathering -> (AwaitingHuman <-> Gathering)* -> Deciding -> Done,
// with Cancelled reachable from every non-terminal state.
//
// Each session has a single writer: every mutation happens under the
// session's mutex and is followed by a persisted snapshot. Calls to the
// DataFetcher are made without holding the mutex, so a session can be
// cancelled while it waits.
type Engine struct {
	caller  Caller
	policy  *Policy
	waves   [][]int
	scorer  core.Scorer
	store   core.SessionStore
	archive core.ReportArchive
	human   core.HumanChannel
	logger  logging.Logger
	opts    Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	s       *core.Session
	ctx     context.Context
	cancel  context.CancelFunc
	changed chan struct{}
}

// notify wakes every Wait on the session. Callers hold ent.mu.
func (ent *entry) notify() {
	close(ent.changed)
	ent.changed = make(chan struct{})
}

// New creates an engine that gathers evidence through caller.
func New(caller Caller, optFns ...func(o *Options)) (*Engine, error) {
	opts := Options{
		Logger:         logging.NoOpLogger{},
		ScoringTimeout: 60 * time.Second,
		PersistTimeout: 5 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if caller == nil {
		return nil, fmt.Errorf("underwriter: caller is nil")
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy(datafetcher.Name)
	}
	if opts.Scorer == nil {
		opts.Scorer = scoring.NewRuleScorer(nil)
	}
	if opts.Store == nil {
		opts.Store = session.NewInMemoryStore()
	}
	if opts.Archive == nil {
		if a, ok := opts.Store.(core.ReportArchive); ok {
			opts.Archive = a
		} else {
			opts.Archive = session.NewInMemoryStore()
		}
	}

	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	waves, err := opts.Policy.waves()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		caller:   caller,
		policy:   opts.Policy,
		waves:    waves,
		scorer:   opts.Scorer,
		store:    opts.Store,
		archive:  opts.Archive,
		human:    opts.Human,
		logger:   opts.Logger,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*entry{},
	}, nil
}

// Start creates a session for app and begins gathering in the background.
func (e *Engine) Start(ctx context.Context, app core.Application) (string, error) {
	if strings.TrimSpace(app.ApplicantRef) == "" {
		return "", core.NewError(core.CodeValidation, "applicant_ref must not be empty").WithDetail("field", "applicant_ref")
	}
	if app.LoanAmount < 0 {
		return "", core.NewError(core.CodeValidation, "loan_amount must not be negative").WithDetail("field", "loan_amount")
	}
	if e.isClosed() {
		return "", core.NewError(core.CodeCancelled, "engine is closed")
	}

	s := core.NewSession(core.NewID(), app)
	if err := e.store.Save(ctx, s); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}

	ent, _ := e.register(s)
	SessionsStarted.Inc()
	ActiveSessions.Inc()
	e.logger.Info("underwriter.session.start", "session", s.ID, "applicant_ref", app.ApplicantRef, "loan_amount", app.LoanAmount)

	e.spawn(ent)
	return s.ID, nil
}

// ProvideInput answers the pending question of a session in AwaitingHuman.
func (e *Engine) ProvideInput(ctx context.Context, id string, in HumanInput) error {
	ent, err := e.live(ctx, id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(in.Answer) == "" && !in.Retry {
		return core.NewError(core.CodeValidation, "answer must not be empty").WithDetail("field", "answer")
	}

	ent.mu.Lock()
	if ent.s.State != core.StateAwaitingHuman {
		state := ent.s.State
		ent.mu.Unlock()
		return core.NewError(core.CodeInvalidTransition, "session %s is %s, not awaiting input", id, state).
			WithDetail("from", string(state))
	}

	data := map[string]any{
		"prompt": ent.s.PendingHumanInput,
		"answer": in.Answer,
		"retry":  in.Retry,
	}
	if in.Author != "" {
		data["author"] = in.Author
	}
	ent.s.AppendEvidence(core.NewEvidence(core.SourceHuman, data))
	ent.s.PendingHumanInput = ""

	to, reason := core.StateDeciding, "human input received"
	if in.Retry {
		to, reason = core.StateGathering, "human requested retry"
	}
	err = e.transition(ent, to, reason)
	ent.mu.Unlock()
	if err != nil {
		return err
	}

	e.spawn(ent)
	return nil
}

// Cancel moves a non-terminal session to Cancelled and resolves its
// outstanding calls.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	ent, err := e.live(ctx, id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled"
	}

	ent.mu.Lock()
	pending := ent.s.PendingHumanInput
	ent.s.PendingHumanInput = ""
	if err := e.transition(ent, core.StateCancelled, reason); err != nil {
		ent.s.PendingHumanInput = pending
		ent.mu.Unlock()
		return err
	}
	ent.mu.Unlock()

	n := e.caller.CancelSession(id)
	e.logger.Info("underwriter.session.cancelled", "session", id, "reason", reason, "calls", n)
	return nil
}

// Report returns the final report. Sessions that exist but are not Done fail
// with SessionNotDone.
func (e *Engine) Report(ctx context.Context, id string) (core.Report, error) {
	s, err := e.Status(ctx, id)
	if err == nil {
		if s.State == core.StateDone && s.Decision != nil {
			return *s.Decision, nil
		}
		return core.Report{}, core.NewError(core.CodeSessionNotDone, "session %s is %s", id, s.State).
			WithDetail("state", string(s.State))
	}
	if core.HasCode(err, core.CodeSessionNotFound) {
		if r, aerr := e.archive.Get(ctx, id); aerr == nil {
			return r, nil
		}
	}
	return core.Report{}, err
}

// Status returns a copy of the session.
func (e *Engine) Status(ctx context.Context, id string) (*core.Session, error) {
	if ent, err := e.lookup(id); err == nil {
		ent.mu.Lock()
		defer ent.mu.Unlock()
		return ent.s.Clone(), nil
	}
	return e.store.Load(ctx, id)
}

// Wait blocks until the session reaches one of states, or any terminal state
// when none are given.
func (e *Engine) Wait(ctx context.Context, id string, states ...core.State) (*core.Session, error) {
	ent, err := e.lookup(id)
	if err != nil {
		s, lerr := e.store.Load(ctx, id)
		if lerr != nil {
			return nil, lerr
		}
		if matchState(s.State, states) || (len(states) == 0 && s.State.Terminal()) {
			return s, nil
		}
		if s.State.Terminal() {
			return s, core.NewError(core.CodeInvalidTransition, "session %s ended in %s", id, s.State)
		}
		return nil, err
	}

	for {
		ent.mu.Lock()
		if matchState(ent.s.State, states) || (len(states) == 0 && ent.s.State.Terminal()) {
			s := ent.s.Clone()
			ent.mu.Unlock()
			return s, nil
		}
		if ent.s.State.Terminal() {
			s := ent.s.Clone()
			ent.mu.Unlock()
			return s, core.NewError(core.CodeInvalidTransition, "session %s ended in %s", id, s.State)
		}
		changed := ent.changed
		ent.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func matchState(s core.State, states []core.State) bool {
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

// AddNote attaches an operator note. Notes on archived sessions are written
// back to the archive.
func (e *Engine) AddNote(ctx context.Context, id, author, text string) (core.Note, error) {
	if strings.TrimSpace(text) == "" {
		return core.Note{}, core.NewError(core.CodeValidation, "note text must not be empty").WithDetail("field", "text")
	}

	if ent, err := e.lookup(id); err == nil {
		ent.mu.Lock()
		defer ent.mu.Unlock()
		n := ent.s.AddNote(author, text)
		if ent.s.State.Terminal() {
			if e.archiveSession(ent.s) == nil {
				e.evict(ent)
			}
		} else {
			e.persist(ent.s)
		}
		ent.notify()
		return n, nil
	}

	s, err := e.store.Load(ctx, id)
	if err != nil {
		return core.Note{}, err
	}
	if !s.State.Terminal() {
		return core.Note{}, core.NewError(core.CodeSessionNotFound, "session %s is not loaded; restore it first", id)
	}
	n := s.AddNote(author, text)
	if err := e.store.Archive(ctx, s); err != nil {
		return core.Note{}, fmt.Errorf("archive session: %w", err)
	}
	return n, nil
}

// Reports lists finished reports, newest first. A limit <= 0 returns all.
func (e *Engine) Reports(ctx context.Context, limit int) ([]core.Report, error) {
	return e.archive.List(ctx, limit)
}

// Restore loads a persisted session and resumes it: Created and Gathering
// sessions gather again, Deciding sessions are decided and AwaitingHuman
// sessions are prompted again and wait. Terminal and already loaded
// sessions are left alone.
func (e *Engine) Restore(ctx context.Context, id string) error {
	if e.isClosed() {
		return core.NewError(core.CodeCancelled, "engine is closed")
	}
	if _, err := e.lookup(id); err == nil {
		return nil
	}
	s, err := e.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return nil
	}

	ent, fresh := e.register(s)
	if !fresh {
		return nil
	}
	ActiveSessions.Inc()
	e.logger.Info("underwriter.session.restore", "session", id, "state", string(s.State))

	if s.State != core.StateAwaitingHuman {
		e.spawn(ent)
		return nil
	}
	if e.human != nil && s.PendingHumanInput != "" {
		if err := e.human.Prompt(ctx, id, s.PendingHumanInput); err != nil {
			e.logger.Warn("underwriter.human.prompt_failed", "session", id, "error", err.Error())
		}
	}
	return nil
}

// RestoreAll restores every active session of the store and returns how
// many were resumed.
func (e *Engine) RestoreAll(ctx context.Context) (int, error) {
	ids, err := e.store.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		if err := e.Restore(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Close stops all workflows and waits for them. Sessions keep their last
// persisted state and can be restored by a new engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) lookup(id string) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.sessions[id]
	if !ok {
		return nil, core.NewError(core.CodeSessionNotFound, "session %s not found", id)
	}
	return ent, nil
}

// live returns the loaded session id. Finished sessions are no longer
// loaded and fail with InvalidTransition.
func (e *Engine) live(ctx context.Context, id string) (*entry, error) {
	ent, err := e.lookup(id)
	if err == nil {
		return ent, nil
	}
	if s, lerr := e.store.Load(ctx, id); lerr == nil && s.State.Terminal() {
		return nil, core.NewError(core.CodeInvalidTransition, "session %s is %s", id, s.State).
			WithDetail("from", string(s.State))
	}
	return nil, err
}

// register adds s to the engine and derives its context. The deadline is
// measured from creation so restored sessions keep their original budget.
func (e *Engine) register(s *core.Session) (*entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.sessions[s.ID]; ok {
		return ent, false
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d := e.policy.SessionDeadline; d > 0 {
		ctx, cancel = context.WithDeadline(e.ctx, s.Created.Add(d))
	} else {
		ctx, cancel = context.WithCancel(e.ctx)
	}
	ent := &entry{s: s, ctx: ctx, cancel: cancel, changed: make(chan struct{})}
	context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.expire(ent)
		}
	})
	e.sessions[s.ID] = ent
	return ent, true
}

func (e *Engine) spawn(ent *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ent)
	}()
}

// expire decides a session that is still waiting for a human when its
// deadline passes. Gathering sessions notice the deadline themselves.
func (e *Engine) expire(ent *entry) {
	ent.mu.Lock()
	if ent.s.State != core.StateAwaitingHuman {
		ent.mu.Unlock()
		return
	}
	ent.s.PendingHumanInput = ""
	err := e.transition(ent, core.StateDeciding, "session deadline exceeded")
	ent.mu.Unlock()
	if err == nil {
		e.spawn(ent)
	}
}

// run drives a session until it suspends or terminates.
func (e *Engine) run(ent *entry) {
	for {
		ent.mu.Lock()
		state := ent.s.State
		ent.mu.Unlock()

		switch state {
		case core.StateCreated:
			if !e.advance(ent, core.StateCreated, core.StateGathering, "gathering evidence") {
				return
			}
		case core.StateGathering:
			e.gather(ent)
			if !e.afterGather(ent) {
				return
			}
		case core.StateDeciding:
			e.decide(ent)
			return
		default:
			return
		}
	}
}

func (e *Engine) advance(ent *entry, from, to core.State, reason string) bool {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.s.State != from {
		return false
	}
	return e.transition(ent, to, reason) == nil
}

// afterGather moves a Gathering session on. It returns false when the
// workflow suspends or stops.
func (e *Engine) afterGather(ent *entry) bool {
	ent.mu.Lock()
	if ent.s.State != core.StateGathering {
		ent.mu.Unlock()
		return false
	}
	if err := ent.ctx.Err(); err != nil {
		defer ent.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			return e.transition(ent, core.StateDeciding, "session deadline exceeded") == nil
		}
		// engine shutdown; the persisted Gathering state is restorable
		return false
	}

	complete, missing := true, ""
	if e.policy.Complete != nil {
		complete, missing = e.policy.Complete(ent.s.Snapshot())
	}
	if complete || e.human == nil || ent.s.HumanRounds >= e.policy.MaxHumanRounds {
		reason := "evidence complete"
		if !complete {
			reason = "deciding on incomplete evidence: " + missing
		}
		err := e.transition(ent, core.StateDeciding, reason)
		ent.mu.Unlock()
		return err == nil
	}

	id := ent.s.ID
	text := fmt.Sprintf("Underwriting of %s (%s) is missing information: %s. Answer with the missing details or ask for a retry.",
		ent.s.ApplicantRef, id, missing)
	ent.s.PendingHumanInput = text
	ent.s.HumanRounds++
	if err := e.transition(ent, core.StateAwaitingHuman, missing); err != nil {
		ent.mu.Unlock()
		return false
	}
	ent.mu.Unlock()

	if err := e.human.Prompt(ent.ctx, id, text); err != nil {
		e.logger.Warn("underwriter.human.prompt_failed", "session", id, "error", err.Error())
		if errors.Is(ent.ctx.Err(), context.Canceled) {
			return false
		}
		ent.mu.Lock()
		defer ent.mu.Unlock()
		if ent.s.State != core.StateAwaitingHuman || ent.s.PendingHumanInput != text {
			return false
		}
		ent.s.PendingHumanInput = ""
		return e.transition(ent, core.StateDeciding, "human channel unavailable") == nil
	}
	return false
}

// transition applies a state change, persists the session and wakes
// waiters. Callers hold ent.mu.
func (e *Engine) transition(ent *entry, to core.State, reason string) error {
	from := ent.s.State
	if err := ent.s.Transition(to, reason); err != nil {
		return err
	}
	Transitions.WithLabelValues(string(from), string(to)).Inc()
	logging.Transition(e.logger, ent.s.ID, string(from), string(to), reason)

	if to.Terminal() {
		outcome := "cancelled"
		if ent.s.Decision != nil {
			outcome = string(ent.s.Decision.Outcome)
		}
		ActiveSessions.Dec()
		SessionsFinished.WithLabelValues(outcome).Inc()
		ent.cancel()
		// an archived session is served from the store from now on
		if e.archiveSession(ent.s) == nil {
			e.evict(ent)
		}
	} else {
		e.persist(ent.s)
	}
	ent.notify()
	return nil
}

func (e *Engine) persist(s *core.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.PersistTimeout)
	defer cancel()
	if err := e.store.Save(ctx, s); err != nil {
		e.logger.Error("underwriter.session.persist_failed", "session", s.ID, "state", string(s.State), "error", err.Error())
	}
}

func (e *Engine) archiveSession(s *core.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.PersistTimeout)
	defer cancel()
	if err := e.store.Archive(ctx, s); err != nil {
		e.logger.Error("underwriter.session.archive_failed", "session", s.ID, "error", err.Error())
		return err
	}
	return nil
}

// evict drops a finished session from memory. Callers hold ent.mu; e.mu is
// never held while acquiring a session lock.
func (e *Engine) evict(ent *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[ent.s.ID] == ent {
		delete(e.sessions, ent.s.ID)
	}
}

// todo marks the steps whose authoritative evidence is missing or
// unavailable. When every source is available the whole plan runs again.
func (e *Engine) todo(snap core.EvidenceSnapshot) []bool {
	out := make([]bool, len(e.policy.Steps))
	stale := false
	for i, st := range e.policy.Steps {
		if it, ok := snap.Latest(st.source()); !ok || !it.Available {
			out[i] = true
			stale = true
		}
	}
	if !stale {
		for i := range out {
			out[i] = true
		}
	}
	return out
}

type plannedCall struct {
	step    Step
	payload map[string]any
	// blocked is recorded instead of calling when a dependency is missing.
	blocked *core.EvidenceItem
	skip    bool
}

// plan prepares step i from the current evidence. It returns false when the
// session left Gathering.
func (e *Engine) plan(ent *entry, i int) (plannedCall, bool) {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.s.State != core.StateGathering {
		return plannedCall{}, false
	}

	st := e.policy.Steps[i]
	snap := ent.s.Snapshot()
	deps := make(map[string]core.EvidenceItem, len(st.DependsOn))
	for _, d := range st.DependsOn {
		it, ok := snap.Latest(d)
		if !ok || !it.Available {
			blocked := core.UnavailableEvidence(st.source(),
				core.NewError(core.CodeDependencyUnavailable, "%s requires %s", st.source(), d).WithDetail("dependency", d))
			return plannedCall{step: st, blocked: &blocked}, true
		}
		deps[d] = it
	}

	payload, ok := st.Payload(snap.Application, deps)
	if !ok {
		return plannedCall{step: st, skip: true}, true
	}
	return plannedCall{step: st, payload: payload}, true
}

// execute performs a planned call. It returns false when the session context
// was cancelled, in which case nothing should be recorded.
func (e *Engine) execute(ent *entry, id string, pc plannedCall) (core.EvidenceItem, bool) {
	if pc.blocked != nil {
		return *pc.blocked, true
	}

	timeout := pc.step.Timeout
	if timeout <= 0 {
		timeout = e.policy.CallTimeout
	}

	start := time.Now()
	out, err := e.caller.Call(ent.ctx, pc.step.Recipient, pc.step.Capability, pc.payload, timeout, a2a.WithSession(id))
	e.logCall(id, pc.step, time.Since(start), err)

	if err != nil {
		if errors.Is(ent.ctx.Err(), context.Canceled) {
			return core.EvidenceItem{}, false
		}
		return core.UnavailableEvidence(pc.step.source(), err), true
	}
	return core.NewEvidence(pc.step.source(), out), true
}

func (e *Engine) logCall(id string, st Step, dur time.Duration, err error) {
	resolution := "fulfilled"
	switch {
	case core.HasCode(err, core.CodeCallTimeout):
		resolution = "timed_out"
	case err != nil:
		resolution = "errored"
	}
	if sl, ok := e.logger.(*logging.StructuredLogger); ok {
		sl.WithSession(id).LogCapabilityCall(st.Recipient, st.Capability, dur, resolution, err)
		return
	}
	e.logger.Debug("underwriter.call", "session", id, "capability", st.Capability, "resolution", resolution, "duration", dur)
}

// record appends items in order. It returns false when the session left
// Gathering in the meantime.
func (e *Engine) record(ent *entry, items ...core.EvidenceItem) bool {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.s.State != core.StateGathering {
		return false
	}
	if len(items) == 0 {
		return true
	}
	ent.s.AppendEvidence(items...)
	e.persist(ent.s)
	ent.notify()
	return true
}

// gather runs one round of the plan, wave by wave.
func (e *Engine) gather(ent *entry) {
	start := time.Now()
	defer func() {
		GatherDuration.WithLabelValues(e.policy.Mode.String()).Observe(time.Since(start).Seconds())
	}()

	ent.mu.Lock()
	id := ent.s.ID
	todo := e.todo(ent.s.Snapshot())
	ent.mu.Unlock()

	for _, wave := range e.waves {
		var steps []int
		for _, i := range wave {
			if todo[i] {
				steps = append(steps, i)
			}
		}
		if len(steps) == 0 {
			continue
		}

		if e.policy.Mode == Concurrent {
			if !e.gatherConcurrent(ent, id, steps) {
				return
			}
			continue
		}

		for _, i := range steps {
			pc, ok := e.plan(ent, i)
			if !ok {
				return
			}
			if pc.skip {
				continue
			}
			item, ok := e.execute(ent, id, pc)
			if !ok || !e.record(ent, item) {
				return
			}
		}
	}
}

func (e *Engine) gatherConcurrent(ent *entry, id string, steps []int) bool {
	planned := make([]plannedCall, 0, len(steps))
	for _, i := range steps {
		pc, ok := e.plan(ent, i)
		if !ok {
			return false
		}
		if !pc.skip {
			planned = append(planned, pc)
		}
	}

	items := make([]core.EvidenceItem, len(planned))
	oks := make([]bool, len(planned))
	var wg sync.WaitGroup
	for k, pc := range planned {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items[k], oks[k] = e.execute(ent, id, pc)
		}()
	}
	wg.Wait()

	for _, ok := range oks {
		if !ok {
			return false
		}
	}
	return e.record(ent, items...)
}

// decide scores the evidence and finishes the session. Scoring errors and
// invalid outcomes produce a REFER report.
func (e *Engine) decide(ent *entry) {
	ent.mu.Lock()
	if ent.s.State != core.StateDeciding {
		ent.mu.Unlock()
		return
	}
	snap := ent.s.Snapshot()
	id, ref := ent.s.ID, ent.s.ApplicantRef
	ent.mu.Unlock()

	base := ent.ctx
	if errors.Is(base.Err(), context.DeadlineExceeded) {
		base = context.WithoutCancel(base)
	}
	ctx, cancel := context.WithTimeout(base, e.opts.ScoringTimeout)
	defer cancel()

	start := time.Now()
	verdict, err := e.scorer.Evaluate(ctx, snap)
	if err == nil && !verdict.Outcome.Valid() {
		err = fmt.Errorf("scorer returned invalid outcome %q", verdict.Outcome)
	}
	if err != nil && errors.Is(ent.ctx.Err(), context.Canceled) {
		// cancelled or shutting down; leave the session as it is
		return
	}
	e.logScoring(id, verdict.Outcome, time.Since(start), err)

	unavailable := snap.Unavailable()
	report := core.Report{
		SessionID:        id,
		ApplicantRef:     ref,
		Outcome:          verdict.Outcome,
		RiskScore:        verdict.RiskScore,
		Conditions:       verdict.Conditions,
		Rationale:        verdict.Rationale,
		Unavailable:      unavailable,
		EvidenceSnapshot: snap,
		CreatedAt:        time.Now().UTC(),
	}
	if err != nil {
		ScoringFailures.Inc()
		report.Outcome = core.OutcomeRefer
		report.RiskScore = 50
		report.Conditions = nil
		report.ScoringFailed = true
		report.Rationale = fmt.Sprintf("Scoring failed (%s); referred for manual review.", err.Error())
	}
	report.Rationale = withAvailability(report.Rationale, unavailable)

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.s.State != core.StateDeciding {
		return
	}
	ent.s.Decision = &report
	if err := e.transition(ent, core.StateDone, string(report.Outcome)); err != nil {
		ent.s.Decision = nil
		e.logger.Error("underwriter.session.finish_failed", "session", id, "error", err.Error())
		return
	}

	actx, acancel := context.WithTimeout(context.Background(), e.opts.PersistTimeout)
	defer acancel()
	if err := e.archive.Put(actx, report.Clone()); err != nil {
		e.logger.Error("underwriter.report.archive_failed", "session", id, "error", err.Error())
	}
}

func (e *Engine) logScoring(id string, outcome core.Outcome, dur time.Duration, err error) {
	scorer := fmt.Sprintf("%T", e.scorer)
	if sl, ok := e.logger.(*logging.StructuredLogger); ok {
		sl.WithSession(id).LogScoring(scorer, string(outcome), dur, err)
		return
	}
	if err != nil {
		e.logger.Warn("underwriter.scoring.failed", "session", id, "scorer", scorer, "error", err.Error())
		return
	}
	e.logger.Debug("underwriter.scoring.ok", "session", id, "scorer", scorer, "outcome", string(outcome), "duration", dur)
}

func withAvailability(rationale string, unavailable []string) string {
	rationale = strings.TrimSpace(rationale)
	if rationale != "" {
		rationale += " "
	}
	if len(unavailable) == 0 {
		return rationale + "All evidence sources were available."
	}
	return rationale + "Unavailable evidence: " + strings.Join(unavailable, ", ") + "."
}
