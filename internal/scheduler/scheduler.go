// Package scheduler admits video jobs under a global concurrency ceiling and
// per-resource-class ceilings, queues the rest by priority, and tracks each
// job's phase as the pipeline reports it.
//
// One mutex guards the record map, the pending queue, the in-flight counters
// and the hook registry, so an admission decision and the counter update it
// implies are always observed together.
//
// A job's resource class is fixed at submission and both acquire and release
// use it. Letting the class follow the job's current phase would free render
// slots while a render-class job is still downloading, at the cost of
// re-checking ceilings on every phase change; that variant is not
// implemented.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/reelgate/reelgate/internal/job"
	"github.com/reelgate/reelgate/internal/memhint"
	"github.com/reelgate/reelgate/internal/webhook"
)

// Runnable is the unit of work executed once a job is admitted. The returned
// value becomes the record's Result on success.
type Runnable func(ctx context.Context) (any, error)

// Scheduler owns every live job record. Create one with New.
type Scheduler struct {
	mu       sync.Mutex
	records  map[string]*job.Record
	inflight map[string]struct{}
	queue    pqueue
	acct     accountant
	hooks    hookRegistry
	seq      uint64
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	store    job.Store
	recorder *recorder
	events   *broker
	hinter   memhint.Hinter
	notifier *webhook.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Scheduler)

// WithStore mirrors every record change into a history store.
func WithStore(s job.Store) Option {
	return func(sc *Scheduler) { sc.store = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(sc *Scheduler) { sc.logger = l }
}

// WithHinter sets the memory hinter used after resource-exhaustion failures.
func WithHinter(h memhint.Hinter) Option {
	return func(sc *Scheduler) { sc.hinter = h }
}

// WithNotifier enables webhook callbacks for jobs submitted with a callback URL.
func WithNotifier(n *webhook.Notifier) Option {
	return func(sc *Scheduler) { sc.notifier = n }
}

func withClock(now func() time.Time) Option {
	return func(sc *Scheduler) { sc.now = now }
}

// SubmitOption customises a single submission.
type SubmitOption func(*job.Record)

// WithCallback posts the terminal record to url once the job finishes.
func WithCallback(url string) SubmitOption {
	return func(r *job.Record) { r.CallbackURL = url }
}

// New returns a Scheduler with the given ceilings.
func New(limits Limits, opts ...Option) (*Scheduler, error) {
	if err := limits.validate(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		records:  make(map[string]*job.Record),
		inflight: make(map[string]struct{}),
		acct:     accountant{limits: limits},
		hooks:    make(hookRegistry),
		ctx:      ctx,
		cancel:   cancel,
		events:   newBroker(),
		hinter:   memhint.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.store != nil {
		s.recorder = newRecorder(s.logger)
	}
	return s, nil
}

// Submit registers a job and either starts it immediately or queues it.
// A job is queued when the global ceiling is reached or when its resource
// class is already at capacity.
func (s *Scheduler) Submit(jobID string, priority int, class job.ResourceClass, work Runnable, opts ...SubmitOption) error {
	if jobID == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidJob)
	}
	if work == nil {
		return fmt.Errorf("%w: nil work for job %s", ErrInvalidJob, jobID)
	}
	if !class.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.records[jobID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}

	now := s.now()
	s.seq++
	rec := &job.Record{
		ID:        jobID,
		Priority:  priority,
		Class:     class,
		Seq:       s.seq,
		Phase:     job.PhaseInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, o := range opts {
		o(rec)
	}
	s.records[jobID] = rec
	s.record("save", rec, func(ctx context.Context, snap *job.Record) error {
		return s.store.Save(ctx, snap)
	})

	e := &entry{rec: rec, work: work}
	if s.acct.canAdmit(class) {
		s.admitLocked(e)
		return nil
	}
	s.queue.push(e)
	s.logger.Info("job queued", "job_id", jobID, "priority", priority, "class", class, "queued", s.queue.Len())
	return nil
}

// admitLocked bumps the counters for e and starts its goroutine.
func (s *Scheduler) admitLocked(e *entry) {
	rec := e.rec
	s.acct.acquire(rec.Class)
	s.inflight[rec.ID] = struct{}{}

	now := s.now()
	rec.Running = true
	rec.StartedAt = &now
	rec.UpdatedAt = now
	id := rec.ID
	s.record("mark_running", rec, func(ctx context.Context, _ *job.Record) error {
		return s.store.MarkRunning(ctx, id, now)
	})
	s.events.notify(id, Event{Event: "status", Data: `{"state":"running"}`})
	s.logger.Info("job admitted", "job_id", id, "priority", rec.Priority, "class", rec.Class,
		"global_in_flight", s.acct.global)

	s.wg.Add(1)
	go s.run(id, e.work)
}

// run is the execution boundary: whatever the work does, the job reaches a
// terminal state and its slots are released exactly once.
func (s *Scheduler) run(jobID string, work Runnable) {
	defer s.wg.Done()
	defer s.complete(jobID)

	result, err := s.execute(jobID, work)
	s.finish(jobID, result, err)
}

func (s *Scheduler) execute(jobID string, work Runnable) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			s.logger.Error("job panicked", "job_id", jobID, "panic", r)
		}
	}()
	return work(s.ctx)
}

// finish records the terminal state. A nil error still counts as a failure
// when the work itself already moved the job to PhaseFailed. A job that
// already reached PhaseComplete stays complete whatever the work returns
// afterwards, since Failed is only reachable from a non-terminal phase.
func (s *Scheduler) finish(jobID string, result any, err error) {
	s.mu.Lock()
	rec, ok := s.records[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	from := rec.Phase
	now := s.now()
	rec.Running = false
	rec.UpdatedAt = now
	rec.FinishedAt = &now

	var lateErr error
	if rec.Phase == job.PhaseComplete {
		lateErr = err
		rec.Complete = true
		rec.Progress = 100
		rec.Result = result
	} else if err == nil && rec.Phase != job.PhaseFailed {
		rec.Complete = true
		rec.Phase = job.PhaseComplete
		rec.Progress = 100
		rec.Result = result
	} else {
		if err == nil {
			err = errors.New("job moved to failed phase without an error")
		}
		rec.Failed = true
		rec.Phase = job.PhaseFailed
		rec.Error = err.Error()
		rec.ErrorKind = errorKind(err)
	}

	snap := rec.Clone()
	s.record("finish", rec, func(ctx context.Context, snap *job.Record) error {
		return s.store.Finish(ctx, snap)
	})
	var hooks []Hook
	if from != rec.Phase {
		hooks = s.hooks.snapshot(rec.Phase)
	}
	s.mu.Unlock()

	s.fireTerminalHooks(hooks, jobID, from, snap.Phase)

	if lateErr != nil {
		s.logger.Error("error after job completed", "job_id", jobID, "error", lateErr)
	}

	if snap.Failed {
		s.logger.Error("job failed", "job_id", jobID, "phase", from, "kind", snap.ErrorKind, "error", snap.Error)
		if snap.ErrorKind == job.KindResourceExhausted || snap.ErrorKind == job.KindPanic {
			s.hinter.Reclaim("job " + jobID + " " + string(snap.ErrorKind))
		}
	} else {
		s.logger.Info("job complete", "job_id", jobID)
	}

	data, _ := json.Marshal(snap)
	s.events.notifyAndClose(jobID, Event{Event: "result", Data: string(data)})

	if snap.CallbackURL != "" && s.notifier != nil {
		s.notifier.Send(snap.CallbackURL, data)
	}
}

// fireTerminalHooks runs hooks for the final transition. Their panics are
// logged rather than propagated because the job is already finished.
func (s *Scheduler) fireTerminalHooks(hooks []Hook, jobID string, from, to job.Phase) {
	for _, h := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("terminal hook panicked", "job_id", jobID, "phase", to, "panic", r)
				}
			}()
			h(jobID, from, to)
		}()
	}
}

func errorKind(err error) job.ErrorKind {
	kind := job.Classify(err)
	var pe *PanicError
	if kind == job.KindFailed && errors.As(err, &pe) {
		return job.KindPanic
	}
	return kind
}

// complete releases the job's slots and admits whatever the freed capacity
// allows. Completing the same execution twice is a caller bug and panics.
func (s *Scheduler) complete(jobID string) {
	s.mu.Lock()
	if _, ok := s.inflight[jobID]; !ok {
		s.mu.Unlock()
		panic(fmt.Sprintf("scheduler: completion for job %s that is not in flight", jobID))
	}
	delete(s.inflight, jobID)
	rec := s.records[jobID]
	s.acct.release(rec.Class)
	s.drainLocked()
	s.mu.Unlock()
}

// drainLocked admits queued jobs while the global ceiling allows. If the head
// of the queue belongs to a saturated class it is pushed back and draining
// stops; lower-priority jobs are never admitted around it.
func (s *Scheduler) drainLocked() {
	for !s.closed && s.acct.hasRoom() && !s.queue.empty() {
		e := s.queue.pop()
		if s.acct.classFull(e.rec.Class) {
			s.queue.push(e)
			s.logger.Debug("queue head blocked on resource class", "job_id", e.rec.ID, "class", e.rec.Class)
			return
		}
		s.admitLocked(e)
	}
}

// RegisterHook appends hook to the observers of transitions into phase.
func (s *Scheduler) RegisterHook(phase job.Phase, hook Hook) {
	if hook == nil || !phase.Valid() {
		return
	}
	s.mu.Lock()
	s.hooks.add(phase, hook)
	s.mu.Unlock()
}

// UpdatePhase moves a running job to phase and sets its progress, then runs
// the hooks registered for phase in registration order on the caller's
// goroutine. A hook panic propagates to the caller.
func (s *Scheduler) UpdatePhase(jobID string, phase job.Phase, progress int) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPhase, int(phase))
	}

	s.mu.Lock()
	rec, err := s.runningLocked(jobID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !rec.Phase.CanTransition(phase) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for job %s", ErrPhaseRegression, rec.Phase, phase, jobID)
	}
	from := rec.Phase
	rec.Phase = phase
	rec.Progress = clampProgress(progress)
	rec.UpdatedAt = s.now()
	at := rec.UpdatedAt
	s.record("update_phase", rec, func(ctx context.Context, snap *job.Record) error {
		return s.store.UpdatePhase(ctx, snap.ID, snap.Phase, snap.Progress, at)
	})
	hooks := s.hooks.snapshot(phase)
	s.mu.Unlock()

	s.logger.Info("job phase", "job_id", jobID, "from", from, "phase", phase, "progress", progress)
	s.events.notify(jobID, phaseEvent(phase, clampProgress(progress)))

	for _, h := range hooks {
		h(jobID, from, phase)
	}
	return nil
}

// UpdateProgress changes only the progress of a running job. Hooks do not fire.
func (s *Scheduler) UpdateProgress(jobID string, progress int) error {
	s.mu.Lock()
	rec, err := s.runningLocked(jobID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rec.Progress = clampProgress(progress)
	rec.UpdatedAt = s.now()
	at := rec.UpdatedAt
	phase := rec.Phase
	s.record("update_progress", rec, func(ctx context.Context, snap *job.Record) error {
		return s.store.UpdatePhase(ctx, snap.ID, snap.Phase, snap.Progress, at)
	})
	s.mu.Unlock()

	s.events.notify(jobID, phaseEvent(phase, clampProgress(progress)))
	return nil
}

func (s *Scheduler) runningLocked(jobID string) (*job.Record, error) {
	rec, ok := s.records[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if rec.Complete || rec.Failed || rec.Phase.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrJobTerminal, jobID)
	}
	if !rec.Running {
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, jobID)
	}
	return rec, nil
}

func phaseEvent(phase job.Phase, progress int) Event {
	data, _ := json.Marshal(struct {
		Phase    job.Phase `json:"phase"`
		Progress int       `json:"progress"`
	}{phase, progress})
	return Event{Event: "phase", Data: string(data)}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// record queues a history write with a snapshot of rec taken now.
// Must be called with s.mu held.
func (s *Scheduler) record(name string, rec *job.Record, fn func(ctx context.Context, snap *job.Record) error) {
	if s.recorder == nil {
		return
	}
	snap := rec.Clone()
	s.recorder.add(name, rec.ID, func(ctx context.Context) error {
		return fn(ctx, snap)
	})
}

// GetJob returns a copy of the live record for jobID.
func (s *Scheduler) GetJob(jobID string) (*job.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// ListActive returns running jobs, oldest admission first.
func (s *Scheduler) ListActive() []*job.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// ListQueued returns pending jobs in the order they would be admitted.
func (s *Scheduler) ListQueued() []*job.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedLocked()
}

func (s *Scheduler) ListCompleted() []*job.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedLocked(job.StateComplete)
}

func (s *Scheduler) ListFailed() []*job.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedLocked(job.StateFailed)
}

// ListAll returns running, queued, complete and failed jobs, in that order,
// from one consistent snapshot.
func (s *Scheduler) ListAll() []*job.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.activeLocked()
	out = append(out, s.queuedLocked()...)
	out = append(out, s.finishedLocked(job.StateComplete)...)
	return append(out, s.finishedLocked(job.StateFailed)...)
}

func (s *Scheduler) queuedLocked() []*job.Record {
	ordered := s.queue.ordered()
	out := make([]*job.Record, len(ordered))
	for i, r := range ordered {
		out[i] = r.Clone()
	}
	return out
}

func (s *Scheduler) activeLocked() []*job.Record {
	recs := s.collectLocked(func(r *job.Record) bool { return r.State() == job.StateRunning })
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartedAt.Before(*recs[j].StartedAt) ||
			(recs[i].StartedAt.Equal(*recs[j].StartedAt) && recs[i].Seq < recs[j].Seq)
	})
	return recs
}

func (s *Scheduler) finishedLocked(state job.State) []*job.Record {
	recs := s.collectLocked(func(r *job.Record) bool { return r.State() == state })
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].FinishedAt.Before(*recs[j].FinishedAt) ||
			(recs[i].FinishedAt.Equal(*recs[j].FinishedAt) && recs[i].Seq < recs[j].Seq)
	})
	return recs
}

func (s *Scheduler) collectLocked(keep func(*job.Record) bool) []*job.Record {
	var out []*job.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// SweepTerminal forgets every complete or failed record and returns how many
// were removed. History rows are left alone.
func (s *Scheduler) SweepTerminal() int {
	return s.sweep(func(*job.Record) bool { return true })
}

// SweepFinishedBefore forgets terminal records that finished before cutoff.
func (s *Scheduler) SweepFinishedBefore(cutoff time.Time) int {
	return s.sweep(func(r *job.Record) bool { return r.FinishedAt.Before(cutoff) })
}

func (s *Scheduler) sweep(match func(*job.Record) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.records {
		if !r.State().IsTerminal() || r.FinishedAt == nil {
			continue
		}
		if _, running := s.inflight[id]; running {
			continue
		}
		if match(r) {
			delete(s.records, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Info("swept terminal jobs", "count", n)
	}
	return n
}

// Stats returns counter and state totals.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.acct.snapshot()
	for _, r := range s.records {
		switch r.State() {
		case job.StateQueued:
			st.Queued++
		case job.StateRunning:
			st.Running++
		case job.StateComplete:
			st.Complete++
		case job.StateFailed:
			st.Failed++
		}
	}
	return st
}

// Subscribe returns a channel of events for a live job. When the job is
// already terminal the channel is nil and the returned record is final.
func (s *Scheduler) Subscribe(jobID string) (chan Event, *job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if rec.State().IsTerminal() {
		return nil, rec.Clone(), nil
	}
	return s.events.subscribe(jobID), rec.Clone(), nil
}

func (s *Scheduler) Unsubscribe(jobID string, ch chan Event) {
	s.events.unsubscribe(jobID, ch)
}

// Shutdown stops admissions, fails every queued job, and waits for running
// jobs. Queued jobs end like any other failure: Failed hooks run, subscribers
// get the result and callbacks are sent. If ctx ends first the jobs' context
// is cancelled and ctx.Err is returned once they have returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var dropped []*job.Record
	for !s.queue.empty() {
		rec := s.queue.pop().rec
		now := s.now()
		rec.Failed = true
		rec.Phase = job.PhaseFailed
		rec.Error = ErrClosed.Error()
		rec.ErrorKind = job.KindFailed
		rec.UpdatedAt = now
		rec.FinishedAt = &now
		s.record("finish", rec, func(ctx context.Context, snap *job.Record) error {
			return s.store.Finish(ctx, snap)
		})
		dropped = append(dropped, rec.Clone())
	}
	hooks := s.hooks.snapshot(job.PhaseFailed)
	s.mu.Unlock()

	for _, rec := range dropped {
		s.fireTerminalHooks(hooks, rec.ID, job.PhaseInit, job.PhaseFailed)
		data, _ := json.Marshal(rec)
		s.events.notifyAndClose(rec.ID, Event{Event: "result", Data: string(data)})
		if rec.CallbackURL != "" && s.notifier != nil {
			s.notifier.Send(rec.CallbackURL, data)
		}
	}
	if len(dropped) > 0 {
		s.logger.Warn("dropped queued jobs on shutdown", "count", len(dropped))
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		s.cancel()
		<-done
	}
	s.cancel()

	if s.recorder != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.recorder.close(flushCtx); err != nil {
			s.logger.Error("history flush incomplete", "error", err)
		}
	}
	return waitErr
}

// Flush waits until every history write issued so far has been applied.
func (s *Scheduler) Flush(ctx context.Context) error {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.flush(ctx)
}
