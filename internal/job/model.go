package job

import (
	"errors"
	"fmt"
	"time"
)

// Phase is a named stage of the video pipeline. Phases are ordered; a job
// only moves forward through them, except for the jump to PhaseFailed.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseScript
	PhaseTerms
	PhaseAudio
	PhaseSubtitle
	PhaseDownload
	PhaseRender
	PhaseComplete
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseInit:     "init",
	PhaseScript:   "script",
	PhaseTerms:    "terms",
	PhaseAudio:    "audio",
	PhaseSubtitle: "subtitle",
	PhaseDownload: "download",
	PhaseRender:   "render",
	PhaseComplete: "complete",
	PhaseFailed:   "failed",
}

func (p Phase) String() string {
	if p.Valid() {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Valid reports whether p is one of the declared phases.
func (p Phase) Valid() bool {
	return p >= PhaseInit && p <= PhaseFailed
}

// IsTerminal returns true for Complete and Failed.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// CanTransition reports whether a record in phase p may move to next.
// Terminal phases accept nothing; Failed is reachable from any other phase.
func (p Phase) CanTransition(next Phase) bool {
	if !next.Valid() || p.IsTerminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	return next >= p
}

func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid phase %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePhase converts a phase name back into a Phase.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return PhaseInit, fmt.Errorf("unknown phase %q", s)
}

// ResourceClass groups jobs that compete for a limited slot pool of their
// own, in addition to the global concurrency ceiling.
type ResourceClass string

const (
	ClassNone     ResourceClass = "none"
	ClassDownload ResourceClass = "download"
	ClassRender   ResourceClass = "render"
)

func (c ResourceClass) Valid() bool {
	return c == ClassNone || c == ClassDownload || c == ClassRender
}

// State is the lifecycle position derived from a record's flags.
type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed
}

// ErrorKind distinguishes the failure categories recorded on failed jobs.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindFailed            ErrorKind = "failed"
	KindValidation        ErrorKind = "validation"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindPanic             ErrorKind = "panic"
)

var (
	// ErrValidation marks logically empty results (no script, no terms, no
	// usable material). Retrying cannot fix them.
	ErrValidation = errors.New("validation failed")
	// ErrResourceExhausted marks failures caused by running out of memory
	// or a similar host resource.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Classify maps an execution error to the kind recorded on the job.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindFailed
	}
}

// Record is the mutable state of one submitted job.
type Record struct {
	ID          string        `json:"job_id"`
	Priority    int           `json:"priority"`
	Class       ResourceClass `json:"resource_class"`
	Seq         uint64        `json:"seq"`
	Phase       Phase         `json:"phase"`
	Progress    int           `json:"progress"`
	Running     bool          `json:"running"`
	Complete    bool          `json:"complete"`
	Failed      bool          `json:"failed"`
	Result      any           `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   ErrorKind     `json:"error_kind,omitempty"`
	CallbackURL string        `json:"callback_url,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// State derives the lifecycle state. A record that is neither running nor
// terminal is queued.
func (r *Record) State() State {
	switch {
	case r.Complete:
		return StateComplete
	case r.Failed:
		return StateFailed
	case r.Running:
		return StateRunning
	default:
		return StateQueued
	}
}

// Clone returns a copy that shares no time pointers with r.
func (r *Record) Clone() *Record {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
