package model

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is the pipeline-wide fail-tolerance policy.
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeTolerant Mode = "tolerant"
)

// ErrorKind classifies a PipelineError.
type ErrorKind string

const (
	KindFetch      ErrorKind = "fetch"
	KindParse      ErrorKind = "parse"
	KindValidation ErrorKind = "validation"
	KindPolicy     ErrorKind = "policy"
	KindExport     ErrorKind = "export"
	KindInternal   ErrorKind = "internal"
)

// PipelineError is one accumulated error entry. The list inside
// PipelineContext is append-only.
type PipelineError struct {
	Kind      ErrorKind `json:"kind"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Context   string    `json:"context,omitempty"` // offending URL fragment / record id, already redacted
	Timestamp time.Time `json:"timestamp"`
}

// PipelineContext is the per-invocation state. It is owned by the coordinator
// for the duration of one run and never persisted. Single writer at a time;
// the mutex exists so record-level helpers can append from any stage without
// the stages coordinating.
type PipelineContext struct {
	TraceID    string
	Mode       Mode
	DebugLevel int

	mu     sync.Mutex
	errors []PipelineError
	notes  map[string]string
}

func NewContext(mode Mode) *PipelineContext {
	if mode != ModeStrict {
		mode = ModeTolerant
	}
	return &PipelineContext{
		TraceID: uuid.NewString(),
		Mode:    mode,
	}
}

func (c *PipelineContext) AddError(kind ErrorKind, stage, message, context string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, PipelineError{
		Kind:      kind,
		Stage:     stage,
		Message:   message,
		Context:   context,
		Timestamp: time.Now(),
	})
}

// Errors returns a copy of the accumulated error list.
func (c *PipelineContext) Errors() []PipelineError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PipelineError, len(c.errors))
	copy(out, c.errors)
	return out
}

func (c *PipelineContext) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

// Note records a cross-stage diagnostic key/value (e.g. used parser id).
func (c *PipelineContext) Note(k, v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notes == nil {
		c.notes = make(map[string]string)
	}
	c.notes[k] = v
}

func (c *PipelineContext) GetNote(k string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.notes[k]
	return v, ok
}
