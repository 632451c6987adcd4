// Package pipeline runs the two orchestrators, ingestion and query, and
// the chat management operations built on the same handles.
package pipeline

import (
	"fmt"
	"log"
	"time"
)

// Step is a state of an orchestrator. A failure is reported against the
// state that was being entered when it happened.
type Step string

const (
	StepReceived Step = "Received"

	StepFileStored      Step = "FileStored"
	StepExtracted       Step = "Extracted"
	StepChunked         Step = "Chunked"
	StepEmbedded        Step = "Embedded"
	StepIndexed         Step = "Indexed"
	StepSessionRecorded Step = "SessionRecorded"

	StepChatResolved              Step = "ChatResolved"
	StepUserMessagePersisted      Step = "UserMessagePersisted"
	StepQueryEmbedded             Step = "QueryEmbedded"
	StepRetrieved                 Step = "Retrieved"
	StepContextAssembled          Step = "ContextAssembled"
	StepGenerated                 Step = "Generated"
	StepAssistantMessagePersisted Step = "AssistantMessagePersisted"

	StepDone Step = "Done"
)

// IngestSteps and QuerySteps list the states in order.
var (
	IngestSteps = []Step{StepReceived, StepFileStored, StepExtracted, StepChunked,
		StepEmbedded, StepIndexed, StepSessionRecorded, StepDone}
	QuerySteps = []Step{StepReceived, StepChatResolved, StepUserMessagePersisted,
		StepQueryEmbedded, StepRetrieved, StepContextAssembled, StepGenerated,
		StepAssistantMessagePersisted, StepDone}
)

var stepLabels = map[Step]string{
	StepReceived:                  "Request Validation",
	StepFileStored:                "File Storage",
	StepExtracted:                 "PDF Parsing",
	StepChunked:                   "Text Splitting",
	StepEmbedded:                  "Embedding Generation",
	StepIndexed:                   "Vector Upsert",
	StepSessionRecorded:           "Chat Creation",
	StepChatResolved:              "Chat Lookup",
	StepUserMessagePersisted:      "Saving Message",
	StepQueryEmbedded:             "Query Embedding",
	StepRetrieved:                 "Context Retrieval",
	StepContextAssembled:          "Context Assembly",
	StepGenerated:                 "Answer Generation",
	StepAssistantMessagePersisted: "Saving Response",
}

// Label is the human readable name shown to end users.
func (s Step) Label() string {
	if l, ok := stepLabels[s]; ok {
		return l
	}
	return string(s)
}

// StepError is returned by every orchestrator failure.
type StepError struct {
	Pipeline string
	Step     Step
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step.Label(), e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RunOption customizes one orchestrator run.
type RunOption func(*runOptions)

type runOptions struct {
	onStep     func(Step)
	onProgress func(step Step, done, total int)
	onChat     func(chatID string)
}

// WithStepHook is called as each state is entered, and with StepDone on success.
func WithStepHook(fn func(Step)) RunOption {
	return func(o *runOptions) { o.onStep = fn }
}

// WithProgress reports item counts inside the Embedded and Indexed states.
func WithProgress(fn func(step Step, done, total int)) RunOption {
	return func(o *runOptions) { o.onProgress = fn }
}

// WithChatResolved is called once a query knows which chat it appends to,
// before any later state is entered.
func WithChatResolved(fn func(chatID string)) RunOption {
	return func(o *runOptions) { o.onChat = fn }
}

// run tracks the current state of one orchestrator execution.
type run struct {
	pipeline string
	step     Step
	started  time.Time
	opts     runOptions
}

func newRun(pipeline string, opts []RunOption) *run {
	r := &run{pipeline: pipeline, started: time.Now()}
	for _, opt := range opts {
		opt(&r.opts)
	}
	return r
}

func (r *run) enter(step Step) {
	r.step = step
	log.Printf("[%s] step=%s", r.pipeline, step)
	if r.opts.onStep != nil {
		r.opts.onStep(step)
	}
}

func (r *run) progress(done, total int) {
	if r.opts.onProgress != nil {
		r.opts.onProgress(r.step, done, total)
	}
}

func (r *run) fail(err error) error {
	log.Printf("[%s] step=%s failed after %s: %v", r.pipeline, r.step, time.Since(r.started).Round(time.Millisecond), err)
	return &StepError{Pipeline: r.pipeline, Step: r.step, Err: err}
}

func (r *run) done() {
	r.enter(StepDone)
	log.Printf("[%s] completed in %s", r.pipeline, time.Since(r.started).Round(time.Millisecond))
}
