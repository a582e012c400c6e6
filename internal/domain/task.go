package domain

import (
	"sync"
	"time"
)

// TaskStatus represents the states a generation task can be in.
type TaskStatus string

const (
	StatusNotStart   TaskStatus = "NOT_START"
	StatusSubmitted  TaskStatus = "SUBMITTED"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusFailure    TaskStatus = "FAILURE"
	StatusSuccess    TaskStatus = "SUCCESS"
	StatusCancel     TaskStatus = "CANCEL"
)

// IsTerminal returns true if no further state transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancel
}

// TaskAction identifies which upstream operation a task performs.
type TaskAction string

const (
	ActionImagine   TaskAction = "IMAGINE"
	ActionUpscale   TaskAction = "UPSCALE"
	ActionVariation TaskAction = "VARIATION"
	ActionReroll    TaskAction = "REROLL"
	ActionDescribe  TaskAction = "DESCRIBE"
	ActionBlend     TaskAction = "BLEND"
	ActionCustom    TaskAction = "ACTION"
)

// legalTransitions enumerates every allowed status change. Terminal states
// have no successors.
var legalTransitions = map[TaskStatus][]TaskStatus{
	StatusNotStart:   {StatusSubmitted, StatusFailure},
	StatusSubmitted:  {StatusInProgress, StatusSuccess, StatusFailure, StatusCancel},
	StatusInProgress: {StatusSuccess, StatusFailure, StatusCancel},
}

func transitionAllowed(from, to TaskStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskData is the serializable snapshot of a task. Field names follow the
// external API contract.
type TaskData struct {
	ID          string         `json:"id"`
	Action      TaskAction     `json:"action"`
	Nonce       string         `json:"nonce,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	MessageHash string         `json:"messageHash,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Description string         `json:"description,omitempty"`
	Status      TaskStatus     `json:"status"`
	Progress    string         `json:"progress,omitempty"`
	ImageURL    string         `json:"imageUrl,omitempty"`
	SubmitTime  int64          `json:"submitTime,omitempty"`
	StartTime   int64          `json:"startTime,omitempty"`
	FinishTime  int64          `json:"finishTime,omitempty"`
	FailReason  string         `json:"failReason,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Task is the mutable task record. It is written to by the executing
// instance and by inbound upstream events, and read by API handlers, so all
// access goes through locked accessors. Snapshot produces the value used
// for persistence and notification.
type Task struct {
	mu   sync.RWMutex
	data TaskData
}

// NewTask creates a task in NOT_START with its submit time set.
func NewTask(data TaskData) *Task {
	if data.Status == "" {
		data.Status = StatusNotStart
	}
	if data.SubmitTime == 0 {
		data.SubmitTime = nowMillis()
	}
	if data.Properties == nil {
		data.Properties = map[string]any{}
	}
	return &Task{data: data}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (t *Task) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.ID
}

func (t *Task) Action() TaskAction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.Action
}

func (t *Task) Nonce() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.Nonce
}

func (t *Task) MessageID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.MessageID
}

func (t *Task) Prompt() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.Prompt
}

func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.Status
}

func (t *Task) Progress() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.Progress
}

func (t *Task) StartTime() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.StartTime
}

func (t *Task) FailReason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.data.FailReason
}

// Snapshot returns a deep copy of the task state safe to marshal or hand to
// collaborators.
func (t *Task) Snapshot() TaskData {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := t.data
	snap.Properties = make(map[string]any, len(t.data.Properties))
	for k, v := range t.data.Properties {
		snap.Properties[k] = v
	}
	return snap
}

// SetStatus performs a checked state transition. Illegal transitions are
// rejected with IllegalTransitionError; callers that cannot surface the
// error log and drop it.
func (t *Task) SetStatus(to TaskStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(to)
}

// transition must be called with t.mu held.
func (t *Task) transition(to TaskStatus) error {
	from := t.data.Status
	if !transitionAllowed(from, to) {
		return &IllegalTransitionError{TaskID: t.data.ID, From: from, To: to}
	}
	t.data.Status = to
	if to.IsTerminal() {
		t.data.FinishTime = nowMillis()
	}
	return nil
}

// Start moves the task to SUBMITTED, stamping its start time and zeroing
// progress.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(StatusSubmitted); err != nil {
		return err
	}
	t.data.StartTime = nowMillis()
	t.data.Progress = "0%"
	return nil
}

// Fail moves the task to FAILURE and records the reason.
func (t *Task) Fail(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(StatusFailure); err != nil {
		return err
	}
	t.data.FailReason = reason
	return nil
}

// Succeed moves the task to SUCCESS and records the produced image URL.
func (t *Task) Succeed(imageURL string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transition(StatusSuccess); err != nil {
		return err
	}
	if imageURL != "" {
		t.data.ImageURL = imageURL
	}
	t.data.Progress = "100%"
	return nil
}

func (t *Task) SetProgress(p string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Progress = p
}

func (t *Task) SetMessageID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.MessageID = id
}

func (t *Task) SetMessageHash(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.MessageHash = hash
}

func (t *Task) SetDescription(d string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Description = d
}

func (t *Task) SetProperty(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Properties[key] = value
}

func (t *Task) Property(key string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.data.Properties[key]
	return v, ok
}
