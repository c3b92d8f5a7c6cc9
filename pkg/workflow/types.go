package workflow

import (
	"time"
)

// ActionKind identifies what a step does to the page
type ActionKind string

const (
	ActionNavigate       ActionKind = "navigate"
	ActionClick          ActionKind = "click"
	ActionType           ActionKind = "type"
	ActionSelect         ActionKind = "select"
	ActionUpload         ActionKind = "upload"
	ActionScroll         ActionKind = "scroll"
	ActionWait           ActionKind = "wait"
	ActionWaitForElement ActionKind = "waitForElement"
	ActionAssertVisible  ActionKind = "assertVisible"
	ActionAssertText     ActionKind = "assertText"
	ActionExecuteScript  ActionKind = "executeScript"
	ActionPressKey       ActionKind = "pressKey"
)

// SelectorKind identifies how an element is located
type SelectorKind string

const (
	SelectorCSS       SelectorKind = "css"
	SelectorXPath     SelectorKind = "xpath"
	SelectorID        SelectorKind = "id"
	SelectorName      SelectorKind = "name"
	SelectorClassName SelectorKind = "className"
	SelectorText      SelectorKind = "text"
	SelectorAriaLabel SelectorKind = "ariaLabel"
	SelectorTestID    SelectorKind = "testId"
	SelectorVisual    SelectorKind = "visual"
	SelectorSmart     SelectorKind = "smart"
)

// Provenance records how a workflow came to exist
type Provenance string

const (
	ProvenanceManual        Provenance = "manual"
	ProvenanceAIObserved    Provenance = "aiObserved"
	ProvenanceAIGenerated   Provenance = "aiGenerated"
	ProvenanceImported      Provenance = "imported"
	ProvenanceAutoRecovered Provenance = "autoRecovered"
)

// ConditionKind identifies a post-step assertion
type ConditionKind string

const (
	CondElementVisible    ConditionKind = "elementVisible"
	CondElementNotVisible ConditionKind = "elementNotVisible"
	CondTextContains      ConditionKind = "textContains"
	CondTextEquals        ConditionKind = "textEquals"
	CondURLContains       ConditionKind = "urlContains"
	CondURLEquals         ConditionKind = "urlEquals"
	CondAttributeEquals   ConditionKind = "attributeEquals"
	CondElementCount      ConditionKind = "elementCount"
	CondCustom            ConditionKind = "custom"
)

// ElementSelector locates one page element. Workflows carry several
// ranked candidates per step so a layout change does not kill the run.
type ElementSelector struct {
	Kind           SelectorKind      `json:"kind"`
	Value          string            `json:"value"`
	ExpectedText   string            `json:"expectedText,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	ParentSelector string            `json:"parentSelector,omitempty"`
	PositionHint   *PositionHint     `json:"positionHint,omitempty"`
	Confidence     float64           `json:"confidence"` // [0,1], orders candidates
}

// PositionHint is an approximate bounding box recorded at learn time
type PositionHint struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SuccessCondition verifies the page after a step's action ran
type SuccessCondition struct {
	Kind      ConditionKind    `json:"kind"`
	Selector  *ElementSelector `json:"selector,omitempty"`
	Expected  string           `json:"expected,omitempty"`
	Attribute string           `json:"attribute,omitempty"`
	Count     int              `json:"count,omitempty"`
	Script    string           `json:"script,omitempty"` // for custom conditions
}

// WorkflowStep is one action within a learned workflow
type WorkflowStep struct {
	Order                int               `json:"order"`
	Action               ActionKind        `json:"action"`
	Selector             *ElementSelector  `json:"selector,omitempty"`
	AlternativeSelectors []ElementSelector `json:"alternativeSelectors,omitempty"`
	Value                string            `json:"value,omitempty"`
	InputVariable        string            `json:"inputVariable,omitempty"`
	WaitBeforeMs         int               `json:"waitBeforeMs,omitempty"`
	WaitAfterMs          int               `json:"waitAfterMs,omitempty"`
	TimeoutMs            int               `json:"timeoutMs,omitempty"`
	RetryCount           int               `json:"retryCount,omitempty"`
	IsOptional           bool              `json:"isOptional,omitempty"`
	SuccessCondition     *SuccessCondition `json:"successCondition,omitempty"`
	Confidence           float64           `json:"confidence"`
}

// LearnedWorkflow is a recorded or generated step sequence for one
// (platform, task) pair. Counters are only touched between runs.
type LearnedWorkflow struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Platform      string         `json:"platform"`
	TaskType      string         `json:"taskType"`
	Version       int            `json:"version"`
	Steps         []WorkflowStep `json:"steps"`
	SuccessCount  int            `json:"successCount"`
	FailureCount  int            `json:"failureCount"`
	Active        bool           `json:"active"`
	Provenance    Provenance     `json:"provenance"`
	LastSuccessAt *time.Time     `json:"lastSuccessAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Confidence derives the workflow reliability score from its counters.
// With no history it sits at 0.5 so new workflows are neither trusted
// nor shunned.
func (w *LearnedWorkflow) Confidence() float64 {
	total := w.SuccessCount + w.FailureCount
	if total == 0 {
		return 0.5
	}
	return float64(w.SuccessCount) / float64(total)
}

// RecordRun folds one run outcome into the workflow counters
func (w *LearnedWorkflow) RecordRun(success bool, at time.Time) {
	if success {
		w.SuccessCount++
		t := at
		w.LastSuccessAt = &t
	} else {
		w.FailureCount++
	}
	w.UpdatedAt = at
}

// Candidates returns the step's selectors in resolution order: primary
// first, then alternatives as stored (callers keep those sorted by
// descending confidence).
func (s *WorkflowStep) Candidates() []ElementSelector {
	out := make([]ElementSelector, 0, 1+len(s.AlternativeSelectors))
	if s.Selector != nil {
		out = append(out, *s.Selector)
	}
	out = append(out, s.AlternativeSelectors...)
	return out
}

// StepResult records the outcome of a single executed step
type StepResult struct {
	Order        int           `json:"order"`
	Action       ActionKind    `json:"action"`
	Success      bool          `json:"success"`
	Skipped      bool          `json:"skipped"`
	MatchedIndex int           `json:"matchedIndex"` // which candidate resolved, -1 if none
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	ErrorCode    string        `json:"errorCode,omitempty"`
}

// ExecutionResult aggregates one workflow run
type ExecutionResult struct {
	RunID          string        `json:"runId"`
	WorkflowID     string        `json:"workflowId"`
	OverallSuccess bool          `json:"overallSuccess"`
	StepsCompleted int           `json:"stepsCompleted"`
	StepResults    []StepResult  `json:"stepResults"`
	TotalDuration  time.Duration `json:"totalDuration"`
	Error          string        `json:"error,omitempty"`
	ErrorCode      string        `json:"errorCode,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	FinishedAt     time.Time     `json:"finishedAt"`
}
