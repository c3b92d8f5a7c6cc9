package workflow

import (
	"context"
	"time"
)

// Handle is an opaque reference to a located page element. Only the
// driver that produced it knows what is inside.
type Handle interface{}

// ActionParams carries the action-specific inputs for PageDriver.Act
type ActionParams struct {
	Value string   `json:"value,omitempty"` // text to type, URL, option label, key name, scroll delta, script
	Files []string `json:"files,omitempty"` // upload targets
}

// PageDriver is the browser capability this core consumes. Implementations
// own navigation, element lookup and interaction; the core never sees
// scripting syntax, only this contract.
type PageDriver interface {
	// Navigate loads a URL and waits for the page to settle
	Navigate(ctx context.Context, url string) error

	// Locate finds an element for one selector candidate within timeout.
	// A miss is reported as an *AutomationError with ErrCodeElementNotFound.
	Locate(ctx context.Context, sel ElementSelector, timeout time.Duration) (Handle, error)

	// Act performs an action against a previously located handle. Page-level
	// actions (scroll, pressKey, executeScript) accept a nil handle.
	Act(ctx context.Context, handle Handle, action ActionKind, params ActionParams) error

	// Evaluate checks a post-step success condition against the live page
	Evaluate(ctx context.Context, cond SuccessCondition) (bool, error)

	// Close releases the underlying page/session
	Close() error
}
