package workflow

import (
	"context"
	"sync"
	"time"
)

// fakeDriver scripts PageDriver behavior for tests. The zero value
// resolves every selector and performs every action successfully.
type fakeDriver struct {
	mu sync.Mutex

	// locate decides whether a candidate resolves; nil resolves all
	locate func(sel ElementSelector) bool
	// actErr is returned from every Act call
	actErr error
	// evalResult is returned from Evaluate
	evalResult bool
	evalErr    error
	// locateDelay simulates slow lookups
	locateDelay time.Duration

	navigated  []string
	located    []ElementSelector
	actions    []ActionKind
	actValues  []string
	evaluated  []SuccessCondition
	closeCalls int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{evalResult: true}
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigated = append(d.navigated, url)
	return nil
}

func (d *fakeDriver) Locate(ctx context.Context, sel ElementSelector, timeout time.Duration) (Handle, error) {
	if d.locateDelay > 0 {
		select {
		case <-time.After(d.locateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.located = append(d.located, sel)

	if d.locate != nil && !d.locate(sel) {
		return nil, &AutomationError{Code: ErrCodeElementNotFound, Message: "fake: no match for " + sel.Value}
	}
	return sel.Value, nil
}

func (d *fakeDriver) Act(ctx context.Context, handle Handle, action ActionKind, params ActionParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
	d.actValues = append(d.actValues, params.Value)
	return d.actErr
}

func (d *fakeDriver) Evaluate(ctx context.Context, cond SuccessCondition) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evaluated = append(d.evaluated, cond)
	return d.evalResult, d.evalErr
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	return nil
}

func (d *fakeDriver) locateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.located)
}
