package driver

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/harun/postpilot/pkg/workflow"
)

// conditionTimeout bounds post-condition lookups; conditions observe
// the page as it is rather than waiting for it to change
const conditionTimeout = 3 * time.Second

// RodDriver implements workflow.PageDriver on top of a go-rod page
type RodDriver struct {
	page       *rod.Page
	navTimeout time.Duration
}

// NewRodDriver wraps an existing page
func NewRodDriver(page *rod.Page) *RodDriver {
	return &RodDriver{page: page}
}

// Navigate loads the URL and waits for the load event
func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	page := d.page.Context(ctx)
	if d.navTimeout > 0 {
		page = page.Timeout(d.navTimeout)
	}
	if err := page.Navigate(url); err != nil {
		return &workflow.AutomationError{
			Code:    workflow.ErrCodeActionFailed,
			Message: fmt.Sprintf("failed to navigate to %s: %v", url, err),
		}
	}
	if err := page.WaitLoad(); err != nil {
		return &workflow.AutomationError{
			Code:    workflow.ErrCodeTimeout,
			Message: fmt.Sprintf("page load timeout for %s: %v", url, err),
		}
	}
	return nil
}

// Locate finds one element for a selector candidate within timeout
func (d *RodDriver) Locate(ctx context.Context, sel workflow.ElementSelector, timeout time.Duration) (workflow.Handle, error) {
	page := d.page.Context(ctx).Timeout(timeout)

	elem, err := d.findElement(page, sel)
	if err != nil {
		return nil, &workflow.AutomationError{
			Code:    workflow.ErrCodeElementNotFound,
			Message: fmt.Sprintf("element not found for %s selector %q: %v", sel.Kind, sel.Value, err),
		}
	}

	if sel.ExpectedText != "" {
		text, terr := elem.Text()
		if terr != nil || !strings.Contains(text, sel.ExpectedText) {
			return nil, &workflow.AutomationError{
				Code:    workflow.ErrCodeElementNotFound,
				Message: fmt.Sprintf("element matched %q but text does not contain %q", sel.Value, sel.ExpectedText),
			}
		}
	}

	return elem, nil
}

// findElement dispatches on selector kind, scoping to the parent
// selector when one is present
func (d *RodDriver) findElement(page *rod.Page, sel workflow.ElementSelector) (*rod.Element, error) {
	if sel.Kind == workflow.SelectorVisual || sel.Kind == workflow.SelectorSmart {
		return nil, fmt.Errorf("selector kind %s is not supported by the rod driver", sel.Kind)
	}

	var scope scopedFinder = page
	if sel.ParentSelector != "" {
		parent, err := page.Element(sel.ParentSelector)
		if err != nil {
			return nil, fmt.Errorf("parent selector %q not found: %w", sel.ParentSelector, err)
		}
		scope = parent
	}

	switch sel.Kind {
	case workflow.SelectorXPath:
		return scope.ElementX(sel.Value)
	case workflow.SelectorText:
		return scope.ElementR("*", regexp.QuoteMeta(sel.Value))
	default:
		return scope.Element(cssFor(sel))
	}
}

// scopedFinder is the lookup surface shared by rod pages and elements
type scopedFinder interface {
	Element(selector string) (*rod.Element, error)
	ElementX(xpath string) (*rod.Element, error)
	ElementR(selector, jsRegex string) (*rod.Element, error)
}

// cssFor compiles the attribute-style selector kinds down to CSS
func cssFor(sel workflow.ElementSelector) string {
	switch sel.Kind {
	case workflow.SelectorID:
		return fmt.Sprintf(`[id=%q]`, sel.Value)
	case workflow.SelectorName:
		return fmt.Sprintf(`[name=%q]`, sel.Value)
	case workflow.SelectorClassName:
		return "." + strings.Join(strings.Fields(sel.Value), ".")
	case workflow.SelectorAriaLabel:
		return fmt.Sprintf(`[aria-label=%q]`, sel.Value)
	case workflow.SelectorTestID:
		return fmt.Sprintf(`[data-testid=%q]`, sel.Value)
	default:
		return sel.Value
	}
}

// Act performs one action against a resolved element or the page
func (d *RodDriver) Act(ctx context.Context, handle workflow.Handle, action workflow.ActionKind, params workflow.ActionParams) error {
	elem, _ := handle.(*rod.Element)
	if elem == nil && actionTargetsElement(action) {
		return &workflow.AutomationError{
			Code:    workflow.ErrCodeValidation,
			Message: fmt.Sprintf("action %s requires a resolved element handle", action),
		}
	}

	var err error
	switch action {
	case workflow.ActionClick:
		err = elem.Click(proto.InputMouseButtonLeft, 1)

	case workflow.ActionType:
		// Replace existing content instead of appending to it
		_ = elem.SelectAllText()
		err = elem.Input(params.Value)

	case workflow.ActionSelect:
		err = elem.Select([]string{params.Value}, true, rod.SelectorTypeText)

	case workflow.ActionUpload:
		err = elem.SetFiles(params.Files)

	case workflow.ActionScroll:
		delta := 600.0
		if v, perr := strconv.Atoi(params.Value); perr == nil {
			delta = float64(v)
		}
		err = d.page.Context(ctx).Mouse.Scroll(0, delta, 1)

	case workflow.ActionPressKey:
		key, ok := keyFor(params.Value)
		if !ok {
			return &workflow.AutomationError{
				Code:    workflow.ErrCodeValidation,
				Message: fmt.Sprintf("unknown key %q", params.Value),
			}
		}
		err = d.page.Context(ctx).Keyboard.Type(key)

	case workflow.ActionExecuteScript:
		_, err = d.page.Context(ctx).Eval(params.Value)

	case workflow.ActionAssertVisible:
		visible, verr := elem.Visible()
		if verr != nil {
			err = verr
		} else if !visible {
			return &workflow.AutomationError{
				Code:    workflow.ErrCodeActionFailed,
				Message: "element resolved but is not visible",
			}
		}

	case workflow.ActionAssertText:
		text, terr := elem.Text()
		if terr != nil {
			err = terr
		} else if !strings.Contains(text, params.Value) {
			return &workflow.AutomationError{
				Code:    workflow.ErrCodeActionFailed,
				Message: fmt.Sprintf("element text does not contain %q", params.Value),
			}
		}

	default:
		return &workflow.AutomationError{
			Code:    workflow.ErrCodeValidation,
			Message: fmt.Sprintf("action %s is not supported by the rod driver", action),
		}
	}

	if err != nil {
		return &workflow.AutomationError{
			Code:    workflow.ErrCodeActionFailed,
			Message: fmt.Sprintf("action %s failed: %v", action, err),
		}
	}
	return nil
}

// Evaluate checks a success condition against the live page without
// waiting for the page to change
func (d *RodDriver) Evaluate(ctx context.Context, cond workflow.SuccessCondition) (bool, error) {
	page := d.page.Context(ctx).Timeout(conditionTimeout)

	switch cond.Kind {
	case workflow.CondElementVisible:
		elem, err := d.lookupCondition(page, cond)
		if err != nil {
			return false, nil
		}
		visible, err := elem.Visible()
		return err == nil && visible, nil

	case workflow.CondElementNotVisible:
		elem, err := d.lookupCondition(page, cond)
		if err != nil {
			return true, nil
		}
		visible, err := elem.Visible()
		return err == nil && !visible, nil

	case workflow.CondTextContains, workflow.CondTextEquals:
		elem, err := d.lookupCondition(page, cond)
		if err != nil {
			return false, nil
		}
		text, err := elem.Text()
		if err != nil {
			return false, nil
		}
		if cond.Kind == workflow.CondTextEquals {
			return strings.TrimSpace(text) == cond.Expected, nil
		}
		return strings.Contains(text, cond.Expected), nil

	case workflow.CondURLContains, workflow.CondURLEquals:
		info, err := page.Info()
		if err != nil {
			return false, err
		}
		if cond.Kind == workflow.CondURLEquals {
			return info.URL == cond.Expected, nil
		}
		return strings.Contains(info.URL, cond.Expected), nil

	case workflow.CondAttributeEquals:
		elem, err := d.lookupCondition(page, cond)
		if err != nil {
			return false, nil
		}
		attr, err := elem.Attribute(cond.Attribute)
		if err != nil || attr == nil {
			return false, nil
		}
		return *attr == cond.Expected, nil

	case workflow.CondElementCount:
		if cond.Selector == nil {
			return false, &workflow.AutomationError{Code: workflow.ErrCodeValidation, Message: "elementCount condition requires a selector"}
		}
		elems, err := page.Elements(cssFor(*cond.Selector))
		if err != nil {
			return false, nil
		}
		return len(elems) == cond.Count, nil

	case workflow.CondCustom:
		result, err := page.Eval(cond.Script)
		if err != nil {
			return false, nil
		}
		return result.Value.Bool(), nil
	}

	return false, &workflow.AutomationError{
		Code:    workflow.ErrCodeValidation,
		Message: fmt.Sprintf("unknown success condition kind %s", cond.Kind),
	}
}

func (d *RodDriver) lookupCondition(page *rod.Page, cond workflow.SuccessCondition) (*rod.Element, error) {
	if cond.Selector == nil {
		return nil, &workflow.AutomationError{
			Code:    workflow.ErrCodeValidation,
			Message: fmt.Sprintf("%s condition requires a selector", cond.Kind),
		}
	}
	return d.findElement(page, *cond.Selector)
}

// Close closes the underlying page
func (d *RodDriver) Close() error {
	return d.page.Close()
}

// actionTargetsElement reports whether the action dereferences the
// element handle rather than acting on the page
func actionTargetsElement(action workflow.ActionKind) bool {
	switch action {
	case workflow.ActionClick, workflow.ActionType, workflow.ActionSelect,
		workflow.ActionUpload, workflow.ActionAssertVisible, workflow.ActionAssertText:
		return true
	}
	return false
}

// keyFor maps recorded key names to rod key codes
func keyFor(name string) (input.Key, bool) {
	switch strings.ToLower(name) {
	case "enter", "return":
		return input.Enter, true
	case "tab":
		return input.Tab, true
	case "escape", "esc":
		return input.Escape, true
	case "backspace":
		return input.Backspace, true
	case "delete":
		return input.Delete, true
	case "arrowup", "up":
		return input.ArrowUp, true
	case "arrowdown", "down":
		return input.ArrowDown, true
	case "arrowleft", "left":
		return input.ArrowLeft, true
	case "arrowright", "right":
		return input.ArrowRight, true
	case "pageup":
		return input.PageUp, true
	case "pagedown":
		return input.PageDown, true
	case "home":
		return input.Home, true
	case "end":
		return input.End, true
	case "space", " ":
		return input.Space, true
	}
	return 0, false
}
