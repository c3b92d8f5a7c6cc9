package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// minCandidateBudget keeps late candidates from being starved when an
// earlier lookup burned most of the step timeout.
const minCandidateBudget = 250 * time.Millisecond

// ResolveElement tries each selector candidate in order until one
// matches or the step deadline expires. The returned index identifies
// which candidate resolved so callers can feed it back into selector
// confidence ranking.
//
// The budget for each attempt is the remaining deadline divided across
// the remaining candidates, so the total never exceeds timeout.
func ResolveElement(ctx context.Context, driver PageDriver, candidates []ElementSelector, timeout time.Duration) (Handle, int, error) {
	if len(candidates) == 0 {
		return nil, -1, &AutomationError{
			Code:    ErrCodeValidation,
			Message: "no selector candidates provided",
		}
	}

	deadline := time.Now().Add(timeout)

	var lastErr error
	for i, sel := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, -1, &AutomationError{Code: ErrCodeCancelled, Message: "resolution cancelled"}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		budget := remaining / time.Duration(len(candidates)-i)
		if budget < minCandidateBudget {
			budget = minCandidateBudget
		}
		if budget > remaining {
			budget = remaining
		}

		handle, err := driver.Locate(ctx, sel, budget)
		if err == nil {
			if i > 0 {
				log.Debug().
					Int("matchedIndex", i).
					Str("kind", string(sel.Kind)).
					Str("value", sel.Value).
					Msg("Element resolved by alternative selector")
			}
			return handle, i, nil
		}
		// A lookup that died because the caller cancelled is not a
		// missing element; misreporting it would charge the credential
		// for a failure it did not cause.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, -1, &AutomationError{Code: ErrCodeCancelled, Message: "resolution cancelled"}
		}
		lastErr = err
	}

	msg := "no selector candidate matched"
	if lastErr != nil {
		msg = fmt.Sprintf("no selector candidate matched: %v", lastErr)
	}
	return nil, -1, &AutomationError{
		Code:    ErrCodeElementNotFound,
		Message: msg,
		Details: map[string]interface{}{
			"candidates": len(candidates),
			"timeoutMs":  timeout.Milliseconds(),
		},
	}
}
