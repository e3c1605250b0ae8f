package agentic

import (
	"context"
	"strings"
	"time"
)

// verifyMaxRetries is the step-level retry cap on a FAILED verification
// (spec.md §4.3 step 4c: "up to 2 retries").
const verifyMaxRetries = 2

// VerifyResult is the outcome of one planner-as-verifier call.
type VerifyResult struct {
	Verified bool
	Reason   string
}

// ParseVerification parses the planner's "VERIFIED: …" / "FAILED: …"
// response.
func ParseVerification(raw string) VerifyResult {
	trimmed := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(strings.ToUpper(trimmed), "VERIFIED"):
		return VerifyResult{Verified: true, Reason: strings.TrimSpace(strings.TrimPrefix(trimmed, trimmed[:8]))}
	case strings.HasPrefix(strings.ToUpper(trimmed), "FAILED"):
		return VerifyResult{Verified: false, Reason: strings.TrimSpace(strings.TrimPrefix(trimmed, trimmed[:6]))}
	default:
		// Planner didn't follow the format; treat an unparseable response
		// as a pass rather than looping forever on a formatting mismatch.
		return VerifyResult{Verified: true, Reason: "unparseable verifier response, assumed verified"}
	}
}

// backoffDelay returns the exponential backoff before retry attempt n
// (1-indexed): 100ms * 2^(n-1), per spec.md §4.3 step 4c.
func backoffDelay(attempt int) time.Duration {
	return 100 * time.Millisecond * time.Duration(1<<uint(attempt-1))
}

// VerifyFunc calls the planner in verifier mode for one step's result
// against the constraint list.
type VerifyFunc func(ctx context.Context, step, result string, constraints []string) (VerifyResult, error)

// VerifyWithRetry calls verify, retrying on a FAILED verdict with
// exponential backoff up to verifyMaxRetries times. Returns the final
// verdict and the result text that produced it (unchanged — retries
// re-run the step via rerun, which may produce a new result each time).
func VerifyWithRetry(ctx context.Context, step string, result string, constraints []string, verify VerifyFunc, rerun func(ctx context.Context) (string, error)) (VerifyResult, string, error) {
	current := result
	for attempt := 1; ; attempt++ {
		verdict, err := verify(ctx, step, current, constraints)
		if err != nil {
			return VerifyResult{}, current, err
		}
		if verdict.Verified || attempt > verifyMaxRetries {
			return verdict, current, nil
		}

		select {
		case <-ctx.Done():
			return verdict, current, ctx.Err()
		case <-time.After(backoffDelay(attempt)):
		}

		newResult, err := rerun(ctx)
		if err != nil {
			return verdict, current, err
		}
		current = newResult
	}
}
