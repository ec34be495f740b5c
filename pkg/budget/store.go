// Package budget implements RetryBudgetStore: a process-wide windowed
// counter keyed by string, used both for Transport's retry budgeting and
// for Toolkit's endpoint-repair window.
package budget

import "context"

// Store is the collaborator Transport and Toolkit consume to enforce a
// rolling-window call budget. Implementations must give concurrent callers
// a linearizable view of Consume for the same key: two concurrent Consume
// calls for one key cannot both succeed past limit.
type Store interface {
	// Consume reports whether one more call against key is allowed within
	// window. If the stored window is absent or older than window, it resets
	// to a fresh window of count 1 and returns true. Otherwise it returns
	// false once count reaches limit, true (incrementing count) otherwise.
	Consume(ctx context.Context, key string, limit int, window int64) (bool, error)

	// Remaining reports the best-effort count of calls still allowed against
	// key in its current window, without consuming one. It is advisory only
	// — used to decide between switch_region/use_mock/queue_recovery — and
	// returns limit when no window is on record yet.
	Remaining(ctx context.Context, key string, limit int, window int64) (int, error)
}

// DefaultWindowMs is the window RetryBudgetStore falls back to when the
// caller configures a retry_budget without a window_ms.
const DefaultWindowMs int64 = 24 * 60 * 60 * 1000
