package oracle

import "errors"

var (
	// ErrTimeout indicates the subprocess was killed at its deadline.
	// Callers skip the cycle; no state is mutated.
	ErrTimeout = errors.New("oracle call timed out")

	// ErrUnavailable indicates the oracle binary is missing or cannot be
	// executed. The AI brain auto-disables on this.
	ErrUnavailable = errors.New("oracle binary unavailable")

	// ErrRuntime indicates a non-zero subprocess exit. Callers decide
	// whether to retry.
	ErrRuntime = errors.New("oracle subprocess failed")

	// ErrParseFail indicates the output survived no stage of the parse
	// cascade. The raw response is retained on the result for audit.
	ErrParseFail = errors.New("oracle output unparseable")

	// ErrBreakerOpen indicates a required tool provider's circuit breaker
	// is open. Rejected before a semaphore slot is taken.
	ErrBreakerOpen = errors.New("tool provider circuit open")
)
