package extract

import "fmt"

// ClassificationError marks a page whose content could not be classified
// after the configured retries on both providers. It is page-scoped: the
// engine records the page as failed and moves on, unless it is the first
// page attempted in a run, which indicates a systemic problem.
type ClassificationError struct {
	Page int // 0-based
	Err  error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify page %d: %v", e.Page+1, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }
