package adapters

import "fmt"

// SourceUnavailableError marks an external fetch or sink failure after
// the bounded retry budget was spent. The orchestrator maps it to a
// failed run or item rather than a per-record evaluation error.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}
