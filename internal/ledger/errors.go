package ledger

import "fmt"

// ErrExceeded is returned when spend surpasses a configured ceiling. The
// orchestrator checks this proactively before the generate stage; it is never
// silently retried.
type ErrExceeded struct {
	Period string
	Usage  float64
	Limit  float64
}

func (e ErrExceeded) Error() string {
	return fmt.Sprintf("budget %s exceeded: usage=$%.4f limit=$%.4f", e.Period, e.Usage, e.Limit)
}
