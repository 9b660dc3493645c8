package orchestrator

import (
	"fmt"
	"strings"

	tbErrors "github.com/harunnryd/toolbridge/internal/errors"
)

// Error is a run that could not finish. It matches both ErrOrchestration and
// its Cause under errors.Is.
type Error struct {
	Query  string
	Turn   int
	Tool   string
	CallID string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "orchestration failed at turn %d", e.Turn)
	if e.Tool != "" {
		fmt.Fprintf(&b, " (tool %s, call_id %s)", e.Tool, e.CallID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{tbErrors.ErrOrchestration}
	}
	return []error{tbErrors.ErrOrchestration, e.Cause}
}
