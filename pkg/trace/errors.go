package trace

import "fmt"

// ParseError reports a record that should have decoded but did not.
// Runs never stop on one; the parser's caller counts it and moves on.
type ParseError struct {
	Source string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s:%d: %s", e.Source, e.Line, e.Reason)
}
