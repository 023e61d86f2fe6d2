package condition

import "fmt"

// SyntaxError reports condition text that cannot be compiled.
type SyntaxError struct {
	Text string // normalized condition text
	Pos  int    // byte offset where compilation failed, -1 when unknown
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("invalid condition %q at offset %d: %s", e.Text, e.Pos, e.Msg)
	}
	return fmt.Sprintf("invalid condition %q: %s", e.Text, e.Msg)
}
