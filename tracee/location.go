package tracee

import "fmt"

// SourceLocation is the position in the source code.
type SourceLocation struct {
	File string
	Line int
}

func (l SourceLocation) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}
