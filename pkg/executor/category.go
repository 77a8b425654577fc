package executor

import (
	"fmt"
	"strings"
)

// Category selects the pool a task runs on.
type Category int

const (
	// CategoryGeneral is CPU-bound work: listener scans, async dispatch.
	CategoryGeneral Category = iota

	// CategoryIO is blocking work: file loading, network fetches.
	CategoryIO

	// CategoryScheduled is delayed or periodic work.
	CategoryScheduled
)

func (c Category) String() string {
	switch c {
	case CategoryGeneral:
		return "general"
	case CategoryIO:
		return "io"
	case CategoryScheduled:
		return "scheduled"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// CategoryForName maps a free-text task name onto a category for callers
// that only have a name. Names containing "load", "io" or "file" run on the
// io pool, names containing "event" on the scheduled pool, everything else on
// the general pool. New code should pass a Category explicitly.
func CategoryForName(name string) Category {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "load"), strings.Contains(n, "io"), strings.Contains(n, "file"):
		return CategoryIO
	case strings.Contains(n, "event"):
		return CategoryScheduled
	default:
		return CategoryGeneral
	}
}
