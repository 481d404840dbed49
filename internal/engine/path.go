package engine

import "fmt"

// Step paths are hierarchical: a child's path is its parent's path plus a
// segment, and children of indexed collections (parallel steps, branch
// options) insert an "[N]" segment. Example: "deploy/[1]/push-image".

func childPath(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + "/" + segment
}

func indexedChildPath(parent string, index int, segment string) string {
	return childPath(childPath(parent, fmt.Sprintf("[%d]", index)), segment)
}
