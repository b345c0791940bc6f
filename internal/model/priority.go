package model

import "strings"

// Priority is the task-level priority read from frontmatter.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityHigh:   0,
	PriorityMedium: 1,
	PriorityLow:    2,
}

// ParsePriority normalises a frontmatter value. Anything unrecognised is medium.
func ParsePriority(s string) Priority {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := priorityRank[p]; ok {
		return p
	}
	return PriorityMedium
}

// Rank orders priorities, lower first.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityMedium]
}
