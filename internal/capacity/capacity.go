// Package capacity tracks per-account claim slots for single and grouped jobs.
package capacity

import (
	"strconv"
	"strings"

	"claim-swarm/internal/models"
)

// Parse reads a "current/max" counter. Anything unparsable yields the zero capacity
// so an unreadable counter never grants slots.
func Parse(text string) models.Capacity {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, "n/a") {
		return models.Capacity{}
	}
	parts := strings.Split(text, "/")
	if len(parts) != 2 {
		return models.Capacity{}
	}
	current, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return models.Capacity{}
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return models.Capacity{}
	}
	if current < 0 {
		current = 0
	}
	if max < 0 {
		max = 0
	}
	return ApplyCap(models.Capacity{Current: current, Max: max}, 0)
}

// ApplyCap recomputes Available from Current and Max, further limited by a cap on the
// total held (current plus accepted this run). cap <= 0 disables the artificial limit.
func ApplyCap(c models.Capacity, cap int) models.Capacity {
	if c.Current < 0 {
		c.Current = 0
	}
	available := c.Max - c.Current
	if cap > 0 {
		if room := cap - c.Current; room < available {
			available = room
		}
	}
	if available < 0 {
		available = 0
	}
	c.Available = available
	return c
}

// Caps is the artificial ceiling per category.
type Caps struct {
	Single  int
	Grouped int
}

// For returns the cap for a category.
func (c Caps) For(cat models.Category) int {
	if cat == models.CategoryGrouped {
		return c.Grouped
	}
	return c.Single
}

// ApplyCaps clamps both categories of a snapshot.
func ApplyCaps(s models.CapacitySnapshot, caps Caps) models.CapacitySnapshot {
	s.Single = ApplyCap(s.Single, caps.Single)
	s.Grouped = ApplyCap(s.Grouped, caps.Grouped)
	return s
}
