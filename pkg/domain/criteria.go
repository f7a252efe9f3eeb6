package domain

import "time"

// Criteria describes a survey position and time window used to select
// profiles. It is built per query and never persisted.
type Criteria struct {
	Position      Position
	Time          time.Time
	MaxDistance   float64 // metres
	MaxTimeOffset time.Duration
	Preference    []SourceType
}

// PreferenceRank returns the position of s in the preference order, falling
// back to DefaultSourcePreference; unknown sources rank last.
func (c Criteria) PreferenceRank(s SourceType) int {
	order := c.Preference
	if len(order) == 0 {
		order = DefaultSourcePreference
	}
	for i, candidate := range order {
		if candidate == s {
			return i
		}
	}
	return len(order)
}
