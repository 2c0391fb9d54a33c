package event

// Filter selects events by a conjunction of criteria. All set criteria
// must hold for a match; an empty Filter matches every event.
//
// The same matching rule is shared by bus subscriptions, middleware
// stages, and router routes.
type Filter struct {
	// AggregateType requires an exact match when non-empty.
	AggregateType string

	// Versions requires the event version to be one of the listed values.
	// A single entry behaves as an exact match.
	Versions []int64

	// Metadata requires every key to be present with an equal value.
	Metadata map[string]string

	// Predicate is an optional custom check applied last.
	Predicate func(evt Event) bool
}

// Matches reports whether the event satisfies every set criterion.
func (f *Filter) Matches(evt Event) bool {
	if f == nil {
		return true
	}

	if f.AggregateType != "" && f.AggregateType != evt.AggregateType {
		return false
	}

	if len(f.Versions) > 0 {
		found := false
		for _, v := range f.Versions {
			if v == evt.Version {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for k, want := range f.Metadata {
		got, ok := evt.Metadata[k]
		if !ok || got != want {
			return false
		}
	}

	if f.Predicate != nil && !f.Predicate(evt) {
		return false
	}

	return true
}
