package kb

// Filter is the search-side access constraint. It is a conjunction of an
// optional passage-id allowlist, an optional group intersection, and an
// optional owner/visibility disjunction. The zero value matches everything
// only when Unbounded is set; an empty non-unbounded filter applies no
// constraint either, so callers that mean "nothing visible" should use
// Nothing().
type Filter struct {
	// Unbounded is the admin sentinel: no filtering at all. Backends must
	// not materialize an id set for it.
	Unbounded bool

	// AllowIDs, when non-nil, restricts results to exactly these passage
	// ids. A non-nil empty set matches nothing.
	AllowIDs map[string]struct{}

	// Groups, when non-empty, requires a non-empty intersection with the
	// passage's group ids.
	Groups []string

	// Owner/visibility disjunction: a passage matches when it is public,
	// owned by OwnerID, or shares a group with ReadableGroups. The
	// disjunction is inactive when all three fields are unset.
	OwnerID        string
	PublicOnly     bool
	ReadableGroups []string
}

// NoFilter returns the unbounded sentinel.
func NoFilter() Filter { return Filter{Unbounded: true} }

// Nothing returns a filter that matches no passage.
func Nothing() Filter { return Filter{AllowIDs: map[string]struct{}{}} }

// IsNothing reports whether the filter can never match.
func (f Filter) IsNothing() bool {
	return !f.Unbounded && f.AllowIDs != nil && len(f.AllowIDs) == 0
}

// WithGroups returns a copy of f additionally constrained to the given
// group ids.
func (f Filter) WithGroups(groups []string) Filter {
	f.Groups = append(append([]string(nil), f.Groups...), groups...)
	return f
}

// Matches is the predicate form of the filter; backends without native
// payload filtering intersect ranked candidates with it.
func (f Filter) Matches(p Passage) bool {
	if f.Unbounded {
		return true
	}
	if f.AllowIDs != nil {
		if _, ok := f.AllowIDs[p.ID]; !ok {
			return false
		}
	}
	if len(f.Groups) > 0 && !intersects(p.GroupIDs, f.Groups) {
		return false
	}
	if f.PublicOnly && p.Visibility != VisibilityPublic {
		return false
	}
	if f.OwnerID != "" || len(f.ReadableGroups) > 0 {
		if p.Visibility == VisibilityPublic {
			return true
		}
		if f.OwnerID != "" && p.OwnerID == f.OwnerID {
			return true
		}
		if len(f.ReadableGroups) > 0 && intersects(p.GroupIDs, f.ReadableGroups) {
			return true
		}
		return false
	}
	return true
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
