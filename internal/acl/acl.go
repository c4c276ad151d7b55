// Package acl derives the search filter a principal is allowed to search
// under. The filter is computed once per request, before any retrieval
// work, so no channel ever ranks passages the caller cannot see.
package acl

import (
	"github.com/mnemo-ai/mnemo/internal/auth"
	"github.com/mnemo-ai/mnemo/internal/kb"
)

// Compute maps a principal (plus an optional caller-requested group
// restriction) to the search filter:
//
//   - admins search unbounded; a group restriction applies as-is
//   - anonymous callers see public passages only
//   - users see public passages, their own, and those shared into groups
//     they can read
//
// A requested group the principal cannot read is silently dropped; if that
// leaves the restriction empty, the filter matches nothing rather than
// widening back out.
func Compute(p auth.Principal, groupFilter []string) kb.Filter {
	if p.IsAdmin() {
		if len(groupFilter) == 0 {
			return kb.NoFilter()
		}
		return kb.Filter{}.WithGroups(groupFilter)
	}

	if p.IsAnonymous() {
		// an anonymous caller reads no groups, so any requested
		// restriction intersects down to nothing
		if len(groupFilter) > 0 {
			return kb.Nothing()
		}
		return kb.Filter{PublicOnly: true}
	}

	f := kb.Filter{
		OwnerID:        p.ID,
		ReadableGroups: p.GroupsReadable,
	}
	if len(groupFilter) > 0 {
		allowed := intersect(groupFilter, p.GroupsReadable)
		if len(allowed) == 0 {
			return kb.Nothing()
		}
		f = f.WithGroups(allowed)
	}
	return f
}

func intersect(requested, readable []string) []string {
	var out []string
	for _, g := range requested {
		for _, r := range readable {
			if g == r {
				out = append(out, g)
				break
			}
		}
	}
	return out
}
