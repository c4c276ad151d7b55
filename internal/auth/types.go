// Package auth defines the principal model the core receives from the
// external identity provider. Token parsing and session auth live in the
// host transport, not here.
package auth

import "context"

// Role of a principal.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
)

// Principal is an authenticated actor. GroupsReadable / GroupsWritable are
// resolved by the identity provider at request time; the core treats them
// as facts.
type Principal struct {
	ID             string
	Role           Role
	GroupsReadable []string
	GroupsWritable []string
}

// Anonymous is the internal-only unauthenticated principal; it sees public
// passages exclusively.
var Anonymous = Principal{Role: RoleAnonymous}

// IsAdmin reports whether the principal bypasses access filtering.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// IsAnonymous reports whether the principal carries no identity.
func (p Principal) IsAnonymous() bool { return p.Role == RoleAnonymous || p.ID == "" }

// CanRead reports whether the principal may read the named group.
func (p Principal) CanRead(group string) bool {
	for _, g := range p.GroupsReadable {
		if g == group {
			return true
		}
	}
	return false
}

// CanWrite reports whether the principal may write the named group.
func (p Principal) CanWrite(group string) bool {
	for _, g := range p.GroupsWritable {
		if g == group {
			return true
		}
	}
	return false
}

// Resolver maps an opaque credential (an API key) to a resolved Principal.
// The production implementation reads the relational store; tests inject
// fakes.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Principal, error)
}
