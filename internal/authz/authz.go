// Package authz models the role-membership capability injected into the engines.
package authz

import "sync"

// Role names a privilege class recognised by the engines.
type Role string

const (
	// RoleParamAdmin may change fee rate, tolerance, minimums, and price-source wiring.
	RoleParamAdmin Role = "param_admin"
	// RoleBridge may perform all cross-chain-sensitive lock/release/cancel/expire operations.
	RoleBridge Role = "bridge"
)

// Authorizer answers binary role-membership checks. Implementations are queried
// once per operation at entry.
type Authorizer interface {
	HasRole(account string, role Role) bool
}

// Static is a fixed in-memory role table.
type Static struct {
	mu      sync.RWMutex
	members map[Role]map[string]struct{}
}

// NewStatic builds an authorizer with no members granted.
func NewStatic() *Static {
	return &Static{members: make(map[Role]map[string]struct{})}
}

// Grant adds account to role.
func (s *Static) Grant(account string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[role] == nil {
		s.members[role] = make(map[string]struct{})
	}
	s.members[role][account] = struct{}{}
}

// Revoke removes account from role.
func (s *Static) Revoke(account string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[role], account)
}

// HasRole reports whether account belongs to role.
func (s *Static) HasRole(account string, role Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[role][account]
	return ok
}
