package auth

import "strings"

// Roles, lowest first. Each role implies every role ranked below it.
const (
	RoleViewer = "viewer" // read balances, invoices, history
	RoleClerk  = "clerk"  // create customers, invoices, payments
	RoleAdmin  = "admin"  // archive customers, void invoices, manage catalog
)

var roleRank = map[string]int{
	RoleViewer: 1,
	RoleClerk:  2,
	RoleAdmin:  3,
}

// KnownRole reports whether role is one of the built-in roles.
func KnownRole(role string) bool {
	_, ok := roleRank[strings.ToLower(strings.TrimSpace(role))]
	return ok
}

// Allows reports whether p may act with the given role.
func (p Principal) Allows(role string) bool {
	need, ok := roleRank[strings.ToLower(strings.TrimSpace(role))]
	if !ok {
		return false
	}
	for _, r := range p.Roles {
		if roleRank[r] >= need {
			return true
		}
	}
	return false
}
