package auth

import "fmt"

// Actor identifies who is acting, with the roles they hold.
type Actor struct {
	ID    string
	Roles []string
}

// UnauthorizedError indicates the actor lacks the role a stage requires.
type UnauthorizedError struct {
	ActorID string
	Role    string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %s lacks role %s", e.ActorID, e.Role)
}

// HasRole reports whether the actor holds the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// CanAct reports whether the actor may act on a stage requiring requiredRole.
// Holders of finalApproverRole may act on any stage. Stage assignment is
// advisory and never consulted here.
func CanAct(actor Actor, requiredRole, finalApproverRole string) bool {
	if finalApproverRole != "" && actor.HasRole(finalApproverRole) {
		return true
	}
	return actor.HasRole(requiredRole)
}
