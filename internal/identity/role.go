package identity

// Role is the closed set of roles known to the scheduling core.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleNurse   Role = "nurse"
	RoleAdmin   Role = "admin"
)

// ParseRole maps a stored role name onto the closed enum. Unknown names
// fall back to the least-privileged role rather than failing the lookup.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleDoctor:
		return RoleDoctor
	case RoleNurse:
		return RoleNurse
	case RoleAdmin:
		return RoleAdmin
	default:
		return RolePatient
	}
}

// Elevated reports whether the role bypasses the advance-notice policy
// window on cancel and reschedule.
func (r Role) Elevated() bool {
	return r == RoleAdmin || r == RoleDoctor
}

// HasOverride reports whether any of the roles is elevated.
func HasOverride(roles []Role) bool {
	for _, r := range roles {
		if r.Elevated() {
			return true
		}
	}
	return false
}
