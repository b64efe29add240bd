package model

type Role string

const (
	RoleAdmin            Role = "admin"
	RoleGovernorateAdmin Role = "governorate_admin"
	RoleEmployee         Role = "employee"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleGovernorateAdmin, RoleEmployee:
		return true
	}
	return false
}

// Actor is the identity of the caller as supplied by the session provider.
// The zero Actor is anonymous and is denied by every operation.
type Actor struct {
	UserID        int64 `json:"user_id"`
	Role          Role  `json:"role"`
	RegionID      int64 `json:"region_id,omitempty"`
	GovernorateID int64 `json:"governorate_id,omitempty"`
}

func (a Actor) Authenticated() bool {
	if a.UserID <= 0 || !a.Role.Valid() {
		return false
	}
	switch a.Role {
	case RoleGovernorateAdmin:
		return a.GovernorateID > 0
	case RoleEmployee:
		return a.RegionID > 0 && a.GovernorateID > 0
	}
	return true
}

func (a Actor) Is(role Role) bool {
	return a.Authenticated() && a.Role == role
}
