package models

type UserRole string

const (
	RoleStudent    UserRole = "student"
	RoleInstructor UserRole = "instructor"
	RoleAdmin      UserRole = "admin"
)

// Identity is the resolved caller attached to every request by the auth
// middleware. The engine never authenticates; it only authorizes against
// this struct.
type Identity struct {
	UserID            string   `json:"user_id"`
	OrganizationID    string   `json:"organization_id"`
	Role              UserRole `json:"role"`
	IsSuperOrgAdmin   bool     `json:"is_super_org_admin"`
	UnlimitedAttempts bool     `json:"unlimited_attempts"`
}

// IsStaff reports whether the caller may see full session detail.
func (i Identity) IsStaff() bool {
	return i.Role == RoleInstructor || i.Role == RoleAdmin
}

// CanAccessOrg reports whether the caller may read data scoped to orgID.
func (i Identity) CanAccessOrg(orgID string) bool {
	if i.IsSuperOrgAdmin {
		return true
	}
	return i.OrganizationID == orgID
}
