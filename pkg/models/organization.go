package models

import "time"

// Organization is the tenant boundary that scopes tasks and membership
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type OrgMemberRole string

const (
	RoleAdmin  OrgMemberRole = "admin"
	RoleMember OrgMemberRole = "member"
)

// Valid reports whether r is one of the two membership roles.
func (r OrgMemberRole) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// OrganizationMember relates users to organizations with a role
type OrganizationMember struct {
	ID       string        `json:"id" db:"id"`
	OrgID    string        `json:"org_id" db:"org_id"`
	UserID   string        `json:"user_id" db:"user_id"`
	Role     OrgMemberRole `json:"role" db:"role"`
	JoinedAt time.Time     `json:"joined_at" db:"joined_at"`
}

// Profile is the public part of an identity, written by the auth provider on sign-up
type Profile struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	FullName  string    `json:"full_name" db:"full_name"`
	AvatarURL *string   `json:"avatar_url" db:"avatar_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Member is a membership joined with its profile (team view)
type Member struct {
	OrganizationMember
	Profile *Profile `json:"profile"`
}
