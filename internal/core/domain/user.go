package domain

type Role string

const (
	RoleHost        Role = "host"
	RoleCoHost      Role = "co-host"
	RoleParticipant Role = "participant"
)

// CanModerate reports whether the role may issue host controls.
func (r Role) CanModerate() bool {
	return r == RoleHost || r == RoleCoHost
}

// Identity is what the credential verifier extracts from a bearer token.
type Identity struct {
	UserID      UserID
	DisplayName string
	Role        Role
}
