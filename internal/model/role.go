package model

// Role is the service role carried in an API token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSpawner  Role = "spawner"
	RoleTracker  Role = "tracker"
	RoleReporter Role = "reporter"
	RoleReader   Role = "reader"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSpawner, RoleTracker, RoleReporter, RoleReader:
		return true
	}
	return false
}
