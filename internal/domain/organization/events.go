// Package organization holds the events raised when users and roles change.
package organization

// User is the part of a user record that subscribers look at.
type User struct {
	ID       string
	Name     string
	Portrait string
}

// UserChange pairs a user record before and after an update.
type UserChange struct {
	Before User
	After  User
}

// Role is the part of a role record that subscribers look at.
type Role struct {
	ID   string
	Name string
}

// Event is implemented by every organization event.
type Event interface {
	EventName() string
	organizationEvent()
}

type UsersCreated struct{ Items []User }
type UsersUpdated struct{ Items []UserChange }
type UsersDeleted struct{ Items []User }
type RolesCreated struct{ Items []Role }
type RolesUpdated struct{ Items []Role }
type RolesDeleted struct{ Items []Role }

func (UsersCreated) EventName() string { return "organization.users_created" }
func (UsersUpdated) EventName() string { return "organization.users_updated" }
func (UsersDeleted) EventName() string { return "organization.users_deleted" }
func (RolesCreated) EventName() string { return "organization.roles_created" }
func (RolesUpdated) EventName() string { return "organization.roles_updated" }
func (RolesDeleted) EventName() string { return "organization.roles_deleted" }

func (UsersCreated) organizationEvent() {}
func (UsersUpdated) organizationEvent() {}
func (UsersDeleted) organizationEvent() {}
func (RolesCreated) organizationEvent() {}
func (RolesUpdated) organizationEvent() {}
func (RolesDeleted) organizationEvent() {}

// PermissionsChanged reports whether event can change what an existing user may access.
// Creations cannot: a new user or role is not referenced by anyone yet.
func PermissionsChanged(event Event) bool {
	switch event.(type) {
	case UsersUpdated, UsersDeleted, RolesUpdated, RolesDeleted:
		return true
	}
	return false
}

// AffectedUsers lists the user IDs an event names directly.
func AffectedUsers(event Event) []string {
	var ids []string
	switch e := event.(type) {
	case UsersCreated:
		for _, u := range e.Items {
			ids = append(ids, u.ID)
		}
	case UsersUpdated:
		for _, c := range e.Items {
			ids = append(ids, c.After.ID)
		}
	case UsersDeleted:
		for _, u := range e.Items {
			ids = append(ids, u.ID)
		}
	}
	return ids
}
