package identity

import (
	"context"
	"sync"
)

// MemDirectory is an in-memory Directory for tests and local tooling.
type MemDirectory struct {
	mu    sync.RWMutex
	users map[string]User
	roles map[string][]Role
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		users: make(map[string]User),
		roles: make(map[string][]Role),
	}
}

func (d *MemDirectory) AddUser(u User, roles ...Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	d.roles[u.ID] = append([]Role(nil), roles...)
}

func (d *MemDirectory) FindUserByID(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (d *MemDirectory) RolesForUser(_ context.Context, id string) ([]Role, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Role(nil), d.roles[id]...), nil
}
