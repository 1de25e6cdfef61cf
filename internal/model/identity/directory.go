package identity

import (
	"context"
	"sync"
)

// Directory exposes user lookups owned by the external identity service.
type Directory interface {
	Lookup(ctx context.Context, id string) (User, bool, error)
}

// MemoryDirectory implements Directory with an in-memory map, suitable for local runs and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory returns a MemoryDirectory preloaded with the supplied users.
func NewMemoryDirectory(users []User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Lookup finds a user by identifier.
func (d *MemoryDirectory) Lookup(_ context.Context, id string) (User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok, nil
}

// Put inserts or replaces a user.
func (d *MemoryDirectory) Put(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// List returns every known user.
func (d *MemoryDirectory) List() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	return out
}

// Seed provides the demo accounts used when SEED_DEMO_DATA is enabled.
func Seed() []User {
	return []User{
		{ID: "creator-luna", Name: "Luna", Role: RoleModel},
		{ID: "creator-kai", Name: "Kai", Role: RoleModel},
		{ID: "mod-iris", Name: "Iris", Role: RoleModerator},
		{ID: "admin-root", Name: "Root", Role: RoleAdmin},
		{ID: "viewer-ben", Name: "Ben", Role: RoleViewer},
		{ID: "viewer-mia", Name: "Mia", Role: RoleViewer},
		{ID: "viewer-zoe", Name: "Zoe", Role: RoleViewer},
	}
}
