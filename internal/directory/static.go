package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/Yaduri/workflow-system/model"
	"gopkg.in/yaml.v3"
)

type usersFile struct {
	Users []model.User `yaml:"users"`
}

// StaticDirectory serves users from a YAML file. Users created at runtime
// are added with Register, and profiles are attached with RegisterProfile;
// nothing is created implicitly.
type StaticDirectory struct {
	path  string
	mu    sync.RWMutex
	users map[string]model.User
}

// NewStaticDirectory creates a directory that loads users from path. An
// empty path starts with no users.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path, users: make(map[string]model.User)}
	if path == "" {
		return d, nil
	}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// Lookup returns the user with the given ID.
func (d *StaticDirectory) Lookup(_ context.Context, userID string) (model.User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	return cloneUser(u), ok, nil
}

// Register adds or replaces a user. The profile is whatever the caller
// passes; a nil profile leaves the user without a sector.
func (d *StaticDirectory) Register(u model.User) error {
	if u.ID == "" {
		return model.NewBadRequestError("user id is required")
	}
	if u.Profile != nil && !u.Profile.Sector.IsValidForUser() {
		return model.NewBadRequestError(fmt.Sprintf("invalid sector %q for user %s", u.Profile.Sector, u.ID))
	}
	d.mu.Lock()
	d.users[u.ID] = cloneUser(u)
	d.mu.Unlock()
	return nil
}

// RegisterProfile attaches a sector profile to an existing user. It is the
// explicit step a user-creating collaborator calls after creating the user.
func (d *StaticDirectory) RegisterProfile(userID string, p model.Profile) error {
	if !p.Sector.IsValidForUser() {
		return model.NewBadRequestError(fmt.Sprintf("invalid sector %q", p.Sector))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[userID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("user %q not found", userID))
	}
	u.Profile = &p
	d.users[userID] = u
	return nil
}

// Sync reloads the users file from disk, replacing runtime registrations.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading users file %s: %w", d.path, err)
	}

	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing users file %s: %w", d.path, err)
	}

	users := make(map[string]model.User, len(f.Users))
	for _, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("directory: users file %s: user without id", d.path)
		}
		if u.Profile != nil && !u.Profile.Sector.IsValidForUser() {
			return fmt.Errorf("directory: users file %s: user %s has invalid sector %q", d.path, u.ID, u.Profile.Sector)
		}
		users[u.ID] = u
	}

	d.mu.Lock()
	d.users = users
	d.mu.Unlock()

	return nil
}

func cloneUser(u model.User) model.User {
	if u.Profile != nil {
		p := *u.Profile
		u.Profile = &p
	}
	return u
}
