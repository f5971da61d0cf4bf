package access

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// StaticRole is a role definition held by StaticSource.
type StaticRole struct {
	Privileged  bool     `yaml:"privileged"`
	Permissions []string `yaml:"permissions"`
	Menus       []string `yaml:"menus"`
}

// StaticUser is a user definition held by StaticSource.
type StaticUser struct {
	Privileged bool     `yaml:"privileged"`
	Roles      []string `yaml:"roles"`
}

// StaticSource serves snapshots from fixed role and user tables. It stands in for the
// identity store in development and tests.
type StaticSource struct {
	mu    sync.RWMutex
	Roles map[string]StaticRole `yaml:"roles"`
	Users map[string]StaticUser `yaml:"users"`
}

// NewStaticSource returns an empty source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		Roles: make(map[string]StaticRole),
		Users: make(map[string]StaticUser),
	}
}

// LoadStaticSource reads role and user tables from a YAML file.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read access file: %w", err)
	}
	src := NewStaticSource()
	if err := yaml.Unmarshal(data, src); err != nil {
		return nil, fmt.Errorf("parse access file %s: %w", path, err)
	}
	return src, nil
}

// SetRole adds or replaces a role.
func (s *StaticSource) SetRole(name string, role StaticRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Roles[name] = role
}

// SetUser adds or replaces a user.
func (s *StaticSource) SetUser(id string, user StaticUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Users[id] = user
}

func (s *StaticSource) Permissions(_ context.Context, userID string) (PermissionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.Users[userID]
	if !ok {
		return PermissionSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if user.Privileged {
		return PermissionSnapshot{All: true, Codes: []string{}}, nil
	}

	codes := []string{}
	for _, name := range user.Roles {
		role, ok := s.Roles[name]
		if !ok {
			continue
		}
		if role.Privileged {
			return PermissionSnapshot{All: true, Codes: []string{}}, nil
		}
		codes = append(codes, role.Permissions...)
	}
	return PermissionSnapshot{Codes: dedupe(codes)}, nil
}

func (s *StaticSource) Menus(_ context.Context, userID string) (MenuSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.Users[userID]
	if !ok {
		return MenuSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if user.Privileged {
		return MenuSnapshot{All: true, Menus: []string{}}, nil
	}

	menus := []string{}
	for _, name := range user.Roles {
		role, ok := s.Roles[name]
		if !ok {
			continue
		}
		if role.Privileged {
			return MenuSnapshot{All: true, Menus: []string{}}, nil
		}
		menus = append(menus, role.Menus...)
	}
	return MenuSnapshot{Menus: dedupe(menus)}, nil
}

func dedupe(values []string) []string {
	slices.Sort(values)
	return slices.Compact(values)
}
