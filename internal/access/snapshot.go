package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/kv"
)

const (
	PermissionPrefix = "permission:"
	MenuPrefix       = "menu:"
)

// ErrUnknownUser is returned by sources that have no record of the user.
var ErrUnknownUser = errors.New("access: unknown user")

// PermissionSnapshot is the set of permission codes granted to a user. All is set for
// privileged users and privileged roles.
type PermissionSnapshot struct {
	All   bool     `json:"all,omitempty"`
	Codes []string `json:"codes"`
}

// Has reports whether the snapshot grants code.
func (s PermissionSnapshot) Has(code string) bool {
	return s.All || slices.Contains(s.Codes, code)
}

// MenuSnapshot is the set of menus visible to a user.
type MenuSnapshot struct {
	All   bool     `json:"all,omitempty"`
	Menus []string `json:"menus"`
}

// Visible reports whether the snapshot shows menu.
func (s MenuSnapshot) Visible(menu string) bool {
	return s.All || slices.Contains(s.Menus, menu)
}

// SnapshotSource loads snapshots from the identity store.
type SnapshotSource interface {
	Permissions(ctx context.Context, userID string) (PermissionSnapshot, error)
	Menus(ctx context.Context, userID string) (MenuSnapshot, error)
}

// Resolvers groups the permission and menu resolvers over one source.
type Resolvers struct {
	Permissions *Resolver[PermissionSnapshot]
	Menus       *Resolver[MenuSnapshot]
}

// NewResolvers wires both resolvers to source, caching in store.
func NewResolvers(store kv.Store, source SnapshotSource, ttl time.Duration, logger zerolog.Logger) *Resolvers {
	return &Resolvers{
		Permissions: NewResolver[PermissionSnapshot]("permission", PermissionPrefix, store,
			LoaderFunc[PermissionSnapshot](source.Permissions), ttl, logger),
		Menus: NewResolver[MenuSnapshot]("menu", MenuPrefix, store,
			LoaderFunc[MenuSnapshot](source.Menus), ttl, logger),
	}
}

// Warm resolves both snapshots of userID so the next request is served from cache.
func (r *Resolvers) Warm(ctx context.Context, userID string) error {
	if _, err := r.Permissions.Resolve(ctx, userID); err != nil {
		return err
	}
	if _, err := r.Menus.Resolve(ctx, userID); err != nil {
		return err
	}
	return nil
}

// Refresh drops all cached snapshots.
func (r *Resolvers) Refresh(ctx context.Context) error {
	return errors.Join(r.Permissions.Refresh(ctx), r.Menus.Refresh(ctx))
}

// InvalidateUser drops both cached snapshots of userID.
func (r *Resolvers) InvalidateUser(ctx context.Context, userID string) error {
	if err := errors.Join(r.Permissions.Invalidate(ctx, userID), r.Menus.Invalidate(ctx, userID)); err != nil {
		return fmt.Errorf("access: %w", err)
	}
	return nil
}
