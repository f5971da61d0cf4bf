package subscribers

import (
	"context"
	"fmt"

	"github.com/oxide-admin/server/internal/access"
	"github.com/oxide-admin/server/internal/domain/auth"
	"github.com/oxide-admin/server/internal/eventbus"
	"github.com/oxide-admin/server/internal/jobs"
	"github.com/oxide-admin/server/internal/provider"
)

// Auth warms the access snapshots of users who just signed in and drops them on sign-out.
var Auth = eventbus.Registration{
	Name: "auth",
	Register: func(bus *eventbus.Bus, p *provider.Provider) error {
		queue, err := provider.Get[jobs.Backend](p)
		if err != nil {
			return err
		}
		resolvers, err := provider.Get[*access.Resolvers](p)
		if err != nil {
			return err
		}

		if err := eventbus.Subscribe(bus, "auth.login", func(ctx context.Context, event auth.UserLoginSucceeded) error {
			if err := queue.Enqueue(ctx, jobs.KindWarmAccess, jobs.WarmAccessArgs{UserID: event.UserID}); err != nil {
				return fmt.Errorf("enqueue warm_access for %s: %w", event.UserID, err)
			}
			return nil
		}); err != nil {
			return err
		}

		return eventbus.Subscribe(bus, "auth.logout", func(ctx context.Context, event auth.UserLogoutSucceeded) error {
			return resolvers.InvalidateUser(ctx, event.UserID)
		})
	},
}
