package subscribers

import (
	"context"
	"fmt"

	"github.com/oxide-admin/server/internal/access"
	"github.com/oxide-admin/server/internal/domain/organization"
	"github.com/oxide-admin/server/internal/eventbus"
	"github.com/oxide-admin/server/internal/provider"
)

// Organization drops cached access snapshots when users or roles change.
var Organization = eventbus.Registration{
	Name: "organization",
	Register: func(bus *eventbus.Bus, p *provider.Provider) error {
		resolvers, err := provider.Get[*access.Resolvers](p)
		if err != nil {
			return err
		}

		return eventbus.Subscribe(bus, "organization", func(ctx context.Context, event organization.Event) error {
			if !organization.PermissionsChanged(event) {
				return nil
			}
			if err := resolvers.Refresh(ctx); err != nil {
				return fmt.Errorf("%s: %w", event.EventName(), err)
			}
			return nil
		})
	},
}
