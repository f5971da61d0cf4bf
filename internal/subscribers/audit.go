package subscribers

import (
	"context"

	"github.com/oxide-admin/server/internal/audit"
	"github.com/oxide-admin/server/internal/eventbus"
	"github.com/oxide-admin/server/internal/provider"
)

// Audit writes user, role and session events to the audit trail.
var Audit = eventbus.Registration{
	Name: "audit",
	Register: func(bus *eventbus.Bus, p *provider.Provider) error {
		trail, err := provider.Get[*audit.Logger](p)
		if err != nil {
			return err
		}

		return eventbus.Subscribe(bus, "audit", func(_ context.Context, event eventbus.Event) error {
			for _, entry := range audit.FromEvent(event) {
				trail.Log(entry)
			}
			return nil
		})
	},
}
