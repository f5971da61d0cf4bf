package subscribers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/oxide-admin/server/internal/eventbus"
	"github.com/oxide-admin/server/internal/provider"
)

// Log writes every event to the application log.
var Log = eventbus.Registration{
	Name: "log",
	Register: func(bus *eventbus.Bus, p *provider.Provider) error {
		logger, err := provider.Get[zerolog.Logger](p)
		if err != nil {
			return err
		}
		logger = logger.With().Str("subscriber", "log").Logger()

		return eventbus.Subscribe(bus, "log", func(_ context.Context, event eventbus.Event) error {
			logger.Info().
				Str("event", event.EventName()).
				Interface("payload", event).
				Msg("domain event")
			return nil
		})
	},
}
