package commands

import (
	"context"

	"github.com/tessera/modrt/pkg/events"
	"github.com/tessera/modrt/pkg/host"
	"github.com/tessera/modrt/pkg/listeners"
)

// newStatsMod builds the `native:modrt.stats` mod. It logs the registry
// sizes once every mod has loaded.
func newStatsMod() host.Instance {
	var scope *host.Scope
	return &host.Funcs{
		OnInit: func(_ context.Context, s *host.Scope) error {
			scope = s
			return nil
		},
		Listeners: []listeners.Binding{
			listeners.Bind(events.PriorityLow, func(_ context.Context, e host.ModsLoadedEvent) error {
				if scope == nil {
					return nil
				}
				logger := scope.Logger()
				ev := logger.Info().
					Int("mods", len(e.Mods)).
					Int("listeners", scope.Bus().ListenerCount())
				for _, name := range scope.Catalog().Names() {
					if r, ok := scope.Catalog().Get(name); ok {
						ev = ev.Int("registry."+name, r.Len())
					}
				}
				ev.Msg("Runtime content")
				return nil
			}),
		},
	}
}
