package hub

import (
	"context"
	"encoding/json"

	"workerhub/internal/protocol"
	"workerhub/internal/store"
)

// BroadcastConfig pushes a configuration update to every authenticated
// worker and returns how many accepted it. The config is also kept as the
// snapshot sent in auth:ok to workers that join later.
func (h *Hub) BroadcastConfig(config json.RawMessage) int {
	h.bestEffort("save shared config", func(ctx context.Context, s store.Store) error {
		return s.SetSharedConfig(ctx, config)
	})
	return h.broadcast(&protocol.ConfigUpdate{Config: config})
}

// BroadcastUpdate tells every authenticated worker a new release exists
func (h *Hub) BroadcastUpdate(version, url string) int {
	return h.broadcast(&protocol.UpdateAvailable{Version: version, URL: url})
}

func (h *Hub) broadcast(msg protocol.Outbound) int {
	conns := h.registry.Connections()
	sent := 0
	for _, c := range conns {
		if err := c.Send(msg); err != nil {
			h.logger.Debug().
				Err(err).
				Str("worker_id", c.WorkerID()).
				Str("type", string(msg.MessageType())).
				Msg("Skipping worker during broadcast")
			continue
		}
		sent++
	}

	h.logger.Info().
		Str("type", string(msg.MessageType())).
		Int("sent", sent).
		Int("workers", len(conns)).
		Msg("Broadcast sent")
	return sent
}
