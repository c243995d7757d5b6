package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snarg/busiq/internal/metrics"
	"github.com/snarg/busiq/internal/state"
)

const (
	// wsWriteTimeout bounds every frame write. A client that cannot drain
	// frames in time is dropped rather than buffered.
	wsWriteTimeout = 5 * time.Second

	// wsReceiveTimeout keeps the pub/sub loop responsive to disconnects.
	wsReceiveTimeout = time.Second

	// wsPollInterval is the fallback cadence when pub/sub is unavailable.
	wsPollInterval = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are already screened by the CORS middleware policy; the live
	// feed itself is public read-only data.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WSClientsConnected.Inc()
	defer metrics.WSClientsConnected.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain inbound frames so the close handshake is noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.sendFleetSnapshot(ctx, conn); err != nil {
		return
	}

	sub, err := s.deps.Store.Subscribe(ctx, state.LiveChannel)
	if err != nil {
		s.log.Warn().Err(err).Msg("pub/sub unavailable, falling back to polling")
		s.wsPollLoop(ctx, conn)
		return
	}
	defer sub.Close()

	for {
		rctx, rcancel := context.WithTimeout(ctx, wsReceiveTimeout)
		msg, err := sub.Receive(rctx)
		rcancel()

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, state.ErrNoMessage):
			continue
		case err != nil:
			s.log.Warn().Err(err).Msg("pub/sub receive failed, falling back to polling")
			s.wsPollLoop(ctx, conn)
			return
		}

		if err := wsWrite(conn, []byte(msg)); err != nil {
			return
		}
	}
}

// sendFleetSnapshot pushes the full current fleet to one client.
func (s *Server) sendFleetSnapshot(ctx context.Context, conn *websocket.Conn) error {
	vehicles, err := state.ReadFleet(ctx, s.deps.Store)
	if err != nil {
		return err
	}
	if vehicles == nil {
		vehicles = []state.Vehicle{}
	}
	ts, _ := state.FleetTimestamp(ctx, s.deps.Store)

	payload, err := json.Marshal(map[string]any{
		"type":      "snapshot",
		"vehicles":  vehicles,
		"timestamp": ts,
		"count":     len(vehicles),
	})
	if err != nil {
		return err
	}
	return wsWrite(conn, payload)
}

// wsPollLoop re-sends a snapshot whenever the fleet timestamp changes.
func (s *Server) wsPollLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	lastTS, _ := state.FleetTimestamp(ctx, s.deps.Store)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ts, err := state.FleetTimestamp(ctx, s.deps.Store)
		if err != nil || ts == "" || ts == lastTS {
			continue
		}
		lastTS = ts
		if err := s.sendFleetSnapshot(ctx, conn); err != nil {
			return
		}
	}
}

func wsWrite(conn *websocket.Conn, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	metrics.WSMessagesSentTotal.Inc()
	return nil
}
