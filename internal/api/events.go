package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicedesk/internal/observe"
)

// eventWriteTimeout bounds a single snapshot write to an events client.
const eventWriteTimeout = 5 * time.Second

// handleEvents upgrades to a websocket and streams every published call
// snapshot as a JSON text frame until the client goes away. Client frames
// are read and discarded so close handshakes are processed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("api: events upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	snaps, cancel := s.calls.Subscribe()
	defer cancel()

	// CloseRead cancels ctx once the peer closes or sends a data frame.
	ctx := conn.CloseRead(r.Context())

	// The hub replays only what has been published; send the current view
	// first so new clients never start blank.
	if err := writeEvent(ctx, conn, s.calls.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := writeEvent(ctx, conn, snap); err != nil {
				if !errors.Is(err, context.Canceled) {
					observe.Logger(r.Context()).Debug("api: events write failed", "err", err)
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
