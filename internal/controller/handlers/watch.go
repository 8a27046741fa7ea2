package handlers

import (
	"net/http"
	"time"

	"mopplane/internal/logger"
	"mopplane/internal/store"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WatchAssessment handles GET /assessments/{id}/watch.
// It upgrades to a websocket and pushes a status message whenever the job
// snapshot changes, then closes once the job is terminal.
func (h *Handlers) WatchAssessment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	job, err := h.engine.Status(ctx, id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromContext(ctx, h.logger).Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()

	var last *store.Job
	for {
		// Snapshots are replaced on every update, so pointer identity means unchanged.
		if job != last {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(toStatus(job, h.now())); err != nil {
				return
			}
			last = job
		}

		if job.Status.Terminal() {
			closeWith(conn, websocket.CloseNormalClosure, string(job.Status))
			return
		}

		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err = h.engine.Status(ctx, id)
		if err != nil {
			closeWith(conn, websocket.CloseGoingAway, "assessment no longer available")
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
