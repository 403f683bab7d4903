package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"pkt.systems/pslog"

	"mcp-forge/backend/internal/poller"
	"mcp-forge/backend/pkg/models"
)

const heartbeatInterval = 15 * time.Second

// watchEvent is the payload of one "update" server-sent event.
type watchEvent struct {
	Seq      uint64                  `json:"seq"`
	Instance models.WorkflowInstance `json:"instance"`
	Final    bool                    `json:"final"`
	Error    string                  `json:"error,omitempty"`
}

// Watch streams polling updates for a run as server-sent events
// (GET /api/v1/wizard/:id/watch)
func (s *WizardServer) Watch(c echo.Context) error {
	ws, ctx, err := s.workspace(c)
	if err != nil {
		return err
	}
	// fail early for unknown or foreign instances
	if _, err := ws.Get(ctx, c.Param("id")); err != nil {
		return writeDomainError(c, err)
	}
	sub, err := ws.Watch(ctx, c.Param("id"))
	if err != nil {
		return writeDomainError(c, err)
	}
	defer sub.Cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	log := pslog.Ctx(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case u, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			if err := writeUpdate(w, u); err != nil {
				log.Debug("watch stream closed", "err", err)
				return nil
			}
			if u.Final {
				return nil
			}
		}
	}
}

func writeUpdate(w *echo.Response, u poller.Update) error {
	ev := watchEvent{Seq: u.Seq, Instance: u.Instance, Final: u.Final}
	if u.Err != nil {
		ev.Error = u.Err.Error()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: update\ndata: %s\n\n", u.Seq, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
