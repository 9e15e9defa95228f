package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/numera-io/numera/internal/notify"
	"github.com/numera-io/numera/internal/realtime"
)

// RealtimeHandler serves the operational endpoints of the delivery
// subsystem: the stats snapshot used by dashboards and the admin-only
// announcement endpoint.
type RealtimeHandler struct {
	hub      *realtime.Hub
	notifier *notify.Service
	logger   *zap.Logger
}

// NewRealtimeHandler creates a new RealtimeHandler.
func NewRealtimeHandler(hub *realtime.Hub, notifier *notify.Service, logger *zap.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		hub:      hub,
		notifier: notifier,
		logger:   logger.Named("realtime_handler"),
	}
}

// Stats handles GET /api/v1/realtime/stats.
// Returns live connection totals, distinct user/tenant counts, per-channel
// subscriber counts, and the queued-but-undelivered message count.
func (h *RealtimeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.hub.Stats())
}

// announceRequest is the body of POST /api/v1/admin/announce.
// An empty channel broadcasts to every live connection.
type announceRequest struct {
	Channel string `json:"channel"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// Announce handles POST /api/v1/admin/announce (admin role required).
// It publishes a system-wide announcement and reports how many live
// connections received it.
func (h *RealtimeHandler) Announce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Title == "" {
		ErrBadRequest(w, "title is required")
		return
	}

	claims := claimsFromCtx(r.Context())
	h.logger.Info("admin announcement",
		zap.String("user_id", claims.UserID),
		zap.String("channel", req.Channel),
	)

	delivered := h.notifier.Announce(realtime.Channel(req.Channel), req.Title, req.Body)
	Ok(w, map[string]any{"delivered": delivered})
}
