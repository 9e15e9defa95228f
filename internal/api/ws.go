package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/numera-io/numera/internal/auth"
	"github.com/numera-io/numera/internal/realtime"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/v1/ws.
// Authentication uses a JWT passed as the `token` query parameter instead of
// the Authorization header — browsers cannot set custom headers on WebSocket
// connections opened via the native WebSocket API.
//
// Initial channel subscriptions are declared at connection time via the
// `channels` query parameter; the `system` channel is always added. The core
// never sees the token: it consumes only the resolved (user, tenant, entity)
// identity from the claims.
//
// Example connection URL:
//
//	ws://host/api/v1/ws?token=<jwt>&channels=budget_alerts,approvals
type WSHandler struct {
	hub    *realtime.Hub
	jwtMgr *auth.JWTManager
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *realtime.Hub, jwtMgr *auth.JWTManager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		jwtMgr: jwtMgr,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/v1/ws.
// It authenticates the request, builds the initial channel list, upgrades
// the connection, and runs the session. The handler blocks until the
// connection closes — this is expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// JWT is passed as a query parameter because the browser WebSocket API
	// does not support custom headers. The token has the same short TTL as
	// Bearer tokens — clients must reconnect with a fresh token after expiry.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}

	claims, err := h.jwtMgr.ValidateAccessToken(tokenStr)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	identity := realtime.Identity{
		UserID:   claims.UserID,
		TenantID: claims.TenantID,
		EntityID: claims.EntityID,
	}
	channels := resolveChannels(r)

	client, err := realtime.NewClient(h.hub, w, r, identity, channels, h.logger)
	if err != nil {
		// The upgrader has already written the error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("user_id", claims.UserID),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("user_id", claims.UserID),
		zap.String("tenant_id", claims.TenantID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Run blocks until the connection closes. The read and write pumps
	// handle teardown and registry removal internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("user_id", claims.UserID),
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveChannels parses the optional comma-separated `channels` query
// parameter. Blank entries are dropped here; the registry adds the default
// channel and deduplicates. Unknown channel names are accepted as-is — the
// closed channel enumeration is a producer convention, not a registry rule,
// so a client subscribed to a channel nobody publishes on simply receives
// nothing.
func resolveChannels(r *http.Request) []realtime.Channel {
	raw := r.URL.Query().Get("channels")
	if raw == "" {
		return nil
	}

	var channels []realtime.Channel
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			channels = append(channels, realtime.Channel(name))
		}
	}
	return channels
}
