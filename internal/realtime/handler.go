// internal/realtime/handler.go

package realtime

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/imadgeboyega/jobchat/internal/auth"
	"github.com/imadgeboyega/jobchat/internal/common/utils"
	"go.uber.org/zap"
)

// Handler upgrades authenticated requests to relay connections
type Handler struct {
	hub      *Hub
	dispatch *Dispatcher
	upgrader websocket.Upgrader
	opts     ConnOptions
	logger   *zap.Logger
}

// NewHandler creates the websocket handler. With no allowed origins every origin is accepted.
func NewHandler(hub *Hub, dispatch *Dispatcher, opts ConnOptions, allowedOrigins []string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		dispatch: dispatch,
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWS handles GET /ws. The identity comes from the auth middleware.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		utils.ErrorResponse(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Int64("user_id", identity.UserID), zap.Error(err))
		return
	}

	c := newConn(h.hub, h.dispatch, ws, identity.UserID, identity.Role, h.opts, h.logger)
	if err := h.hub.Register(r.Context(), c); err != nil {
		h.logger.Error("failed to register connection", zap.Int64("user_id", identity.UserID), zap.Error(err))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable"))
		ws.Close()
		return
	}
	c.start()
}

type presenceResponse struct {
	UserID      int64 `json:"userId"`
	Online      bool  `json:"online"`
	Connections int   `json:"connections"`
}

// GetPresence handles GET /api/v1/users/{userId}/presence
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(mux.Vars(r)["userId"], 10, 64)
	if err != nil || userID <= 0 {
		utils.ErrorResponse(w, "Invalid userId", http.StatusBadRequest)
		return
	}

	conns, err := h.hub.Connections(r.Context(), userID)
	if err != nil {
		h.logger.Error("presence lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		utils.ErrorResponse(w, "Failed to get presence", http.StatusInternalServerError)
		return
	}

	utils.SuccessResponse(w, presenceResponse{
		UserID:      userID,
		Online:      len(conns) > 0,
		Connections: len(conns),
	}, http.StatusOK)
}

// RegisterRoutes mounts the relay endpoints behind authenticate
func RegisterRoutes(router *mux.Router, handler *Handler, authenticate mux.MiddlewareFunc) {
	router.Handle("/ws", authenticate(http.HandlerFunc(handler.ServeWS))).Methods(http.MethodGet)
	router.Handle("/api/v1/users/{userId:[0-9]+}/presence", authenticate(http.HandlerFunc(handler.GetPresence))).Methods(http.MethodGet)
}
