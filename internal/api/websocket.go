package api

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dukepan/presence-fabric/internal/auth"
	"github.com/dukepan/presence-fabric/internal/hub"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin more strictly
		return true
	},
}

// WebSocketHandler handles WebSocket upgrade and connection. Room membership
// is negotiated after the upgrade via presence:join frames, so the endpoint
// takes no room parameter.
func (r *Router) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	_, span := otel.Tracer("websocket-server").Start(req.Context(), "WebSocketConnection")
	defer span.End()

	if r.verifier != nil {
		// Extract JWT from query parameter, falling back to the
		// Authorization header for clients that can set one.
		token := req.URL.Query().Get("token")
		if token == "" {
			if header := req.Header.Get("Authorization"); header != "" {
				token, _ = auth.ExtractTokenFromHeader(header)
			}
		}
		if token == "" {
			http.Error(w, "Missing token", http.StatusUnauthorized)
			span.SetStatus(codes.Error, "Missing token")
			return
		}

		claims, err := r.verifier.ValidateToken(token)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			span.SetStatus(codes.Error, fmt.Sprintf("Invalid token: %v", err))
			return
		}
		span.SetAttributes(attribute.String("user.id", claims.UserID))
	}

	// Upgrade connection
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		span.SetStatus(codes.Error, fmt.Sprintf("Failed to upgrade WebSocket connection: %v", err))
		return
	}

	span.SetStatus(codes.Ok, "WebSocket connection established")

	// Create and start client
	client := hub.NewClient(r.hubMgr, conn)
	span.SetAttributes(attribute.String("conn.id", client.ID()))
	client.Start()
}
