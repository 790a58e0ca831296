package api

import (
	"encoding/json"
	"net/http"

	"github.com/jellydator/ttlcache/v3"

	"github.com/dukepan/presence-fabric/internal/presence"
	"github.com/dukepan/presence-fabric/internal/utils"
)

// RoomsResponse lists the rooms currently holding at least one connection.
type RoomsResponse struct {
	Rooms []string `json:"rooms"`
}

// RoomPresenceResponse is the read-only HTTP view of a room, served from a
// short-lived cache.
type RoomPresenceResponse struct {
	RoomID   string                   `json:"roomId"`
	Presence []presence.SnapshotEntry `json:"presence"`
}

// HealthzHandler returns API health status
func (r *Router) HealthzHandler(w http.ResponseWriter, req *http.Request) {
	// Check Redis connectivity
	if err := r.store.Ping(req.Context()); err != nil {
		http.Error(w, "Redis unhealthy", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// GetRoomsHandler lists active rooms.
func (r *Router) GetRoomsHandler(w http.ResponseWriter, req *http.Request) {
	rooms, err := r.svc.ActiveRooms(req.Context())
	if err != nil {
		r.logger.Error(req.Context(), "failed to list active rooms: %v", err)
		utils.RespondError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}
	if rooms == nil {
		rooms = []string{}
	}

	utils.RespondJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

// GetRoomPresenceHandler returns the current snapshot of a room. Responses
// are cached briefly so polling dashboards do not hammer the store.
func (r *Router) GetRoomPresenceHandler(w http.ResponseWriter, req *http.Request) {
	roomID := req.PathValue("id")
	if roomID == "" {
		utils.RespondError(w, http.StatusBadRequest, "room id required")
		return
	}

	if item := r.snapshots.Get(roomID); item != nil {
		utils.RespondJSON(w, http.StatusOK, RoomPresenceResponse{RoomID: roomID, Presence: item.Value()})
		return
	}

	snapshot, err := r.svc.Snapshot(req.Context(), roomID)
	if err != nil {
		r.logger.Error(req.Context(), "failed to snapshot room %s: %v", roomID, err)
		utils.RespondError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}
	if snapshot == nil {
		snapshot = []presence.SnapshotEntry{}
	}
	r.snapshots.Set(roomID, snapshot, ttlcache.DefaultTTL)

	utils.RespondJSON(w, http.StatusOK, RoomPresenceResponse{RoomID: roomID, Presence: snapshot})
}
