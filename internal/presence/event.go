package presence

import "encoding/json"

// EventType tags a connection lifecycle transition.
type EventType string

const (
	EventJoin   EventType = "join"
	EventUpdate EventType = "update"
	EventLeave  EventType = "leave"
)

// Event is the immutable record broadcast on a room's event channel when a
// connection joins, updates its state or leaves. State is present for join
// and update, absent for leave. Field names are the wire-protocol names.
type Event struct {
	Type   EventType `json:"type"`
	RoomID string    `json:"roomId"`
	UserID string    `json:"userId"`
	ConnID string    `json:"connId"`
	State  State     `json:"state,omitempty"`
	Epoch  int64     `json:"epoch,omitempty"`
	TS     int64     `json:"ts"`
}

// SnapshotEntry is a point-in-time view of one room member, returned on join.
type SnapshotEntry struct {
	ConnID     string `json:"connId"`
	UserID     string `json:"userId"`
	State      State  `json:"state"`
	LastSeenMs int64  `json:"lastSeenMs"`
	Epoch      int64  `json:"epoch"`
}

// HeartbeatResult reports whether a heartbeat changed the stored state and
// the authoritative epoch. A fenced heartbeat yields Changed=false with the
// stored epoch; it is not an error.
type HeartbeatResult struct {
	Changed bool  `json:"changed"`
	Epoch   int64 `json:"epoch"`
}

// Departure identifies the room and user a connection left.
type Departure struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// connMeta is the fast-lookup sidecar value stored per connId in a room's
// conn_meta hash. Written by the join script, read back by the reap path.
type connMeta struct {
	UserID string `json:"userId"`
	Epoch  int64  `json:"epoch"`
}

func decodeConnMeta(raw string) (connMeta, error) {
	var meta connMeta
	err := json.Unmarshal([]byte(raw), &meta)
	return meta, err
}
