package hub

import (
	"encoding/json"
	"errors"

	"github.com/dukepan/presence-fabric/internal/presence"
	"github.com/dukepan/presence-fabric/internal/store"
)

// Wire protocol (client <-> server). Requests carry an optional id echoed
// back in the acknowledgement; every request is acknowledged exactly once.

const (
	msgJoin      = "presence:join"
	msgHeartbeat = "presence:heartbeat"
	msgLeave     = "presence:leave"
)

// Error kinds surfaced in failure acks.
const (
	kindInvalidArgument    = "InvalidArgument"
	kindAlreadyJoinedOther = "AlreadyJoinedOther"
	kindUnknownConnection  = "UnknownConnection"
	kindStoreUnavailable   = "StoreUnavailable"
	kindInternal           = "Internal"
)

// Validation limits: ids up to 256 bytes, serialized state up to
// 64 KiB, epoch a non-negative integer fitting in 53 bits.
const (
	maxIDBytes    = 256
	maxStateBytes = 64 * 1024
	maxEpoch      = int64(1)<<53 - 1
)

type request struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	RoomID string         `json:"roomId"`
	UserID string         `json:"userId"`
	State  presence.State `json:"state,omitempty"`
}

type heartbeatPayload struct {
	PatchState presence.State `json:"patchState,omitempty"`
	Epoch      *int64         `json:"epoch,omitempty"`
}

type selfInfo struct {
	ConnID string `json:"connId"`
	Epoch  int64  `json:"epoch"`
}

type joinAck struct {
	ID       string                   `json:"id,omitempty"`
	OK       bool                     `json:"ok"`
	Snapshot []presence.SnapshotEntry `json:"snapshot"`
	Self     selfInfo                 `json:"self"`
}

type heartbeatAck struct {
	ID      string `json:"id,omitempty"`
	OK      bool   `json:"ok"`
	Changed bool   `json:"changed"`
	Epoch   int64  `json:"epoch"`
}

type leaveAck struct {
	ID string `json:"id,omitempty"`
	OK bool   `json:"ok"`
}

type errorAck struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func validateJoin(p *joinPayload) string {
	if p.RoomID == "" || len(p.RoomID) > maxIDBytes {
		return kindInvalidArgument
	}
	if p.UserID == "" || len(p.UserID) > maxIDBytes {
		return kindInvalidArgument
	}
	if !validateState(p.State) {
		return kindInvalidArgument
	}
	return ""
}

func validateHeartbeat(p *heartbeatPayload) string {
	if p.Epoch != nil && (*p.Epoch < 0 || *p.Epoch > maxEpoch) {
		return kindInvalidArgument
	}
	if !validateState(p.PatchState) {
		return kindInvalidArgument
	}
	return ""
}

func validateState(s presence.State) bool {
	if s == nil {
		return true
	}
	data, err := json.Marshal(s)
	if err != nil {
		return false
	}
	return len(data) <= maxStateBytes
}

// errorKind translates a Service error into the wire error taxonomy.
func errorKind(err error) string {
	switch {
	case errors.Is(err, presence.ErrUnknownConnection):
		return kindUnknownConnection
	case errors.Is(err, store.ErrUnavailable):
		return kindStoreUnavailable
	default:
		return kindInternal
	}
}
