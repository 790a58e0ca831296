package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dukepan/presence-fabric/internal/presence"
	"github.com/dukepan/presence-fabric/internal/store"
)

func TestValidateJoin(t *testing.T) {
	longID := strings.Repeat("x", maxIDBytes+1)

	tests := []struct {
		name    string
		payload joinPayload
		want    string
	}{
		{"valid", joinPayload{RoomID: "lobby", UserID: "alice"}, ""},
		{"valid with state", joinPayload{RoomID: "lobby", UserID: "alice", State: presence.State{"s": json.RawMessage(`1`)}}, ""},
		{"missing room", joinPayload{UserID: "alice"}, kindInvalidArgument},
		{"missing user", joinPayload{RoomID: "lobby"}, kindInvalidArgument},
		{"room too long", joinPayload{RoomID: longID, UserID: "alice"}, kindInvalidArgument},
		{"user too long", joinPayload{RoomID: "lobby", UserID: longID}, kindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validateJoin(&tt.payload))
		})
	}
}

func TestValidateJoinRejectsOversizedState(t *testing.T) {
	big := strings.Repeat("x", maxStateBytes)
	payload := joinPayload{
		RoomID: "lobby",
		UserID: "alice",
		State:  presence.State{"blob": json.RawMessage(fmt.Sprintf("%q", big))},
	}

	assert.Equal(t, kindInvalidArgument, validateJoin(&payload))
}

func TestValidateHeartbeat(t *testing.T) {
	epoch := func(v int64) *int64 { return &v }

	tests := []struct {
		name    string
		payload heartbeatPayload
		want    string
	}{
		{"empty", heartbeatPayload{}, ""},
		{"valid epoch", heartbeatPayload{Epoch: epoch(1700000000000)}, ""},
		{"zero epoch", heartbeatPayload{Epoch: epoch(0)}, ""},
		{"max epoch", heartbeatPayload{Epoch: epoch(maxEpoch)}, ""},
		{"negative epoch", heartbeatPayload{Epoch: epoch(-1)}, kindInvalidArgument},
		{"epoch above 53 bits", heartbeatPayload{Epoch: epoch(maxEpoch + 1)}, kindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validateHeartbeat(&tt.payload))
		})
	}
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, kindUnknownConnection, errorKind(presence.ErrUnknownConnection))
	assert.Equal(t, kindUnknownConnection, errorKind(fmt.Errorf("wrapped: %w", presence.ErrUnknownConnection)))
	assert.Equal(t, kindStoreUnavailable, errorKind(errors.Join(store.ErrUnavailable, errors.New("dial tcp refused"))))
	assert.Equal(t, kindInternal, errorKind(errors.New("something else")))
}

func TestRequestEnvelopeDecoding(t *testing.T) {
	frame := []byte(`{"id":"r1","type":"presence:join","payload":{"roomId":"lobby","userId":"alice","state":{"status":"online"}}}`)

	var req request
	assert.NoError(t, json.Unmarshal(frame, &req))
	assert.Equal(t, "r1", req.ID)
	assert.Equal(t, msgJoin, req.Type)

	var payload joinPayload
	assert.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.Equal(t, "lobby", payload.RoomID)
	assert.Equal(t, "alice", payload.UserID)
	assert.Equal(t, json.RawMessage(`"online"`), payload.State["status"])
}
