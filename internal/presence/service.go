package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dukepan/presence-fabric/internal/metrics"
	"github.com/dukepan/presence-fabric/internal/store"
	"github.com/dukepan/presence-fabric/internal/utils"
)

// ErrUnknownConnection is returned by Heartbeat when the addressed connId
// has no live record. The client should rejoin.
var ErrUnknownConnection = errors.New("unknown connection")

// Leave reasons, used as metric labels and for logging.
const (
	ReasonExplicit   = "explicit"
	ReasonDisconnect = "disconnect"
	ReasonRejoin     = "rejoin"
	ReasonReaped     = "reaped"
)

// Service is the authoritative business logic for presence: join, heartbeat
// and leave against the backing store, epoch allocation and fencing, and
// event publication. It exclusively owns writes to the connection and room
// aggregate keys; the store is the single source of truth and the Service
// keeps no in-memory mirror of it.
type Service struct {
	store   *store.Client
	logger  *utils.Logger
	metrics *metrics.Metrics
	ttlMs   int64
}

// NewService creates a presence service. ttlMs is the expiry applied to conn
// hashes and the maximum heartbeat interval before a connection may be reaped.
func NewService(st *store.Client, logger *utils.Logger, m *metrics.Metrics, ttlMs int64) *Service {
	return &Service{
		store:   st,
		logger:  logger,
		metrics: m,
		ttlMs:   ttlMs,
	}
}

// Join registers a connection in a room and returns the full room snapshot
// (including the joining connection) together with the allocated epoch.
//
// If the connection is already registered in a different room, an internal
// leave of the old room runs first and publishes its own leave event. A
// re-join of the same room strictly increases the epoch and overwrites the
// state (no merge).
func (s *Service) Join(ctx context.Context, roomID, userID, connID string, state State) ([]SnapshotEntry, int64, error) {
	if state == nil {
		state = State{}
	}

	fields, err := s.store.HashGetAll(ctx, connKey(connID))
	if err != nil {
		return nil, 0, err
	}
	if oldRoom := fields["room_id"]; oldRoom != "" && oldRoom != roomID {
		if err := s.leaveKnown(ctx, connID, oldRoom, fields["user_id"], parseEpoch(fields["epoch"]), ReasonRejoin); err != nil {
			return nil, 0, fmt.Errorf("failed to leave room %s before joining %s: %w", oldRoom, roomID, err)
		}
	}

	stateJSON, err := EncodeState(state)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now().UnixMilli()
	keys := []string{
		connKey(connID),
		roomConnsKey(roomID),
		roomMembersKey(roomID),
		roomLastSeenKey(roomID),
		roomConnMetaKey(roomID),
		userConnsKey(userID),
		activeRoomsKey,
	}
	result, err := s.store.EvalScript(ctx, joinScript, keys, connID, userID, roomID, stateJSON, now, s.ttlMs)
	if err != nil {
		return nil, 0, err
	}
	epochStr, ok := result.(string)
	if !ok {
		return nil, 0, fmt.Errorf("join script returned unexpected %T", result)
	}
	epoch := parseEpoch(epochStr)

	s.metrics.Joins.Inc()
	s.publish(ctx, Event{
		Type:   EventJoin,
		RoomID: roomID,
		UserID: userID,
		ConnID: connID,
		State:  state,
		Epoch:  epoch,
		TS:     now,
	})

	snapshot, err := s.Snapshot(ctx, roomID)
	if err != nil {
		return nil, 0, err
	}
	return snapshot, epoch, nil
}

// Heartbeat refreshes a connection's liveness and applies an optional state
// patch, fenced on the stored epoch: a supplied epoch below the stored one
// is a complete no-op and reports the authoritative epoch. A negative epoch
// opts out of fencing and is accepted against whatever is stored. Heartbeat
// never advances the epoch.
func (s *Service) Heartbeat(ctx context.Context, connID string, patch State, epoch int64) (HeartbeatResult, error) {
	fields, err := s.store.HashGetAll(ctx, connKey(connID))
	if err != nil {
		s.metrics.Heartbeats.WithLabelValues("error").Inc()
		return HeartbeatResult{}, err
	}
	if len(fields) == 0 {
		s.metrics.Heartbeats.WithLabelValues("unknown").Inc()
		return HeartbeatResult{}, ErrUnknownConnection
	}

	roomID := fields["room_id"]
	storedEpoch := parseEpoch(fields["epoch"])
	if epoch < 0 {
		epoch = storedEpoch
	}
	if epoch < storedEpoch {
		s.metrics.Heartbeats.WithLabelValues("fenced").Inc()
		return HeartbeatResult{Changed: false, Epoch: storedEpoch}, nil
	}

	storedState, err := DecodeState(fields["state"])
	if err != nil {
		s.metrics.Heartbeats.WithLabelValues("error").Inc()
		return HeartbeatResult{}, fmt.Errorf("conn %s has invalid stored state: %w", connID, err)
	}
	merged, changed := Merge(storedState, patch)

	changedFlag := "0"
	mergedJSON := ""
	if changed {
		changedFlag = "1"
		mergedJSON, err = EncodeState(merged)
		if err != nil {
			s.metrics.Heartbeats.WithLabelValues("error").Inc()
			return HeartbeatResult{}, err
		}
	}

	now := time.Now().UnixMilli()
	keys := []string{connKey(connID), roomLastSeenKey(roomID)}
	result, err := s.store.EvalScript(ctx, heartbeatScript, keys, connID, epoch, now, s.ttlMs, changedFlag, mergedJSON)
	if err != nil {
		s.metrics.Heartbeats.WithLabelValues("error").Inc()
		return HeartbeatResult{}, err
	}
	status, scriptEpoch, err := decodeStatusPair(result)
	if err != nil {
		s.metrics.Heartbeats.WithLabelValues("error").Inc()
		return HeartbeatResult{}, err
	}

	switch status {
	case "missing":
		// The conn hash expired between the read and the script.
		s.metrics.Heartbeats.WithLabelValues("unknown").Inc()
		return HeartbeatResult{}, ErrUnknownConnection
	case "fenced":
		// A concurrent re-join advanced the epoch after our read.
		s.metrics.Heartbeats.WithLabelValues("fenced").Inc()
		return HeartbeatResult{Changed: false, Epoch: scriptEpoch}, nil
	}

	s.metrics.Heartbeats.WithLabelValues("ok").Inc()
	if changed {
		s.publish(ctx, Event{
			Type:   EventUpdate,
			RoomID: roomID,
			UserID: fields["user_id"],
			ConnID: connID,
			State:  merged,
			Epoch:  scriptEpoch,
			TS:     now,
		})
	}
	return HeartbeatResult{Changed: changed, Epoch: scriptEpoch}, nil
}

// Leave removes a connection and repairs the room aggregates. It is
// idempotent: a connId with no live record yields (nil, nil) and publishes
// nothing. reason is a metric/logging label, one of the Reason constants.
func (s *Service) Leave(ctx context.Context, connID, reason string) (*Departure, error) {
	fields, err := s.store.HashGetAll(ctx, connKey(connID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	roomID := fields["room_id"]
	userID := fields["user_id"]
	if err := s.leaveKnown(ctx, connID, roomID, userID, parseEpoch(fields["epoch"]), reason); err != nil {
		return nil, err
	}
	return &Departure{RoomID: roomID, UserID: userID}, nil
}

// leaveKnown runs the unconditional leave script for a connection whose room
// and user are already known, publishing a leave event only when this call
// removed the live entry.
func (s *Service) leaveKnown(ctx context.Context, connID, roomID, userID string, epoch int64, reason string) error {
	status, err := s.runLeaveScript(ctx, connID, roomID, userID, "")
	if err != nil {
		return err
	}
	if status != "removed" {
		return nil
	}
	s.metrics.Leaves.WithLabelValues(reason).Inc()
	s.publish(ctx, Event{
		Type:   EventLeave,
		RoomID: roomID,
		UserID: userID,
		ConnID: connID,
		Epoch:  epoch,
		TS:     time.Now().UnixMilli(),
	})
	return nil
}

// Reap removes a connection from a room if its last_seen score is still
// below staleBeforeMs at execution time. It works even when the conn hash
// already expired, using the conn_meta sidecar for the leave event, and
// publishes at most one leave event across concurrent reapers. Returns true
// when this call removed the connection.
func (s *Service) Reap(ctx context.Context, roomID, connID string, staleBeforeMs int64) (bool, error) {
	metaRaw, ok, err := s.store.HashGetField(ctx, roomConnMetaKey(roomID), connID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	meta, err := decodeConnMeta(metaRaw)
	if err != nil {
		// Clean up anyway; membership recompute tolerates the unknown user.
		s.logger.Error(ctx, "conn %s in room %s has invalid conn_meta: %v", connID, roomID, err)
	}

	status, err := s.runLeaveScript(ctx, connID, roomID, meta.UserID, strconv.FormatInt(staleBeforeMs, 10))
	if err != nil {
		return false, err
	}
	if status != "removed" {
		return false, nil
	}

	s.metrics.ReapedConns.Inc()
	s.metrics.Leaves.WithLabelValues(ReasonReaped).Inc()
	s.publish(ctx, Event{
		Type:   EventLeave,
		RoomID: roomID,
		UserID: meta.UserID,
		ConnID: connID,
		Epoch:  meta.Epoch,
		TS:     time.Now().UnixMilli(),
	})
	return true, nil
}

func (s *Service) runLeaveScript(ctx context.Context, connID, roomID, userID, staleBefore string) (string, error) {
	keys := []string{
		connKey(connID),
		roomConnsKey(roomID),
		roomMembersKey(roomID),
		roomLastSeenKey(roomID),
		roomConnMetaKey(roomID),
		userConnsKey(userID),
		activeRoomsKey,
	}
	result, err := s.store.EvalScript(ctx, leaveScript, keys, connID, roomID, userID, staleBefore)
	if err != nil {
		return "", err
	}
	status, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("leave script returned unexpected %T", result)
	}
	return status, nil
}

// Snapshot returns the current members of a room. Aggregate entries whose
// conn hash has expired or moved to another room are skipped; the reaper
// removes them later.
func (s *Service) Snapshot(ctx context.Context, roomID string) ([]SnapshotEntry, error) {
	connIDs, err := s.store.SetMembers(ctx, roomConnsKey(roomID))
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(connIDs))
	for i, id := range connIDs {
		keys[i] = connKey(id)
	}
	hashes, err := s.store.HashGetAllMulti(ctx, keys)
	if err != nil {
		return nil, err
	}

	entries := make([]SnapshotEntry, 0, len(connIDs))
	for i, fields := range hashes {
		if len(fields) == 0 || fields["room_id"] != roomID {
			continue
		}
		state, err := DecodeState(fields["state"])
		if err != nil {
			s.logger.Error(ctx, "conn %s has invalid stored state, skipping in snapshot: %v", connIDs[i], err)
			continue
		}
		entries = append(entries, SnapshotEntry{
			ConnID:     connIDs[i],
			UserID:     fields["user_id"],
			State:      state,
			LastSeenMs: parseEpoch(fields["last_seen_ms"]),
			Epoch:      parseEpoch(fields["epoch"]),
		})
	}
	return entries, nil
}

// ActiveRooms lists the rooms currently holding at least one connection.
func (s *Service) ActiveRooms(ctx context.Context) ([]string, error) {
	return s.store.SetMembers(ctx, activeRoomsKey)
}

// StaleConnections lists connIds in a room whose last accepted heartbeat is
// strictly older than beforeMs.
func (s *Service) StaleConnections(ctx context.Context, roomID string, beforeMs int64) ([]string, error) {
	return s.store.SortedRangeByScore(ctx, roomLastSeenKey(roomID), "-inf", "("+strconv.FormatInt(beforeMs, 10))
}

// publish sends an event on the room's channel. Publication failures are
// logged, never surfaced: the state mutation already committed and
// subscribers converge via snapshots.
func (s *Service) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error(ctx, "failed to marshal %s event for room %s: %v", ev.Type, ev.RoomID, err)
		return
	}
	if err := s.store.Publish(ctx, RoomEventsChannel(ev.RoomID), payload); err != nil {
		s.logger.Error(ctx, "failed to publish %s event for room %s: %v", ev.Type, ev.RoomID, err)
		return
	}
	s.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

func parseEpoch(raw string) int64 {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func decodeStatusPair(result interface{}) (string, int64, error) {
	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return "", 0, fmt.Errorf("script returned unexpected %T", result)
	}
	status, ok := pair[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("script returned unexpected status %T", pair[0])
	}
	epochStr, ok := pair[1].(string)
	if !ok {
		return "", 0, fmt.Errorf("script returned unexpected epoch %T", pair[1])
	}
	return status, parseEpoch(epochStr), nil
}
