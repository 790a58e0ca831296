package presence

// Key layout in the backing store. Room-scoped keys share a "{room:<id>}"
// hash tag so they land on one partition and the scripted multi-key updates
// stay valid in a sharded deployment. The per-connection and per-user keys
// intentionally do not share that tag; see the script comments.
const (
	activeRoomsKey = "prs:active_rooms"

	// EventsPattern matches every room event channel. The bridge subscribes
	// to it on a dedicated connection.
	EventsPattern = "prs:{room:*}:events"
)

func connKey(connID string) string {
	return "prs:conn:" + connID
}

func roomConnsKey(roomID string) string {
	return "prs:{room:" + roomID + "}:conns"
}

func roomMembersKey(roomID string) string {
	return "prs:{room:" + roomID + "}:members"
}

func roomLastSeenKey(roomID string) string {
	return "prs:{room:" + roomID + "}:last_seen"
}

func roomConnMetaKey(roomID string) string {
	return "prs:{room:" + roomID + "}:conn_meta"
}

func userConnsKey(userID string) string {
	return "prs:user:" + userID + ":conns"
}

// RoomEventsChannel is the pub/sub channel carrying presence events for one room.
func RoomEventsChannel(roomID string) string {
	return "prs:{room:" + roomID + "}:events"
}
