package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dukepan/presence-fabric/internal/presence"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer: the 64 KiB state budget plus
	// envelope headroom.
	maxMessageSize = maxStateBytes + 8*1024

	// Deadline applied to each Service call made on behalf of a request.
	requestTimeout = 2 * time.Second
)

// Client is a middleman between one websocket connection and the presence
// service. Its stable id is the connId for every Service call; connId fields
// supplied by the peer are ignored. The presence session fields are owned by
// the read pump, which is the only goroutine that touches them.
type Client struct {
	id   string
	hub  *Manager
	conn *websocket.Conn
	send chan interface{}
	acks chan interface{}

	// presence session: the room and user this socket is bound to, empty
	// until a join succeeds.
	presenceRoomID string
	presenceUserID string
}

// NewClient creates a client for an upgraded connection and assigns its
// stable id.
func NewClient(hub *Manager, conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan interface{}, 256),
		acks: make(chan interface{}, 16),
	}
}

// ID returns the socket's stable identifier, used as connId.
func (c *Client) ID() string {
	return c.id
}

// Start begins the client's read and write pumps. If the manager is already
// stopped the connection is closed immediately.
func (c *Client) Start() {
	if !c.hub.register(c) {
		c.conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump pumps requests from the websocket connection to the presence
// service. The application ensures that there is at most one reader per
// connection by invoking this as a goroutine.
func (c *Client) readPump() {
	defer func() {
		c.disconnect()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error(context.Background(), "websocket read error on conn %s: %v", c.id, err)
			}
			break
		}

		var req request
		if err := json.Unmarshal(message, &req); err != nil {
			c.hub.logger.Error(context.Background(), "invalid request frame on conn %s: %v", c.id, err)
			continue
		}

		switch req.Type {
		case msgJoin:
			c.handleJoin(&req)
		case msgHeartbeat:
			c.handleHeartbeat(&req)
		case msgLeave:
			c.handleLeave(&req)
		default:
			c.reply(errorAck{ID: req.ID, OK: false, Error: kindInvalidArgument})
		}
	}
}

// writePump pumps messages to the websocket connection. The application
// ensures that there is at most one writer per connection by invoking this
// as a goroutine.
func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.acks:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Error(context.Background(), "websocket write error on conn %s: %v", c.id, err)
				return
			}

		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The manager closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.logger.Error(context.Background(), "websocket write error on conn %s: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleJoin(req *request) {
	var payload joinPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			c.reply(errorAck{ID: req.ID, OK: false, Error: kindInvalidArgument})
			return
		}
	}
	if kind := validateJoin(&payload); kind != "" {
		c.reply(errorAck{ID: req.ID, OK: false, Error: kind})
		return
	}

	// A socket belongs to at most one room at a time.
	if c.presenceRoomID != "" && c.presenceRoomID != payload.RoomID {
		c.reply(errorAck{ID: req.ID, OK: false, Error: kindAlreadyJoinedOther})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	snapshot, epoch, err := c.hub.svc.Join(ctx, payload.RoomID, payload.UserID, c.id, payload.State)
	if err != nil {
		c.hub.logger.Error(ctx, "join failed for conn %s in room %s: %v", c.id, payload.RoomID, err)
		c.reply(errorAck{ID: req.ID, OK: false, Error: errorKind(err)})
		return
	}

	c.presenceRoomID = payload.RoomID
	c.presenceUserID = payload.UserID
	c.hub.JoinRoom(c, payload.RoomID)

	c.reply(joinAck{
		ID:       req.ID,
		OK:       true,
		Snapshot: snapshot,
		Self:     selfInfo{ConnID: c.id, Epoch: epoch},
	})
}

func (c *Client) handleHeartbeat(req *request) {
	var payload heartbeatPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			c.reply(errorAck{ID: req.ID, OK: false, Error: kindInvalidArgument})
			return
		}
	}
	if kind := validateHeartbeat(&payload); kind != "" {
		c.reply(errorAck{ID: req.ID, OK: false, Error: kind})
		return
	}

	// An omitted epoch opts out of fencing; the Service treats a negative
	// epoch as "accept against whatever is stored".
	epoch := int64(-1)
	if payload.Epoch != nil {
		epoch = *payload.Epoch
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	result, err := c.hub.svc.Heartbeat(ctx, c.id, payload.PatchState, epoch)
	if err != nil {
		if errorKind(err) == kindInternal {
			c.hub.logger.Error(ctx, "heartbeat failed for conn %s: %v", c.id, err)
		}
		c.reply(errorAck{ID: req.ID, OK: false, Error: errorKind(err)})
		return
	}

	c.reply(heartbeatAck{ID: req.ID, OK: true, Changed: result.Changed, Epoch: result.Epoch})
}

func (c *Client) handleLeave(req *request) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	_, err := c.hub.svc.Leave(ctx, c.id, presence.ReasonExplicit)
	if err != nil {
		c.hub.logger.Error(ctx, "leave failed for conn %s: %v", c.id, err)
		c.reply(errorAck{ID: req.ID, OK: false, Error: errorKind(err)})
		return
	}

	if c.presenceRoomID != "" {
		c.hub.LeaveRoom(c, c.presenceRoomID)
		c.presenceRoomID = ""
		c.presenceUserID = ""
	}
	c.reply(leaveAck{ID: req.ID, OK: true})
}

// disconnect runs when the read pump exits: a best-effort synthetic leave
// whose errors are logged, never surfaced. unregister drops the room
// membership itself, atomically with closing the send channel.
func (c *Client) disconnect() {
	c.hub.unregister(c)

	if c.presenceRoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if _, err := c.hub.svc.Leave(ctx, c.id, presence.ReasonDisconnect); err != nil {
		c.hub.logger.Error(ctx, "disconnect leave failed for conn %s: %v", c.id, err)
	}
	c.presenceRoomID = ""
	c.presenceUserID = ""
}

// reply queues an acknowledgement on the dedicated ack channel, so a room
// broadcast burst filling the send buffer can never starve acks. The read
// pump issues at most one ack per request and does not read the next frame
// until the ack is queued, so the buffer cannot fill while the write pump is
// alive; the fallback only fires on a socket that is already dying.
func (c *Client) reply(message interface{}) {
	select {
	case c.acks <- message:
	default:
		c.hub.logger.Error(context.Background(), "ack dropped for conn %s: write pump gone", c.id)
	}
}
