package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dukepan/presence-fabric/internal/metrics"
	"github.com/dukepan/presence-fabric/internal/presence"
	"github.com/dukepan/presence-fabric/internal/store"
	"github.com/dukepan/presence-fabric/internal/utils"
)

// Broadcaster is the transport capability the bridge needs: emit a message
// to every socket currently associated with a room.
type Broadcaster interface {
	BroadcastToRoom(roomID string, message interface{})
}

// Handler is an in-process subscriber to presence events. Handlers run on
// the bridge's receive goroutine; panics are caught and logged so one
// misbehaving handler cannot starve the others or the transport fan-out.
type Handler func(ev presence.Event)

// serverEvent is the envelope emitted to sockets for a presence broadcast.
type serverEvent struct {
	Type    string         `json:"type"`
	Payload presence.Event `json:"payload"`
}

// Bridge subscribes to the cross-node event channels on a dedicated
// subscribe-mode store connection and fans every received event out to the
// registered handler set and to the transport's per-room broadcast. It does
// not back-fill events missed across a reconnect; clients converge via
// snapshots.
type Bridge struct {
	store       *store.Client
	logger      *utils.Logger
	metrics     *metrics.Metrics
	broadcaster Broadcaster
	eventName   string

	handlersMu sync.RWMutex
	handlers   []Handler

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an event bridge. eventName is the message type used for
// server-emitted presence broadcasts, "presence:event" by default.
func New(st *store.Client, logger *utils.Logger, m *metrics.Metrics, broadcaster Broadcaster, eventName string) *Bridge {
	return &Bridge{
		store:       st,
		logger:      logger,
		metrics:     m,
		broadcaster: broadcaster,
		eventName:   eventName,
		done:        make(chan struct{}),
	}
}

// Register adds an in-process handler. Registration takes the exclusive
// lock; dispatch iterates a snapshot of the handler slice lock-free.
func (b *Bridge) Register(h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start opens the pattern subscription and begins delivering events. The
// underlying PubSub reconnects and re-subscribes on its own after a
// connection loss.
func (b *Bridge) Start(ctx context.Context) {
	pubsub := b.store.PSubscribe(ctx, presence.EventsPattern)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.deliver(ctx, msg.Payload)
			}
		}
	}()
}

// Stop unsubscribes and waits for the receive loop to drain. Safe to call
// more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}

func (b *Bridge) deliver(ctx context.Context, payload string) {
	var ev presence.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Error(ctx, "failed to parse presence event: %v", err)
		return
	}
	if ev.RoomID == "" {
		b.logger.Error(ctx, "presence event without roomId dropped")
		return
	}
	b.metrics.EventsDelivered.Inc()

	b.handlersMu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.handlersMu.RUnlock()

	for _, h := range handlers {
		b.invoke(ctx, h, ev)
	}

	b.broadcaster.BroadcastToRoom(ev.RoomID, serverEvent{Type: b.eventName, Payload: ev})
}

func (b *Bridge) invoke(ctx context.Context, h Handler, ev presence.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, "presence event handler panicked on %s for room %s: %v", ev.Type, ev.RoomID, r)
		}
	}()
	h(ev)
}
