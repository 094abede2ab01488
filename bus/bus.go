// Package bus is the Multiplayer Channel Bus: a typed pub/sub over a single
// WebSocket endpoint. Channels are registered by path pattern, each socket
// tracks its own subscription set, and delta fan-out never blocks a
// publisher on a slow subscriber.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
)

// ClientMessage is one client->server frame.
type ClientMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is one server->client frame.
type ServerMessage struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// maxPending is the per-subscriber send-buffer cap; messages are dropped
// with a warning once exceeded rather than blocking the publisher.
const maxPending = 1024

// SnapshotLoader produces the initial payload for a resolved channel path.
type SnapshotLoader func(ctx context.Context, params map[string]string) (interface{}, error)

// AuthorizeFunc may deny a subscription before the snapshot loads.
type AuthorizeFunc func(ctx context.Context, params map[string]string) error

// OnEventFunc handles a client `event` frame for a subscribed channel.
type OnEventFunc func(ctx context.Context, params map[string]string, data json.RawMessage) error

// RefCountHooks fires when a channel path gains its first subscriber or
// loses its last, used to wire sessionBrowserState/Frames into the Browser
// Orchestrator's viewer refcounting.
type RefCountHooks struct {
	OnFirstSubscribe func(params map[string]string)
	OnLastUnsubscribe func(params map[string]string)
}

// Channel is one entry in the registered channel set.
type Channel struct {
	Pattern   string // e.g. "sessionMessages/{uuid}"
	Snapshot  SnapshotLoader
	Authorize AuthorizeFunc
	OnEvent   OnEventFunc
	RefCount  *RefCountHooks
}

// Bus is the registry of channels plus the live subscription table.
type Bus struct {
	channels map[string]*Channel // keyed by pattern

	mu            sync.RWMutex
	pathSubs      map[string]map[*subscriber]struct{} // resolved path -> subscribers
	pathRefCounts map[string]int
}

// New constructs an empty Bus; call Register for every channel in the
// closed set before serving connections.
func New() *Bus {
	return &Bus{
		channels:      make(map[string]*Channel),
		pathSubs:      make(map[string]map[*subscriber]struct{}),
		pathRefCounts: make(map[string]int),
	}
}

// Register adds a channel definition to the closed set.
func (b *Bus) Register(ch *Channel) {
	b.channels[ch.Pattern] = ch
}

// resolve matches a concrete path like "sessionMessages/abc-123" against
// registered patterns, extracting {uuid}-style params.
func (b *Bus) resolve(path string) (*Channel, map[string]string, bool) {
	pathParts := strings.Split(path, "/")
	for _, ch := range b.channels {
		patternParts := strings.Split(ch.Pattern, "/")
		if len(patternParts) != len(pathParts) {
			continue
		}
		params := map[string]string{}
		matched := true
		for i, pp := range patternParts {
			if strings.HasPrefix(pp, "{") && strings.HasSuffix(pp, "}") {
				params[strings.Trim(pp, "{}")] = pathParts[i]
				continue
			}
			if pp != pathParts[i] {
				matched = false
				break
			}
		}
		if matched {
			return ch, params, true
		}
	}
	return nil, nil, false
}

// PublishDelta resolves channelName+params to a path and fans a delta out
// to every subscriber of that exact path, in publisher order, without
// blocking on any single slow subscriber.
func (b *Bus) PublishDelta(channelName string, params map[string]string, delta interface{}) {
	path := resolvePath(channelName, params)

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.pathSubs[path]))
	for s := range b.pathSubs[path] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	msg := ServerMessage{Type: "delta", Channel: path, Data: delta}
	for _, s := range subs {
		s.enqueue(msg)
	}
}

// PublishEvent fans a server-originated event out the same way as a delta.
func (b *Bus) PublishEvent(channelName string, params map[string]string, data interface{}) {
	path := resolvePath(channelName, params)

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.pathSubs[path]))
	for s := range b.pathSubs[path] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	msg := ServerMessage{Type: "event", Channel: path, Data: data}
	for _, s := range subs {
		s.enqueue(msg)
	}
}

func resolvePath(channelName string, params map[string]string) string {
	if len(params) == 0 {
		return channelName
	}
	// Every registered pattern carries at most one {uuid} segment.
	for _, v := range params {
		return channelName + "/" + v
	}
	return channelName
}

func (b *Bus) addSub(path string, s *subscriber, params map[string]string, hooks *RefCountHooks) {
	b.mu.Lock()
	set, ok := b.pathSubs[path]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.pathSubs[path] = set
	}
	set[s] = struct{}{}
	b.pathRefCounts[path]++
	first := b.pathRefCounts[path] == 1
	b.mu.Unlock()

	if first && hooks != nil && hooks.OnFirstSubscribe != nil {
		hooks.OnFirstSubscribe(params)
	}
}

func (b *Bus) removeSub(path string, s *subscriber, params map[string]string, hooks *RefCountHooks) {
	b.mu.Lock()
	set, ok := b.pathSubs[path]
	last := false
	if ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.pathSubs, path)
		}
	}
	if b.pathRefCounts[path] > 0 {
		b.pathRefCounts[path]--
	}
	if b.pathRefCounts[path] == 0 {
		delete(b.pathRefCounts, path)
		last = true
	}
	b.mu.Unlock()

	if last && hooks != nil && hooks.OnLastUnsubscribe != nil {
		hooks.OnLastUnsubscribe(params)
	}
}

// subscriber is one connected WebSocket client's bus-facing state.
type subscriber struct {
	conn *websocket.Conn

	send chan ServerMessage

	mu            sync.Mutex
	subscriptions map[string]subscription // path -> channel+params
}

type subscription struct {
	channel *Channel
	params  map[string]string
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		conn:          conn,
		send:          make(chan ServerMessage, maxPending),
		subscriptions: make(map[string]subscription),
	}
}

func (s *subscriber) enqueue(msg ServerMessage) {
	select {
	case s.send <- msg:
	default:
		logger.Warn("bus subscriber send buffer full, dropping message", zap.String("channel", msg.Channel))
	}
}

// writeLoop drains the send buffer to the socket; one per subscriber.
func (s *subscriber) writeLoop() {
	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// Upgrader is shared across connections; CheckOrigin is permissive here
// since the proxy/CORS layer is where origin policy is enforced.
var Upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ServeConn runs the subscribe/unsubscribe/event/ping protocol loop for one
// already-upgraded WebSocket connection until it closes.
func (b *Bus) ServeConn(ctx context.Context, conn *websocket.Conn) {
	sub := newSubscriber(conn)
	go sub.writeLoop()

	defer func() {
		sub.mu.Lock()
		paths := make([]string, 0, len(sub.subscriptions))
		for p := range sub.subscriptions {
			paths = append(paths, p)
		}
		sub.mu.Unlock()
		for _, path := range paths {
			sub.mu.Lock()
			s := sub.subscriptions[path]
			delete(sub.subscriptions, path)
			sub.mu.Unlock()
			b.removeSub(path, sub, s.params, s.channel.RefCount)
		}
		close(sub.send)
		conn.Close()
	}()

	for {
		_, r, err := conn.NextReader()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.NewDecoder(r).Decode(&msg); err != nil {
			continue // malformed client messages are silently ignored
		}
		b.handleClientMessage(ctx, sub, msg)
	}
}

func (b *Bus) handleClientMessage(ctx context.Context, sub *subscriber, msg ClientMessage) {
	switch msg.Type {
	case "ping":
		sub.enqueue(ServerMessage{Type: "pong"})
	case "subscribe":
		b.handleSubscribe(ctx, sub, msg.Channel)
	case "unsubscribe":
		b.handleUnsubscribe(sub, msg.Channel)
	case "event":
		b.handleEvent(ctx, sub, msg.Channel, msg.Data)
	default:
		sub.enqueue(ServerMessage{Type: "error", Channel: msg.Channel, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (b *Bus) handleSubscribe(ctx context.Context, sub *subscriber, path string) {
	ch, params, ok := b.resolve(path)
	if !ok {
		sub.enqueue(ServerMessage{Type: "error", Channel: path, Error: "Unknown channel"})
		return
	}

	if ch.Authorize != nil {
		if err := ch.Authorize(ctx, params); err != nil {
			sub.enqueue(ServerMessage{Type: "error", Channel: path, Error: "Unauthorized"})
			return
		}
	}

	var snapshot interface{}
	if ch.Snapshot != nil {
		s, err := ch.Snapshot(ctx, params)
		if err != nil {
			sub.enqueue(ServerMessage{Type: "error", Channel: path, Error: err.Error()})
			return
		}
		snapshot = s
	}

	sub.mu.Lock()
	sub.subscriptions[path] = subscription{channel: ch, params: params}
	sub.mu.Unlock()

	// Enqueue the snapshot before registering the subscriber in the fan-out
	// table, so a concurrent publish can never land a delta ahead of it.
	sub.enqueue(ServerMessage{Type: "snapshot", Channel: path, Data: snapshot})
	b.addSub(path, sub, params, ch.RefCount)
}

func (b *Bus) handleUnsubscribe(sub *subscriber, path string) {
	sub.mu.Lock()
	s, ok := sub.subscriptions[path]
	if ok {
		delete(sub.subscriptions, path)
	}
	sub.mu.Unlock()
	if !ok {
		return
	}
	b.removeSub(path, sub, s.params, s.channel.RefCount)
}

func (b *Bus) handleEvent(ctx context.Context, sub *subscriber, path string, data json.RawMessage) {
	sub.mu.Lock()
	s, ok := sub.subscriptions[path]
	sub.mu.Unlock()
	if !ok {
		sub.enqueue(ServerMessage{Type: "error", Channel: path, Error: "Not subscribed"})
		return
	}
	if s.channel.OnEvent == nil {
		return
	}
	if err := s.channel.OnEvent(ctx, s.params, data); err != nil {
		sub.enqueue(ServerMessage{Type: "error", Channel: path, Error: err.Error()})
	}
}
