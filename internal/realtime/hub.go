package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/colony-core/internal/common"
)

// SessionVerifier resolves a connection token to its owner.
type SessionVerifier interface {
	Verify(token string) (string, error)
}

// Publisher forwards locally relayed events to other hub processes.
type Publisher interface {
	Publish(ctx context.Context, ev RemoteEvent) error
}

// RemoteEvent is a relayed frame crossing process boundaries.
type RemoteEvent struct {
	Node   string          `json:"node"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin"`
}

type Options struct {
	AllowedOrigins []string
	SendBuffer     int

	// UpdateLog is nil when durable logging is disabled.
	UpdateLog  UpdateLog
	LogTimeout time.Duration
}

type Hub struct {
	reg      *Registry
	verifier SessionVerifier
	upgrader websocket.Upgrader
	opts     Options
	nodeID   string

	publisher Publisher
	now       func() time.Time
}

func NewHub(reg *Registry, verifier SessionVerifier, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.LogTimeout <= 0 {
		opts.LogTimeout = 5 * time.Second
	}
	h := &Hub{
		reg:      reg,
		verifier: verifier,
		opts:     opts,
		nodeID:   uuid.NewString(),
		now:      time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) NodeID() string { return h.nodeID }

// SetPublisher enables cross-process fan-out. Call before serving.
func (h *Hub) SetPublisher(p Publisher) { h.publisher = p }

func (h *Hub) Registry() *Registry { return h.reg }

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	log.Printf("[hub] rejected origin=%s", origin)
	return false
}

func tokenFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("token")); v != "" {
		return v
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

// ServeWS upgrades an authenticated request and blocks until the connection ends.
// Guests (no token) never get a connection.
func (h *Hub) ServeWS(c *gin.Context) {
	token := tokenFromRequest(c.Request)
	if token == "" {
		common.Fail(c, http.StatusUnauthorized, 40100, "session token required")
		return
	}
	subject, err := h.verifier.Verify(token)
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, 40101, "invalid session token")
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader already replied
		log.Printf("[hub] upgrade failed subject=%s err=%v", subject, err)
		return
	}

	conn := newConn(uuid.NewString(), subject, ws, h.opts.SendBuffer)
	go conn.writePump()
	h.accept(conn)
	h.readLoop(conn)
	h.disconnect(conn)
}

// accept queues the welcome before the connection becomes a relay target,
// so colony:connected is always the first frame a client reads.
func (h *Hub) accept(c *Conn) {
	c.emit(EventConnected, ConnectedPayload{
		Message:   "Connected to Colony Core",
		Timestamp: isoTimestamp(h.now()),
		SocketID:  c.ID(),
	})
	c.markConnected()

	h.reg.Add(c)
	h.reg.Join(c.ID(), GlobalFeed)
	log.Printf("[hub] connected conn=%s subject=%s live=%d", c.ID(), c.Subject(), h.reg.Len())
}

func (h *Hub) disconnect(c *Conn) {
	removed := h.reg.Remove(c.ID())
	c.close(websocket.CloseNormalClosure, "")
	if removed {
		log.Printf("[hub] disconnected conn=%s live=%d", c.ID(), h.reg.Len())
	}
}

// readLoop handles one connection's inbound events in arrival order.
func (h *Hub) readLoop(c *Conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("[hub] read failed conn=%s err=%v", c.ID(), err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
			c.emit(EventError, ErrorPayload{Message: "invalid frame"})
			continue
		}
		h.dispatch(c, f)
	}
}

func (h *Hub) dispatch(c *Conn, f Frame) {
	switch f.Event {
	case EventEntityUpdate:
		upd, err := ParseEntityUpdate(f.Data)
		if err != nil {
			log.Printf("[hub] rejected %s conn=%s err=%v", f.Event, c.ID(), err)
			c.emit(EventError, ErrorPayload{Message: "invalid payload"})
			return
		}
		h.relayEntityUpdate(c, f.Data, upd)

	case EventNotificationSend:
		if err := ValidateNotification(f.Data); err != nil {
			log.Printf("[hub] rejected %s conn=%s err=%v", f.Event, c.ID(), err)
			c.emit(EventError, ErrorPayload{Message: "invalid payload"})
			return
		}
		h.relayNotification(c, f.Data)

	case EventJoinChannel, EventLeaveChannel:
		name, err := ParseChannel(f.Data)
		if err != nil {
			c.emit(EventError, ErrorPayload{Message: "invalid channel"})
			return
		}
		if f.Event == EventJoinChannel {
			h.reg.Join(c.ID(), name)
		} else {
			h.reg.Leave(c.ID(), name)
		}

	default:
		c.emit(EventError, ErrorPayload{Message: "unknown event"})
	}
}

// relayEntityUpdate fans out to everyone but the sender, then appends to the
// update log in the background. A failed append is reported to the sender only.
func (h *Hub) relayEntityUpdate(origin *Conn, raw json.RawMessage, upd EntityUpdate) {
	frame, err := encodeFrame(EventEntityUpdated, raw)
	if err != nil {
		origin.emit(EventError, ErrorPayload{Message: "Failed to process update"})
		return
	}
	h.fanOut(frame, origin.ID())
	h.publish(EventEntityUpdated, raw, origin.ID())

	if h.opts.UpdateLog == nil {
		return
	}
	rec := UpdateRecord{
		EntityType:   upd.EntityType,
		EntityID:     upd.EntityID,
		UpdateData:   upd.UpdateData,
		ConnectionID: origin.ID(),
		Timestamp:    h.now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.LogTimeout)
		defer cancel()
		if err := h.opts.UpdateLog.Append(ctx, rec); err != nil {
			log.Printf("[hub] update log append failed conn=%s entity=%s/%s err=%v",
				origin.ID(), rec.EntityType, rec.EntityID, err)
			origin.emit(EventError, ErrorPayload{Message: "Failed to process update"})
		}
	}()
}

// relayNotification reaches every connection, the sender included.
func (h *Hub) relayNotification(origin *Conn, raw json.RawMessage) {
	frame, err := encodeFrame(EventNotificationReceived, raw)
	if err != nil {
		origin.emit(EventError, ErrorPayload{Message: "Failed to process notification"})
		return
	}
	h.fanOut(frame, "")
	h.publish(EventNotificationReceived, raw, origin.ID())
}

func (h *Hub) fanOut(frame []byte, exclude string) int {
	delivered := 0
	for _, c := range h.reg.Snapshot() {
		if c.ID() == exclude || c.State() != StateConnected {
			continue
		}
		if c.enqueue(frame) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) publish(event string, raw json.RawMessage, origin string) {
	if h.publisher == nil {
		return
	}
	ev := RemoteEvent{Node: h.nodeID, Event: event, Data: raw, Origin: origin}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.publisher.Publish(ctx, ev); err != nil {
			log.Printf("[hub] publish %s failed origin=%s err=%v", event, origin, err)
		}
	}()
}

var errUnknownRemoteEvent = errors.New("unknown remote event")

// DeliverRemote relays an event received from another hub process to every
// local connection. The origin connection lives elsewhere, so nobody is excluded.
func (h *Hub) DeliverRemote(ev RemoteEvent) error {
	if ev.Node == h.nodeID {
		return nil
	}
	switch ev.Event {
	case EventEntityUpdated, EventNotificationReceived:
	default:
		return errUnknownRemoteEvent
	}
	frame, err := encodeFrame(ev.Event, ev.Data)
	if err != nil {
		return err
	}
	h.fanOut(frame, "")
	return nil
}

type Stats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
}

func (h *Hub) Stats() Stats {
	return Stats{Connections: h.reg.Len(), Channels: h.reg.ChannelCounts()}
}

// Close disconnects every live connection.
func (h *Hub) Close() {
	for _, c := range h.reg.Snapshot() {
		h.reg.Remove(c.ID())
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
