package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/colony-core/internal/auth"
)

const testSecret = "test-secret"

type failingLog struct {
	calls atomic.Int32
}

func (l *failingLog) Append(ctx context.Context, rec UpdateRecord) error {
	l.calls.Add(1)
	return errors.New("db unavailable")
}

type memoryLog struct {
	mu   sync.Mutex
	recs []UpdateRecord
}

func (l *memoryLog) Append(ctx context.Context, rec UpdateRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

func (l *memoryLog) snapshot() []UpdateRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]UpdateRecord(nil), l.recs...)
}

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(NewRegistry(), auth.JWTVerifier{Secret: testSecret}, opts)
	r := gin.New()
	r.GET("/ws", hub.ServeWS)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
	id string
}

func dial(t *testing.T, url, subject string) *testClient {
	t.Helper()
	tok, err := auth.SignJWT(subject, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: t, ws: ws}
	t.Cleanup(func() { _ = ws.Close() })

	f := c.read()
	if f.Event != EventConnected {
		t.Fatalf("expected %s first, got %s", EventConnected, f.Event)
	}
	var p ConnectedPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	if p.SocketID == "" || p.Timestamp == "" || p.Message == "" {
		t.Fatalf("incomplete welcome: %+v", p)
	}
	c.id = p.SocketID
	return c
}

func (c *testClient) send(event string, data string) {
	c.t.Helper()
	msg := `{"event":"` + event + `","data":` + data + `}`
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read() Frame {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		c.t.Fatalf("decode frame %s: %v", msg, err)
	}
	return f
}

// expectSilence asserts nothing arrives within d.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(d))
	_, msg, err := c.ws.ReadMessage()
	if err == nil {
		c.t.Fatalf("expected no frame, got %s", msg)
	}
	var ne interface{ Timeout() bool }
	if !errors.As(err, &ne) || !ne.Timeout() {
		c.t.Fatalf("expected read timeout, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestServeWS_GuestGetsNoConnection(t *testing.T) {
	hub, url := startHub(t, Options{})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=forged", nil)
	if err == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected forged token to be rejected, got %v", err)
	}
	if hub.Stats().Connections != 0 {
		t.Fatalf("no connection should be registered")
	}
}

func TestServeWS_BearerHeader(t *testing.T) {
	_, url := startHub(t, Options{})

	tok, _ := auth.SignJWT("u1", testSecret, time.Minute)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+tok)
	ws, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dial with bearer header: %v", err)
	}
	_ = ws.Close()
}

func TestServeWS_RejectsForeignOrigin(t *testing.T) {
	_, url := startHub(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	tok, _ := auth.SignJWT("u1", testSecret, time.Minute)
	h := http.Header{}
	h.Set("Origin", "http://evil.example")
	if _, _, err := websocket.DefaultDialer.Dial(url+"?token="+tok, h); err == nil {
		t.Fatalf("expected foreign origin to be rejected")
	}

	h.Set("Origin", "http://localhost:3000")
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+tok, h)
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = ws.Close()
}

func TestConnect_JoinsGlobalFeed(t *testing.T) {
	hub, url := startHub(t, Options{})

	a := dial(t, url, "a")
	b := dial(t, url, "b")

	st := hub.Stats()
	if st.Connections != 2 || st.Channels[GlobalFeed] != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if a.id == b.id {
		t.Fatalf("connection ids must be unique")
	}
	conn, ok := hub.Registry().Get(a.id)
	if !ok || conn.State() != StateConnected || conn.Subject() != "a" {
		t.Fatalf("unexpected registry entry: ok=%v", ok)
	}
}

func TestEntityUpdate_RelayedToAllButSender(t *testing.T) {
	_, url := startHub(t, Options{})

	a := dial(t, url, "a")
	b := dial(t, url, "b")
	c := dial(t, url, "c")

	payload := `{"entityType":"agent","entityId":"42","updateData":{"x":1}}`
	a.send(EventEntityUpdate, payload)

	for _, cl := range []*testClient{b, c} {
		f := cl.read()
		if f.Event != EventEntityUpdated {
			t.Fatalf("expected %s, got %s", EventEntityUpdated, f.Event)
		}
		var got, want map[string]any
		_ = json.Unmarshal(f.Data, &got)
		_ = json.Unmarshal([]byte(payload), &want)
		if got["entityId"] != want["entityId"] || got["entityType"] != want["entityType"] {
			t.Fatalf("payload changed in relay: %s", f.Data)
		}
	}
	a.expectSilence(200 * time.Millisecond)
}

func TestNotification_ReachesEveryoneIncludingSender(t *testing.T) {
	_, url := startHub(t, Options{})

	a := dial(t, url, "a")
	b := dial(t, url, "b")

	a.send(EventNotificationSend, `{"title":"Swarm","message":"new queen"}`)

	for _, cl := range []*testClient{a, b} {
		f := cl.read()
		if f.Event != EventNotificationReceived {
			t.Fatalf("expected %s, got %s", EventNotificationReceived, f.Event)
		}
		if !strings.Contains(string(f.Data), "new queen") {
			t.Fatalf("unexpected payload: %s", f.Data)
		}
	}
}

func TestEntityUpdate_LogFailureOnlyReachesSender(t *testing.T) {
	fl := &failingLog{}
	_, url := startHub(t, Options{UpdateLog: fl})

	a := dial(t, url, "a")
	b := dial(t, url, "b")
	c := dial(t, url, "c")

	a.send(EventEntityUpdate, `{"entityType":"hive","entityId":"1","updateData":null}`)

	for _, cl := range []*testClient{b, c} {
		if f := cl.read(); f.Event != EventEntityUpdated {
			t.Fatalf("expected relay despite log failure, got %s", f.Event)
		}
	}

	f := a.read()
	if f.Event != EventError {
		t.Fatalf("expected error for sender, got %s", f.Event)
	}
	var ep ErrorPayload
	_ = json.Unmarshal(f.Data, &ep)
	if ep.Message == "" {
		t.Fatalf("error payload should carry a message")
	}

	// the next frame the sender sees is its own notification, not a second error
	a.send(EventNotificationSend, `{"title":"ping"}`)
	if f := a.read(); f.Event != EventNotificationReceived {
		t.Fatalf("expected exactly one error, then notification; got %s", f.Event)
	}
	for _, cl := range []*testClient{b, c} {
		if f := cl.read(); f.Event != EventNotificationReceived {
			t.Fatalf("other clients must not see the error, got %s", f.Event)
		}
	}
	if fl.calls.Load() != 1 {
		t.Fatalf("expected one append attempt, got %d", fl.calls.Load())
	}
}

func TestEntityUpdate_AppendsToLog(t *testing.T) {
	ml := &memoryLog{}
	_, url := startHub(t, Options{UpdateLog: ml})

	a := dial(t, url, "a")
	b := dial(t, url, "b")

	a.send(EventEntityUpdate, `{"entityType":"task","entityId":"t-9","updateData":{"column":"done"}}`)
	if f := b.read(); f.Event != EventEntityUpdated {
		t.Fatalf("expected relay, got %s", f.Event)
	}

	waitFor(t, func() bool { return len(ml.snapshot()) == 1 })
	rec := ml.snapshot()[0]
	if rec.EntityType != "task" || rec.EntityID != "t-9" || rec.ConnectionID != a.id {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if string(rec.UpdateData) != `{"column":"done"}` {
		t.Fatalf("unexpected update data: %s", rec.UpdateData)
	}
	if rec.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
	a.expectSilence(100 * time.Millisecond)
}

func TestInvalidPayloads_AreRejectedAtBoundary(t *testing.T) {
	_, url := startHub(t, Options{})

	a := dial(t, url, "a")
	b := dial(t, url, "b")

	bad := []struct{ event, data string }{
		{EventEntityUpdate, `{"entityId":"1"}`},
		{EventEntityUpdate, `{"entityType":7,"entityId":"1"}`},
		{EventEntityUpdate, `"just a string"`},
		{EventNotificationSend, `[1,2,3]`},
		{"entity:delete", `{}`},
	}
	for _, tc := range bad {
		a.send(tc.event, tc.data)
		if f := a.read(); f.Event != EventError {
			t.Fatalf("%s %s: expected error, got %s", tc.event, tc.data, f.Event)
		}
	}

	if err := a.ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if f := a.read(); f.Event != EventError {
		t.Fatalf("expected error for malformed frame, got %s", f.Event)
	}
	b.expectSilence(200 * time.Millisecond)
}

func TestChannels_JoinAndLeave(t *testing.T) {
	hub, url := startHub(t, Options{})

	a := dial(t, url, "a")
	a.send(EventJoinChannel, `"kanban"`)
	waitFor(t, func() bool { return hub.Stats().Channels["kanban"] == 1 })

	a.send(EventLeaveChannel, `"kanban"`)
	waitFor(t, func() bool { _, ok := hub.Stats().Channels["kanban"]; return !ok })

	a.send(EventJoinChannel, `""`)
	if f := a.read(); f.Event != EventError {
		t.Fatalf("expected error for empty channel, got %s", f.Event)
	}
}

func TestChannels_MembershipDoesNotScopeRelays(t *testing.T) {
	_, url := startHub(t, Options{})

	a := dial(t, url, "a")
	b := dial(t, url, "b")

	b.send(EventLeaveChannel, `"`+GlobalFeed+`"`)
	a.send(EventNotificationSend, `{"title":"still delivered"}`)
	if f := a.read(); f.Event != EventNotificationReceived {
		t.Fatalf("sender should get its notification, got %s", f.Event)
	}
	if f := b.read(); f.Event != EventNotificationReceived {
		t.Fatalf("expected notification after leaving %s, got %s", GlobalFeed, f.Event)
	}
}

func TestConnect_WelcomeIsFirstFrameUnderRelayLoad(t *testing.T) {
	_, url := startHub(t, Options{})

	sender := dial(t, url, "sender")
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := []byte(`{"event":"entity:update","data":{"entityType":"agent","entityId":"1","updateData":{}}}`)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := sender.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	tok, err := auth.SignJWT("late", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	bad := 0
	for i := 0; i < 100; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+tok, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := ws.ReadMessage()
		_ = ws.Close()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
		if f.Event != EventConnected {
			bad++
		}
	}
	if bad > 0 {
		t.Fatalf("%d/100 connections read a relay before %s", bad, EventConnected)
	}
}

func TestDisconnect_RemovesFromRelayTargets(t *testing.T) {
	hub, url := startHub(t, Options{})

	a := dial(t, url, "a")
	b := dial(t, url, "b")
	c := dial(t, url, "c")

	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.ws.Close()

	waitFor(t, func() bool { return hub.Stats().Connections == 2 })
	if _, ok := hub.Registry().Get(c.id); ok {
		t.Fatalf("disconnected connection still registered")
	}
	if hub.Stats().Channels[GlobalFeed] != 2 {
		t.Fatalf("disconnected connection still in channel: %+v", hub.Stats())
	}

	a.send(EventEntityUpdate, `{"entityType":"agent","entityId":"1","updateData":{}}`)
	if f := b.read(); f.Event != EventEntityUpdated {
		t.Fatalf("expected relay to live client, got %s", f.Event)
	}
	a.send(EventNotificationSend, `{"title":"after"}`)
	if f := a.read(); f.Event != EventNotificationReceived {
		t.Fatalf("sender should get its notification, got %s", f.Event)
	}
	if f := b.read(); f.Event != EventNotificationReceived {
		t.Fatalf("expected notification, got %s", f.Event)
	}
}

func TestPerConnectionOrdering(t *testing.T) {
	_, url := startHub(t, Options{SendBuffer: 256})

	a := dial(t, url, "a")
	b := dial(t, url, "b")

	const n = 50
	for i := 0; i < n; i++ {
		a.send(EventEntityUpdate, `{"entityType":"seq","entityId":"`+string(rune('A'+i%26))+`","updateData":`+jsonInt(i)+`}`)
	}
	for i := 0; i < n; i++ {
		f := b.read()
		var u EntityUpdate
		_ = json.Unmarshal(f.Data, &u)
		if string(u.UpdateData) != jsonInt(i) {
			t.Fatalf("out of order at %d: %s", i, u.UpdateData)
		}
	}
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

type recordingPublisher struct {
	mu  sync.Mutex
	evs []RemoteEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev RemoteEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, ev)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.evs)
}

func TestRemoteEvents_PublishAndDeliver(t *testing.T) {
	hub, url := startHub(t, Options{})
	pub := &recordingPublisher{}
	hub.SetPublisher(pub)

	a := dial(t, url, "a")
	b := dial(t, url, "b")

	a.send(EventNotificationSend, `{"title":"local"}`)
	_ = a.read()
	_ = b.read()
	waitFor(t, func() bool { return pub.count() == 1 })
	pub.mu.Lock()
	ev := pub.evs[0]
	pub.mu.Unlock()
	if ev.Node != hub.NodeID() || ev.Origin != a.id || ev.Event != EventNotificationReceived {
		t.Fatalf("unexpected published event: %+v", ev)
	}

	// own echo is ignored: the next frame clients see is the remote update below
	if err := hub.DeliverRemote(ev); err != nil {
		t.Fatalf("deliver own: %v", err)
	}

	remote := RemoteEvent{Node: "other-node", Event: EventEntityUpdated, Data: json.RawMessage(`{"entityType":"x","entityId":"1"}`), Origin: "remote-conn"}
	if err := hub.DeliverRemote(remote); err != nil {
		t.Fatalf("deliver remote: %v", err)
	}
	for _, cl := range []*testClient{a, b} {
		if f := cl.read(); f.Event != EventEntityUpdated {
			t.Fatalf("expected remote update on every local client, got %s", f.Event)
		}
	}

	if err := hub.DeliverRemote(RemoteEvent{Node: "other-node", Event: "colony:connected"}); err == nil {
		t.Fatalf("expected unknown remote event to be refused")
	}
}
