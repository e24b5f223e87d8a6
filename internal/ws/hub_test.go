package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/service"
	"github.com/roomchat/internal/service/servicetest"
	"github.com/roomchat/internal/storage"
	"github.com/roomchat/internal/storage/memory"
)

type harness struct {
	hub *Hub
	db  *servicetest.DB
	mem *memory.Client
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, opts, nil)
}

// newHarnessWith lets a test swap collaborators before the hub is built.
func newHarnessWith(t *testing.T, opts Options, wrap func(*Deps)) *harness {
	t.Helper()
	db := servicetest.NewDB()
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		db.AddUser(id, id)
	}
	db.AddRoom("r1", false, "alice", "bob", "carol")

	chats := service.NewChatService(db.Messages(), db.Rooms(), db.Users(), db.Files(), db.Unread())
	rooms := service.NewRoomService(db.Rooms(), db.Users())
	mem := memory.New()
	deps := Deps{Chats: chats, Rooms: rooms, Users: db.Users(), Registry: mem, Bus: mem}
	if wrap != nil {
		wrap(&deps)
	}
	h := NewHub(deps, opts)

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return &harness{hub: h, db: db, mem: mem}
}

// peer starts a second hub on the same database and bus, like another instance.
func (x *harness) peer(t *testing.T) *harness {
	t.Helper()
	chats := service.NewChatService(x.db.Messages(), x.db.Rooms(), x.db.Users(), x.db.Files(), x.db.Unread())
	rooms := service.NewRoomService(x.db.Rooms(), x.db.Users())
	h := NewHub(Deps{Chats: chats, Rooms: rooms, Users: x.db.Users(), Registry: x.mem, Bus: x.mem}, x.hub.opts)

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return &harness{hub: h, db: x.db, mem: x.mem}
}

// connect registers a socket without a network connection and waits for its unread snapshot.
func (x *harness) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c := NewClient(x.hub, nil, userID)
	x.hub.Register(c)
	waitEvent(t, c, EventUnreadCount)
	return c
}

type event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func next(t *testing.T, c *Client) event {
	t.Helper()
	select {
	case data := <-c.send:
		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event on %s", c.userID)
	}
	return event{}
}

func waitEvent(t *testing.T, c *Client, typ EventType) event {
	t.Helper()
	for {
		if ev := next(t, c); ev.Type == typ {
			return ev
		}
	}
}

// drain returns every queued event without blocking.
func drain(t *testing.T, c *Client) []event {
	t.Helper()
	var out []event
	for {
		select {
		case data := <-c.send:
			var ev event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("bad frame %s: %v", data, err)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func count(evs []event, typ EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func lastUnread(t *testing.T, evs []event) map[string]int {
	t.Helper()
	var counts map[string]int
	found := false
	for _, ev := range evs {
		if ev.Type == EventUnreadCount {
			counts = nil
			if err := json.Unmarshal(ev.Payload, &counts); err != nil {
				t.Fatal(err)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("no unread_messages_count event")
	}
	return counts
}

func statusOf(t *testing.T, ev event) UserStatusPayload {
	t.Helper()
	var p UserStatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPresenceFlipsOnFirstAndLastSocket(t *testing.T) {
	x := newHarness(t, Options{})
	bob := x.connect(t, "bob")
	drain(t, bob)

	a1 := x.connect(t, "alice")
	st := statusOf(t, waitEvent(t, bob, EventUserStatusChange))
	if st.UserID != "alice" || !st.IsOnline {
		t.Fatalf("status = %+v", st)
	}
	if u, _ := x.db.User("alice"); !u.IsOnline {
		t.Fatal("alice should be persisted online")
	}

	a2 := x.connect(t, "alice")
	if evs := drain(t, bob); count(evs, EventUserStatusChange) != 0 {
		t.Fatalf("second socket re-broadcast presence: %+v", evs)
	}
	if n := x.hub.ConnectionCount(); n != 3 {
		t.Fatalf("connections = %d, want 3", n)
	}

	x.hub.Unregister(a1)
	x.hub.Unregister(a2)
	st = statusOf(t, waitEvent(t, bob, EventUserStatusChange))
	if st.UserID != "alice" || st.IsOnline {
		t.Fatalf("status = %+v, want alice offline", st)
	}
	// a1 leaving alone must not have produced an offline event before a2.
	if evs := drain(t, bob); count(evs, EventUserStatusChange) != 0 {
		t.Fatalf("extra status events: %+v", evs)
	}
	if n := x.hub.ConnectionCount(); n != 1 {
		t.Fatalf("connections after alice left = %d, want 1", n)
	}
	if u, _ := x.db.User("alice"); u.IsOnline || u.LastActive.IsZero() {
		t.Fatalf("alice persisted as %+v", u)
	}
	if online, _ := x.mem.Online(context.Background()); len(online) != 1 || online[0] != "bob" {
		t.Fatalf("registry online = %v", online)
	}
}

func TestRoomFanOutExactlyOncePerSocket(t *testing.T) {
	x := newHarness(t, Options{})
	alice := x.connect(t, "alice")
	b1 := x.connect(t, "bob")
	b2 := x.connect(t, "bob")
	carol := x.connect(t, "carol")
	dave := x.connect(t, "dave")

	ctx := context.Background()
	// b1 also subscribes to the room channel; it must still get a single copy.
	x.hub.HandleMessage(ctx, b1, IncomingMessage{Type: EventJoinRoom, RoomID: "r1"})
	for _, c := range []*Client{alice, b1, b2, carol, dave} {
		drain(t, c)
	}

	x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSendMessage, AckID: "a1", RoomID: "r1", Content: "hi"})

	for _, c := range []*Client{b1, b2, carol} {
		evs := drain(t, c)
		if n := count(evs, EventNewMessage); n != 1 {
			t.Fatalf("%s got %d new_message, want 1", c.userID, n)
		}
		if got := lastUnread(t, evs); got["room_r1"] != 1 {
			t.Fatalf("%s unread = %v", c.userID, got)
		}
	}

	evs := drain(t, alice)
	if count(evs, EventNewMessage) != 1 || count(evs, EventUnreadCount) != 0 {
		t.Fatalf("sender events = %+v", evs)
	}
	var ack AckPayload
	for _, ev := range evs {
		if ev.Type == EventAck {
			_ = json.Unmarshal(ev.Payload, &ack)
		}
	}
	if ack.AckID != "a1" || !ack.Success {
		t.Fatalf("ack = %+v", ack)
	}
	for _, ev := range evs {
		if ev.Type != EventNewMessage {
			continue
		}
		var m struct {
			Sender struct{ Username string } `json:"sender"`
		}
		_ = json.Unmarshal(ev.Payload, &m)
		if m.Sender.Username != "alice" {
			t.Fatalf("sender not populated: %s", ev.Payload)
		}
	}

	if evs := drain(t, dave); len(evs) != 0 {
		t.Fatalf("non-member received %+v", evs)
	}
}

func TestDirectMessageUnreadIncrementsPerMessage(t *testing.T) {
	x := newHarness(t, Options{})
	alice := x.connect(t, "alice")
	bob := x.connect(t, "bob")
	drain(t, alice)
	drain(t, bob)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSendMessage, RecipientID: "bob", Content: "yo"})
	}
	evs := drain(t, bob)
	if count(evs, EventNewMessage) != 2 {
		t.Fatalf("bob events = %+v", evs)
	}
	if got := lastUnread(t, evs); got["user_alice"] != 2 || len(got) != 1 {
		t.Fatalf("bob unread = %v", got)
	}
	if evs := drain(t, alice); count(evs, EventNewMessage) != 2 || count(evs, EventUnreadCount) != 0 {
		t.Fatalf("alice events = %+v", evs)
	}
}

func TestTypingIndicator(t *testing.T) {
	x := newHarness(t, Options{})
	alice := x.connect(t, "alice")
	bob := x.connect(t, "bob")
	carol := x.connect(t, "carol")
	dave := x.connect(t, "dave")
	for _, c := range []*Client{alice, bob, carol, dave} {
		drain(t, c)
	}
	ctx := context.Background()

	x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventTyping, RoomID: "r1", IsTyping: true})
	for _, c := range []*Client{bob, carol} {
		ev := waitEvent(t, c, EventTypingIndicator)
		var p TypingPayload
		_ = json.Unmarshal(ev.Payload, &p)
		if p.ChatKey != "room_r1" || p.UserID != "alice" || !p.IsTyping {
			t.Fatalf("typing payload = %+v", p)
		}
	}
	if evs := drain(t, alice); len(evs) != 0 {
		t.Fatalf("typer got %+v", evs)
	}

	x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventTyping, RecipientID: "bob"})
	var p TypingPayload
	_ = json.Unmarshal(waitEvent(t, bob, EventTypingIndicator).Payload, &p)
	if p.ChatKey != "user_alice" || p.IsTyping {
		t.Fatalf("direct typing payload = %+v", p)
	}

	x.hub.HandleMessage(ctx, dave, IncomingMessage{Type: EventTyping, RoomID: "r1", IsTyping: true})
	var e ErrorPayload
	_ = json.Unmarshal(waitEvent(t, dave, EventError).Payload, &e)
	if e.Message != "forbidden" || e.Event != EventTyping {
		t.Fatalf("error payload = %+v", e)
	}
	if evs := drain(t, bob); count(evs, EventTypingIndicator) != 0 {
		t.Fatalf("outsider typing leaked: %+v", evs)
	}
}

func TestMarkReadPushesSnapshotToAllSockets(t *testing.T) {
	x := newHarness(t, Options{})
	alice := x.connect(t, "alice")
	b1 := x.connect(t, "bob")
	b2 := x.connect(t, "bob")
	ctx := context.Background()

	x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSendMessage, RoomID: "r1", Content: "hi"})
	drain(t, b1)
	drain(t, b2)

	x.hub.HandleMessage(ctx, b1, IncomingMessage{Type: EventMarkRead, ChatKey: "room_r1"})
	for _, c := range []*Client{b1, b2} {
		if got := lastUnread(t, drain(t, c)); len(got) != 0 {
			t.Fatalf("unread after mark_read = %v", got)
		}
	}

	x.hub.HandleMessage(ctx, b1, IncomingMessage{Type: EventMarkRead, AckID: "x", ChatKey: "bogus"})
	var ack AckPayload
	_ = json.Unmarshal(waitEvent(t, b1, EventAck).Payload, &ack)
	if ack.Success || ack.Error != "invalid input" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestMarkMessagesReadNotifiesSender(t *testing.T) {
	x := newHarness(t, Options{})
	alice := x.connect(t, "alice")
	bob := x.connect(t, "bob")
	ctx := context.Background()

	x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSendMessage, RecipientID: "bob", Content: "read me"})
	var m struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(waitEvent(t, bob, EventNewMessage).Payload, &m)
	drain(t, alice)
	drain(t, bob)

	x.hub.HandleMessage(ctx, bob, IncomingMessage{Type: EventMarkMessagesRead, AckID: "r", MessageIDs: []string{m.ID}})

	var p MessageReadPayload
	_ = json.Unmarshal(waitEvent(t, alice, EventMessageRead).Payload, &p)
	if p.MessageID != m.ID || p.ReaderID != "bob" || p.ChatKey != "user_bob" {
		t.Fatalf("message_read = %+v", p)
	}
	evs := drain(t, bob)
	if got := lastUnread(t, evs); len(got) != 0 {
		t.Fatalf("bob unread = %v", got)
	}
	for _, ev := range evs {
		if ev.Type == EventAck {
			var ack struct {
				Success bool           `json:"success"`
				Data    map[string]int `json:"data"`
			}
			_ = json.Unmarshal(ev.Payload, &ack)
			if !ack.Success || ack.Data["read"] != 1 {
				t.Fatalf("ack = %+v", ack)
			}
		}
	}
	if stored, _ := x.db.Message(m.ID); !stored.Read {
		t.Fatal("message should be flagged read")
	}
}

func TestReconnectKeepsPresenceAndUnread(t *testing.T) {
	x := newHarness(t, Options{})
	carol := x.connect(t, "carol")
	alice := x.connect(t, "alice")
	b1 := x.connect(t, "bob")
	ctx := context.Background()

	x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSendMessage, RoomID: "r1", Content: "before"})
	drain(t, carol)

	x.hub.Unregister(b1)
	st := statusOf(t, waitEvent(t, carol, EventUserStatusChange))
	if st.UserID != "bob" || st.IsOnline {
		t.Fatalf("status = %+v", st)
	}

	b2 := NewClient(x.hub, nil, "bob")
	x.hub.Register(b2)
	ev := waitEvent(t, b2, EventUnreadCount)
	var counts map[string]int
	_ = json.Unmarshal(ev.Payload, &counts)
	if counts["room_r1"] != 1 || len(counts) != 1 {
		t.Fatalf("snapshot after reconnect = %v", counts)
	}
	st = statusOf(t, waitEvent(t, carol, EventUserStatusChange))
	if st.UserID != "bob" || !st.IsOnline {
		t.Fatalf("status = %+v", st)
	}
	if u, _ := x.db.User("bob"); !u.IsOnline {
		t.Fatal("bob should be online")
	}
	_ = alice
}

func TestGetUnreadRepliesToCallerOnly(t *testing.T) {
	x := newHarness(t, Options{})
	b1 := x.connect(t, "bob")
	b2 := x.connect(t, "bob")
	drain(t, b1)
	drain(t, b2)

	x.hub.HandleMessage(context.Background(), b1, IncomingMessage{Type: EventGetUnreadMessages})
	if evs := drain(t, b1); count(evs, EventUnreadCount) != 1 {
		t.Fatalf("caller events = %+v", evs)
	}
	if evs := drain(t, b2); len(evs) != 0 {
		t.Fatalf("other socket got %+v", evs)
	}
}

func TestUnknownEventAcked(t *testing.T) {
	x := newHarness(t, Options{})
	c := x.connect(t, "alice")
	drain(t, c)
	x.hub.HandleMessage(context.Background(), c, IncomingMessage{Type: "bogus", AckID: "7"})
	var ack AckPayload
	_ = json.Unmarshal(waitEvent(t, c, EventAck).Payload, &ack)
	if ack.AckID != "7" || ack.Success || ack.Error != "unknown event type" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestJoinPrivateRoomForbidden(t *testing.T) {
	x := newHarness(t, Options{})
	x.db.AddRoom("secret", true, "alice")
	c := x.connect(t, "bob")
	drain(t, c)
	x.hub.HandleMessage(context.Background(), c, IncomingMessage{Type: EventJoinRoom, RoomID: "secret", AckID: "j"})
	var ack AckPayload
	_ = json.Unmarshal(waitEvent(t, c, EventAck).Payload, &ack)
	if ack.Success || ack.Error != "not found" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestSlowClientIsClosed(t *testing.T) {
	x := newHarness(t, Options{})
	alice := x.connect(t, "alice")
	bob := x.connect(t, "bob")
	drain(t, alice)
	drain(t, bob)
	bob.send = make(chan []byte, 1)

	ctx := context.Background()
	x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventTyping, RecipientID: "bob", IsTyping: true})
	x.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventTyping, RecipientID: "bob", IsTyping: false})

	select {
	case <-bob.done:
	case <-time.After(time.Second):
		t.Fatal("slow client should be closed")
	}
}

func TestRemovedMemberUnsubscribedOnEveryInstance(t *testing.T) {
	a := newHarness(t, Options{})
	b := a.peer(t)
	alice := a.connect(t, "alice")
	bob := b.connect(t, "bob")

	ctx := context.Background()
	b.hub.HandleMessage(ctx, bob, IncomingMessage{Type: EventJoinRoom, RoomID: "r1"})
	drain(t, alice)
	drain(t, bob)

	rooms := service.NewRoomService(a.db.Rooms(), a.db.Users())
	change, err := rooms.RemoveMember(ctx, "alice", "r1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	a.hub.NotifyRoomUpdated(ctx, change)
	if n := count(drain(t, bob), EventRoomUpdated); n != 1 {
		t.Fatalf("bob got %d room_updated, want 1", n)
	}

	a.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSendMessage, RoomID: "r1", Content: "after"})
	if n := count(drain(t, alice), EventNewMessage); n != 1 {
		t.Fatalf("alice got %d new_message", n)
	}
	if evs := drain(t, bob); count(evs, EventNewMessage) != 0 {
		t.Fatalf("removed member still subscribed: %+v", evs)
	}
}

// strictBus refuses to publish on a finished context, like the Redis bus.
type strictBus struct{ *memory.Client }

func (b strictBus) Publish(ctx context.Context, env storage.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Client.Publish(ctx, env)
}

// hangUpAfterSend cancels the caller's context as soon as the message is stored.
type hangUpAfterSend struct {
	Chats
	cancel context.CancelFunc
}

func (c hangUpAfterSend) Send(ctx context.Context, in model.SendMessage) (*model.Message, error) {
	m, err := c.Chats.Send(ctx, in)
	c.cancel()
	return m, err
}

func TestDeliveryOutlivesCallerContext(t *testing.T) {
	sendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x := newHarnessWith(t, Options{}, func(d *Deps) {
		d.Bus = strictBus{d.Bus.(*memory.Client)}
		d.Chats = hangUpAfterSend{Chats: d.Chats, cancel: cancel}
	})
	bob := x.connect(t, "bob")
	drain(t, bob)

	m, err := x.hub.SendMessage(sendCtx, model.SendMessage{SenderID: "alice", RoomID: "r1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if sendCtx.Err() == nil {
		t.Fatal("caller context still live")
	}
	evs := drain(t, bob)
	if n := count(evs, EventNewMessage); n != 1 {
		t.Fatalf("message %s stored but bob got %d new_message", m.ID, n)
	}
	if got := lastUnread(t, evs); got["room_r1"] != 1 {
		t.Fatalf("bob unread = %v", got)
	}
}
