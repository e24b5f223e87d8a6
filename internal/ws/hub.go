package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roomchat/internal/events"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/metrics"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/service"
	"github.com/roomchat/internal/storage"
)

const (
	opTimeout = 5 * time.Second
	// deliverTimeout bounds the fan-out that follows a persisted message.
	deliverTimeout = 15 * time.Second
)

var errUnknownEvent = errors.New("unknown event type")

// Chats is the message collaborator; service.ChatService implements it.
type Chats interface {
	Send(ctx context.Context, in model.SendMessage) (*model.Message, error)
	Audience(ctx context.Context, m *model.Message) ([]string, error)
	RecordUnread(ctx context.Context, m *model.Message, audience []string) ([]string, error)
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)
	UnreadCountsFor(ctx context.Context, userIDs []string) (map[string]map[string]int, error)
	MarkChatRead(ctx context.Context, userID, chatKey string) error
	MarkMessagesRead(ctx context.Context, readerID string, ids []string) ([]service.ReadReceipt, error)
}

// Rooms resolves a room the user may see; service.RoomService implements it.
type Rooms interface {
	Get(ctx context.Context, userID, roomID string) (*model.Room, error)
}

type Presence interface {
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
}

// Deps are the hub's collaborators. Events may be nil.
type Deps struct {
	Chats    Chats
	Rooms    Rooms
	Users    Presence
	Registry storage.PresenceRegistry
	Bus      storage.Bus
	Events   events.Publisher
}

type Options struct {
	MaxConns       int
	SendBufferSize int
	MaxMessageSize int64
}

func (o *Options) normalize() {
	if o.MaxConns <= 0 {
		o.MaxConns = 10000
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 16384
	}
}

// Hub owns the sockets of this instance. Events reach sockets only through the bus,
// so a message published on any instance is delivered by all of them.
type Hub struct {
	deps Deps
	opts Options

	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	roomSubs map[string]map[*Client]struct{}
	total    int

	// register is unbuffered: once Register returns, Run has taken the client, so a
	// later Unregister from its read pump is always processed after it.
	register   chan *Client
	unregister chan *Client
	// stopping closes when shutdown starts so exiting pumps never block on unregister.
	stopping chan struct{}
	done     chan struct{}
}

func NewHub(deps Deps, opts Options) *Hub {
	opts.normalize()
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &Hub{
		deps:       deps,
		opts:       opts,
		clients:    make(map[string]map[*Client]struct{}),
		roomSubs:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client, 64),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Listen subscribes the hub to the bus. Call it before Run and before serving sockets.
func (h *Hub) Listen(ctx context.Context) error {
	return h.deps.Bus.Subscribe(ctx, h.deliver)
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.stopping)
	// Collect under the lock, do the I/O outside it.
	h.mu.Lock()
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.roomSubs = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.WSConnections.Set(0)

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
		h.dropPresence(c.userID)
	}
}

// Full reports whether the connection limit is reached.
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total >= h.opts.MaxConns
}

// ConnectionCount returns the number of sockets on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.opts.MaxConns {
		h.mu.Unlock()
		logger.Warnf("ws connection limit reached (%d), rejecting user=%s", h.opts.MaxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.WSConnections.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	first, err := h.deps.Registry.Connect(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws registry connect user=%s: %v", c.userID, err)
	}
	if first {
		now := time.Now().UTC()
		if err := h.deps.Users.SetPresence(ctx, c.userID, true, now); err != nil {
			logger.Errorf("ws set online user=%s: %v", c.userID, err)
		}
		h.broadcastUserStatus(ctx, c.userID, true, now)
	}

	counts, err := h.deps.Chats.UnreadCounts(ctx, c.userID)
	if err != nil {
		logger.Errorf("ws unread snapshot user=%s: %v", c.userID, err)
		counts = map[string]int{}
	}
	h.sendToClient(c, OutgoingMessage{Type: EventUnreadCount, Payload: counts})
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	for roomID := range c.rooms {
		h.unsubscribeLocked(c, roomID)
	}
	h.total--
	h.mu.Unlock()
	metrics.WSConnections.Dec()

	c.Close()
	h.dropPresence(c.userID)
}

// dropPresence releases one registry connection and flips the user offline when it was the last.
func (h *Hub) dropPresence(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	last, err := h.deps.Registry.Disconnect(ctx, userID)
	if err != nil {
		logger.Errorf("ws registry disconnect user=%s: %v", userID, err)
		return
	}
	if !last {
		return
	}
	now := time.Now().UTC()
	if err := h.deps.Users.SetPresence(ctx, userID, false, now); err != nil {
		logger.Errorf("ws set offline user=%s: %v", userID, err)
	}
	h.broadcastUserStatus(ctx, userID, false, now)
}

func (h *Hub) broadcastUserStatus(ctx context.Context, userID string, online bool, at time.Time) {
	h.publish(ctx, storage.Envelope{Broadcast: true}, OutgoingMessage{
		Type:    EventUserStatusChange,
		Payload: UserStatusPayload{UserID: userID, IsOnline: online, LastActive: at},
	})
}

// HandleMessage dispatches one client event. With an ack_id the outcome is always
// acknowledged; without one only failures are reported.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	var (
		data any
		err  error
	)
	switch msg.Type {
	case EventJoinRoom:
		data, err = h.handleJoinRoom(ctx, c, msg)
	case EventLeaveRoom:
		data, err = h.handleLeaveRoom(c, msg)
	case EventSendMessage:
		data, err = h.handleSendMessage(ctx, c, msg)
	case EventTyping:
		err = h.handleTyping(ctx, c, msg)
	case EventMarkRead:
		err = h.handleMarkRead(ctx, c, msg)
	case EventGetUnreadMessages:
		data, err = h.handleGetUnread(ctx, c)
	case EventMarkMessagesRead:
		data, err = h.handleMarkMessagesRead(ctx, c, msg)
	default:
		err = errUnknownEvent
	}
	h.reply(c, msg, data, err)
}

func (h *Hub) reply(c *Client, msg IncomingMessage, data any, err error) {
	var text string
	if err != nil {
		text = publicError(err)
		if text == "internal error" {
			logger.Errorf("ws %s user=%s: %v", msg.Type, c.userID, err)
		}
	}
	if msg.AckID != "" {
		h.sendToClient(c, OutgoingMessage{Type: EventAck, Payload: AckPayload{
			AckID:   msg.AckID,
			Success: err == nil,
			Error:   text,
			Data:    data,
		}})
		return
	}
	if err != nil {
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Event: msg.Type, Message: text}})
	}
}

func publicError(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return "invalid input"
	case errors.Is(err, service.ErrNotFound):
		return "not found"
	case errors.Is(err, service.ErrForbidden):
		return "forbidden"
	case errors.Is(err, service.ErrConflict):
		return "conflict"
	case errors.Is(err, errUnknownEvent):
		return err.Error()
	}
	return "internal error"
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, msg IncomingMessage) (any, error) {
	defer logger.DeferLogDuration("ws.handleJoinRoom", time.Now())()
	if msg.RoomID == "" {
		return nil, service.ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	rm, err := h.deps.Rooms.Get(ctx, c.userID, msg.RoomID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if _, ok := h.roomSubs[rm.ID]; !ok {
		h.roomSubs[rm.ID] = make(map[*Client]struct{})
	}
	h.roomSubs[rm.ID][c] = struct{}{}
	c.rooms[rm.ID] = struct{}{}
	h.mu.Unlock()
	return map[string]string{"room_id": rm.ID}, nil
}

func (h *Hub) handleLeaveRoom(c *Client, msg IncomingMessage) (any, error) {
	if msg.RoomID == "" {
		return nil, service.ErrInvalidInput
	}
	h.mu.Lock()
	h.unsubscribeLocked(c, msg.RoomID)
	h.mu.Unlock()
	return map[string]string{"room_id": msg.RoomID}, nil
}

// unsubscribeLocked must be called with h.mu held.
func (h *Hub) unsubscribeLocked(c *Client, roomID string) {
	delete(c.rooms, roomID)
	if subs, ok := h.roomSubs[roomID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.roomSubs, roomID)
		}
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) (any, error) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	m, err := h.SendMessage(ctx, model.SendMessage{
		SenderID:    c.userID,
		Content:     msg.Content,
		Attachments: msg.Attachments,
		RoomID:      msg.RoomID,
		RecipientID: msg.RecipientID,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, msg IncomingMessage) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var targets []string
	var chatKey string
	switch {
	case msg.RoomID != "" && msg.RecipientID == "":
		rm, err := h.deps.Rooms.Get(ctx, c.userID, msg.RoomID)
		if err != nil {
			return err
		}
		if !rm.HasMember(c.userID) {
			return service.ErrForbidden
		}
		for _, id := range rm.MemberIDs {
			if id != c.userID {
				targets = append(targets, id)
			}
		}
		chatKey = model.RoomKey(rm.ID)
	case msg.RecipientID != "" && msg.RoomID == "":
		if msg.RecipientID == c.userID {
			return nil
		}
		targets = []string{msg.RecipientID}
		chatKey = model.UserKey(c.userID)
	default:
		return service.ErrInvalidInput
	}
	if len(targets) == 0 {
		return nil
	}
	h.publish(ctx, storage.Envelope{UserIDs: targets}, OutgoingMessage{
		Type:    EventTypingIndicator,
		Payload: TypingPayload{ChatKey: chatKey, UserID: c.userID, IsTyping: msg.IsTyping},
	})
	return nil
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, msg IncomingMessage) error {
	defer logger.DeferLogDuration("ws.handleMarkRead", time.Now())()
	key := msg.ChatKey
	switch {
	case key != "":
	case msg.RoomID != "":
		key = model.RoomKey(msg.RoomID)
	case msg.RecipientID != "":
		key = model.UserKey(msg.RecipientID)
	default:
		return service.ErrInvalidInput
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return h.MarkChatRead(ctx, c.userID, key)
}

func (h *Hub) handleGetUnread(ctx context.Context, c *Client) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	counts, err := h.deps.Chats.UnreadCounts(ctx, c.userID)
	if err != nil {
		return nil, err
	}
	h.sendToClient(c, OutgoingMessage{Type: EventUnreadCount, Payload: counts})
	return counts, nil
}

func (h *Hub) handleMarkMessagesRead(ctx context.Context, c *Client, msg IncomingMessage) (any, error) {
	defer logger.DeferLogDuration("ws.handleMarkMessagesRead", time.Now())()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	receipts, err := h.MarkMessagesRead(ctx, c.userID, msg.MessageIDs)
	if err != nil {
		return nil, err
	}
	return map[string]int{"read": len(receipts)}, nil
}

// SendMessage persists a message and fans it out. REST and WebSocket sends share it.
func (h *Hub) SendMessage(ctx context.Context, in model.SendMessage) (*model.Message, error) {
	m, err := h.deps.Chats.Send(ctx, in)
	if err != nil {
		return nil, err
	}
	h.DeliverMessage(ctx, m)
	return m, nil
}

// DeliverMessage sends new_message to every socket of the audience (and of room
// subscribers) exactly once, records unread entries and pushes fresh snapshots.
// The message is already stored, so delivery outlives the caller's context.
// Failures are logged, never returned.
func (h *Hub) DeliverMessage(ctx context.Context, m *model.Message) {
	defer logger.DeferLogDuration("ws.DeliverMessage", time.Now())()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()
	audience, err := h.deps.Chats.Audience(ctx, m)
	if err != nil {
		logger.Errorf("ws audience message=%s: %v", m.ID, err)
		return
	}
	env := storage.Envelope{UserIDs: audience}
	kind := "direct"
	if m.RoomID != nil {
		env.RoomID = *m.RoomID
		kind = "room"
	}
	metrics.MessagesSent.WithLabelValues(kind).Inc()
	h.publish(ctx, env, OutgoingMessage{Type: EventNewMessage, Payload: m})

	changed, err := h.deps.Chats.RecordUnread(ctx, m, audience)
	if err != nil {
		logger.Errorf("ws record unread message=%s: %v", m.ID, err)
	}
	h.PushUnread(ctx, changed...)

	if err := h.deps.Events.PublishMessage(ctx, events.NewMessageEvent(m, len(audience))); err != nil {
		logger.Errorf("ws publish event message=%s: %v", m.ID, err)
	}
}

// PushUnread sends each user's current unread snapshot to all of their sockets.
func (h *Hub) PushUnread(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	snapshots, err := h.deps.Chats.UnreadCountsFor(ctx, userIDs)
	if err != nil {
		logger.Errorf("ws unread snapshot users=%v: %v", userIDs, err)
		return
	}
	for _, uid := range userIDs {
		h.publish(ctx, storage.Envelope{UserIDs: []string{uid}}, OutgoingMessage{Type: EventUnreadCount, Payload: snapshots[uid]})
	}
}

// MarkChatRead clears the chat key for userID and pushes the new snapshot.
func (h *Hub) MarkChatRead(ctx context.Context, userID, chatKey string) error {
	if err := h.deps.Chats.MarkChatRead(ctx, userID, chatKey); err != nil {
		return err
	}
	h.PushUnread(ctx, userID)
	return nil
}

// MarkMessagesRead flags messages read, notifies each sender with message_read and
// pushes the reader's snapshot.
func (h *Hub) MarkMessagesRead(ctx context.Context, readerID string, ids []string) ([]service.ReadReceipt, error) {
	receipts, err := h.deps.Chats.MarkMessagesRead(ctx, readerID, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range receipts {
		h.publish(ctx, storage.Envelope{UserIDs: []string{r.SenderID}}, OutgoingMessage{
			Type:    EventMessageRead,
			Payload: MessageReadPayload{MessageID: r.MessageID, ReaderID: r.ReaderID, ChatKey: r.ChatKey},
		})
	}
	h.PushUnread(ctx, readerID)
	return receipts, nil
}

func (h *Hub) NotifyNewRoom(ctx context.Context, rm *model.Room) {
	h.publish(ctx, storage.Envelope{UserIDs: rm.MemberIDs}, OutgoingMessage{Type: EventNewRoom, Payload: rm})
}

// NotifyRoomUpdated tells current members and removed users about a membership change.
// Removed users' sockets stop receiving the room channel on every instance.
func (h *Hub) NotifyRoomUpdated(ctx context.Context, change *service.MembershipChange) {
	env := storage.Envelope{UserIDs: change.Audience()}
	if len(change.Removed) > 0 {
		env.Unsubscribe = &storage.Unsubscribe{RoomID: change.Room.ID, UserIDs: change.Removed}
	}
	h.publish(ctx, env, OutgoingMessage{
		Type:    EventRoomUpdated,
		Payload: RoomUpdatedPayload{Room: change.Room, Removed: change.Removed},
	})
}

// NotifyMessageDeleted emits message_deleted; direct chats get a chat key per reader.
func (h *Hub) NotifyMessageDeleted(ctx context.Context, del *service.Deletion) {
	byKey := make(map[string][]string)
	for _, uid := range del.Notify {
		key := del.Message.ChatKeyFor(uid)
		byKey[key] = append(byKey[key], uid)
	}
	for key, users := range byKey {
		h.publish(ctx, storage.Envelope{UserIDs: users}, OutgoingMessage{
			Type:    EventMessageDeleted,
			Payload: MessageDeletedPayload{MessageID: del.MessageID, ChatKey: key, HardDeleted: del.HardDeleted},
		})
	}
	var readers []string
	for _, uid := range del.Notify {
		if uid != del.Message.SenderID {
			readers = append(readers, uid)
		}
	}
	h.PushUnread(ctx, readers...)
}

// publish encodes msg once and hands it to the bus.
func (h *Hub) publish(ctx context.Context, env storage.Envelope, msg OutgoingMessage) {
	data, err := encode(msg)
	if err != nil {
		logger.Errorf("ws encode %s: %v", msg.Type, err)
		return
	}
	env.Event = data
	if err := h.deps.Bus.Publish(ctx, env); err != nil {
		logger.Errorf("ws bus publish %s: %v", msg.Type, err)
	}
}

// deliver is the bus callback: it resolves the envelope to local sockets, each once.
func (h *Hub) deliver(env storage.Envelope) {
	if u := env.Unsubscribe; u != nil {
		h.mu.Lock()
		for _, uid := range u.UserIDs {
			for c := range h.clients[uid] {
				h.unsubscribeLocked(c, u.RoomID)
			}
		}
		h.mu.Unlock()
	}

	h.mu.RLock()
	var targets []*Client
	if env.Broadcast {
		targets = make([]*Client, 0, h.total)
		for _, clients := range h.clients {
			for c := range clients {
				targets = append(targets, c)
			}
		}
	} else {
		seen := make(map[*Client]struct{})
		for _, uid := range env.UserIDs {
			for c := range h.clients[uid] {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					targets = append(targets, c)
				}
			}
		}
		if env.RoomID != "" {
			for c := range h.roomSubs[env.RoomID] {
				if _, ok := seen[c]; !ok {
					seen[c] = struct{}{}
					targets = append(targets, c)
				}
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendRaw(c, env.Event)
	}
	metrics.FanoutDeliveries.Add(float64(len(targets)))
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	data, err := encode(msg)
	if err != nil {
		logger.Errorf("ws encode %s user=%s: %v", msg.Type, c.userID, err)
		return
	}
	h.sendRaw(c, data)
}

func (h *Hub) sendRaw(c *Client, data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Warnf("ws send buffer full, closing slow client user=%s", c.userID)
		metrics.SlowClientsDropped.Inc()
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.stopping:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopping:
	}
}

// Done is closed once Run has returned and every socket is closed.
func (h *Hub) Done() <-chan struct{} { return h.done }
