package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/model"
)

const (
	maxContentLen    = 10000
	maxAttachments   = 10
	defaultPageSize  = 50
	maxPageSize      = 200
	maxMarkReadBatch = 500
)

// ChatService owns messages, history and unread bookkeeping. Delivery to sockets is
// the hub's job; every method here is transport agnostic.
type ChatService struct {
	messages MessageStore
	rooms    RoomStore
	users    UserStore
	files    FileMetaStore
	unread   UnreadStore
}

func NewChatService(messages MessageStore, rooms RoomStore, users UserStore, files FileMetaStore, unread UnreadStore) *ChatService {
	return &ChatService{messages: messages, rooms: rooms, users: users, files: files, unread: unread}
}

// ReadReceipt tells a sender that one of their messages was read.
type ReadReceipt struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"-"`
	ReaderID  string `json:"reader_id"`
	ChatKey   string `json:"chat_key"`
}

// Deletion describes the outcome of a delete and who must be told.
type Deletion struct {
	MessageID   string
	HardDeleted bool
	Message     *model.Message
	Notify      []string
}

// Send validates and persists a message. The returned message has its sender and
// attachment metadata populated.
func (s *ChatService) Send(ctx context.Context, in model.SendMessage) (*model.Message, error) {
	in.Content = strings.TrimSpace(in.Content)
	in.Attachments = uniq(in.Attachments)
	if in.Content == "" && len(in.Attachments) == 0 {
		return nil, ErrInvalidInput
	}
	if len(in.Content) > maxContentLen || len(in.Attachments) > maxAttachments {
		return nil, ErrInvalidInput
	}
	if (in.RoomID == "") == (in.RecipientID == "") {
		return nil, ErrInvalidInput
	}
	if in.RecipientID == in.SenderID {
		return nil, ErrInvalidInput
	}

	sender, err := s.users.GetByID(ctx, in.SenderID)
	if err != nil {
		return nil, fromRepo(err)
	}
	m := &model.Message{
		ID:        uuid.New().String(),
		SenderID:  in.SenderID,
		Content:   in.Content,
		CreatedAt: time.Now().UTC(),
	}
	if in.RoomID != "" {
		rm, err := s.rooms.GetByID(ctx, in.RoomID)
		if err != nil {
			return nil, fromRepo(err)
		}
		if !rm.HasMember(in.SenderID) {
			return nil, ErrForbidden
		}
		m.RoomID = &rm.ID
	} else {
		if _, err := s.users.GetByID(ctx, in.RecipientID); err != nil {
			return nil, fromRepo(err)
		}
		rid := in.RecipientID
		m.RecipientID = &rid
	}

	if len(in.Attachments) > 0 {
		ids := in.Attachments
		files, err := s.files.GetByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		if len(files) != len(ids) {
			return nil, ErrInvalidInput
		}
		for _, f := range files {
			if f.OwnerID != in.SenderID {
				return nil, ErrForbidden
			}
		}
		m.Attachments = ids
		m.Files = files
	}

	if err := s.messages.Create(ctx, m); err != nil {
		return nil, err
	}
	pub := sender.ToPublic()
	m.Sender = &pub
	return m, nil
}

// Audience lists every user entitled to see m.
func (s *ChatService) Audience(ctx context.Context, m *model.Message) ([]string, error) {
	if m.RoomID == nil {
		return m.Parties(), nil
	}
	rm, err := s.rooms.GetByID(ctx, *m.RoomID)
	if err != nil {
		return nil, fromRepo(err)
	}
	return rm.MemberIDs, nil
}

// RecordUnread adds an unread entry for every recipient of m and returns the users
// whose counts changed. Applying the same message twice changes nothing.
func (s *ChatService) RecordUnread(ctx context.Context, m *model.Message, audience []string) ([]string, error) {
	keys := make(map[string]string, len(audience))
	for _, uid := range audience {
		if uid != m.SenderID {
			keys[uid] = m.ChatKeyFor(uid)
		}
	}
	return s.unread.AddBatch(ctx, m.ID, keys)
}

func (s *ChatService) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	return s.unread.Counts(ctx, userID)
}

// UnreadCountsFor returns one snapshot per user.
func (s *ChatService) UnreadCountsFor(ctx context.Context, userIDs []string) (map[string]map[string]int, error) {
	return s.unread.CountsFor(ctx, userIDs)
}

// MarkChatRead clears every unread entry userID has under chatKey.
func (s *ChatService) MarkChatRead(ctx context.Context, userID, chatKey string) error {
	if _, _, err := model.ParseChatKey(chatKey); err != nil {
		return ErrInvalidInput
	}
	return s.unread.ClearChat(ctx, userID, chatKey)
}

// MarkMessagesRead flags the messages readerID may read and did not send. It returns a
// receipt for every message whose flag actually changed.
func (s *ChatService) MarkMessagesRead(ctx context.Context, readerID string, ids []string) ([]ReadReceipt, error) {
	ids = uniq(ids)
	if len(ids) == 0 || len(ids) > maxMarkReadBatch {
		return nil, ErrInvalidInput
	}
	msgs, err := s.messages.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Message, len(msgs))
	readable := make([]string, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.SenderID == readerID {
			continue
		}
		ok, err := s.canSee(ctx, readerID, m)
		if err != nil {
			return nil, err
		}
		if ok {
			readable = append(readable, m.ID)
			byID[m.ID] = m
		}
	}
	if len(readable) == 0 {
		return nil, nil
	}
	if err := s.unread.RemoveMessages(ctx, readerID, readable); err != nil {
		return nil, err
	}
	changed, err := s.messages.MarkRead(ctx, readable)
	if err != nil {
		return nil, err
	}
	receipts := make([]ReadReceipt, 0, len(changed))
	for _, id := range changed {
		m := byID[id]
		if m == nil {
			continue
		}
		receipts = append(receipts, ReadReceipt{
			MessageID: id,
			SenderID:  m.SenderID,
			ReaderID:  readerID,
			ChatKey:   m.ChatKeyFor(m.SenderID),
		})
	}
	return receipts, nil
}

// RoomHistory pages backwards from before (zero means now).
func (s *ChatService) RoomHistory(ctx context.Context, viewerID, roomID string, before time.Time, limit int) ([]model.Message, error) {
	rm, err := s.rooms.GetByID(ctx, roomID)
	if err != nil {
		return nil, fromRepo(err)
	}
	if !rm.CanView(viewerID) {
		return nil, ErrNotFound
	}
	msgs, err := s.messages.ListRoom(ctx, roomID, viewerID, pageBefore(before), pageLimit(limit))
	if err != nil {
		return nil, err
	}
	return s.hydrateFiles(ctx, msgs)
}

func (s *ChatService) DirectHistory(ctx context.Context, viewerID, peerID string, before time.Time, limit int) ([]model.Message, error) {
	if _, err := s.users.GetByID(ctx, peerID); err != nil {
		return nil, fromRepo(err)
	}
	msgs, err := s.messages.ListDirect(ctx, viewerID, peerID, pageBefore(before), pageLimit(limit))
	if err != nil {
		return nil, err
	}
	return s.hydrateFiles(ctx, msgs)
}

// Delete soft-deletes for userID, or removes the message outright when forEveryone is
// set by its sender or when every party has deleted it.
func (s *ChatService) Delete(ctx context.Context, userID, messageID string, forEveryone bool) (*Deletion, error) {
	m, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, fromRepo(err)
	}
	ok, err := s.canSee(ctx, userID, m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	audience, err := s.Audience(ctx, m)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	res := &Deletion{MessageID: m.ID, Message: m}
	if forEveryone {
		if m.SenderID != userID {
			return nil, ErrForbidden
		}
		if err := s.messages.Delete(ctx, m.ID); err != nil {
			return nil, fromRepo(err)
		}
		res.HardDeleted = true
		res.Notify = audience
		return res, nil
	}

	deletedFor, err := s.messages.AddDeletedFor(ctx, m.ID, userID)
	if err != nil {
		return nil, fromRepo(err)
	}
	if err := s.unread.RemoveMessages(ctx, userID, []string{m.ID}); err != nil {
		logger.Errorf("chat delete: clear unread user=%s message=%s: %v", userID, m.ID, err)
	}
	if coversAll(deletedFor, slices.Concat(audience, []string{m.SenderID})) {
		if err := s.messages.Delete(ctx, m.ID); err != nil && !errors.Is(fromRepo(err), ErrNotFound) {
			return nil, err
		}
		res.HardDeleted = true
		res.Notify = audience
		return res, nil
	}
	res.Notify = []string{userID}
	return res, nil
}

// canSee reports whether userID is a party to the message.
func (s *ChatService) canSee(ctx context.Context, userID string, m *model.Message) (bool, error) {
	if m.RoomID == nil {
		return slices.Contains(m.Parties(), userID), nil
	}
	rm, err := s.rooms.GetByID(ctx, *m.RoomID)
	if err != nil {
		if errors.Is(fromRepo(err), ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rm.HasMember(userID), nil
}

func (s *ChatService) hydrateFiles(ctx context.Context, msgs []model.Message) ([]model.Message, error) {
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.Attachments...)
	}
	if len(ids) == 0 {
		return msgs, nil
	}
	files, err := s.files.GetByIDs(ctx, uniq(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.File, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}
	for i := range msgs {
		for _, id := range msgs[i].Attachments {
			if f, ok := byID[id]; ok {
				msgs[i].Files = append(msgs[i].Files, f)
			}
		}
	}
	return msgs, nil
}

func coversAll(have, want []string) bool {
	for _, id := range want {
		if !slices.Contains(have, id) {
			return false
		}
	}
	return true
}

func uniq(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func pageLimit(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	return min(n, maxPageSize)
}

func pageBefore(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC().Add(time.Second)
	}
	return t
}
