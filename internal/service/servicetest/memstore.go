// Package servicetest provides in-memory stores satisfying the service interfaces,
// for tests that need no database.
package servicetest

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/repository"
)

// DB is the shared state behind the store views.
type DB struct {
	mu       sync.Mutex
	users    map[string]model.User
	rooms    map[string]model.Room
	messages map[string]model.Message
	files    map[string]model.File
	unread   map[string]map[string]string // user -> message -> chat key
}

func NewDB() *DB {
	return &DB{
		users:    make(map[string]model.User),
		rooms:    make(map[string]model.Room),
		messages: make(map[string]model.Message),
		files:    make(map[string]model.File),
		unread:   make(map[string]map[string]string),
	}
}

func (db *DB) Users() *Users       { return &Users{db} }
func (db *DB) Rooms() *Rooms       { return &Rooms{db} }
func (db *DB) Messages() *Messages { return &Messages{db} }
func (db *DB) Files() *Files       { return &Files{db} }
func (db *DB) Unread() *Unread     { return &Unread{db} }

// AddUser seeds a user with the given id and username.
func (db *DB) AddUser(id, username string) model.User {
	u := model.User{ID: id, Username: username, Email: username + "@example.com", CreatedAt: time.Now().UTC()}
	db.mu.Lock()
	db.users[id] = u
	db.mu.Unlock()
	return u
}

// AddRoom seeds a room; the first member is its creator.
func (db *DB) AddRoom(id string, private bool, members ...string) model.Room {
	rm := model.Room{ID: id, Name: id, IsPrivate: private, MemberIDs: slices.Clone(members), CreatedAt: time.Now().UTC()}
	if len(members) > 0 {
		rm.CreatedBy = members[0]
	}
	db.mu.Lock()
	db.rooms[id] = rm
	db.mu.Unlock()
	return rm
}

func (db *DB) User(id string) (model.User, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[id]
	return u, ok
}

func (db *DB) Message(id string) (model.Message, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.messages[id]
	return m, ok
}

type Users struct{ db *DB }

func (s *Users) Create(ctx context.Context, u *model.User) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, x := range s.db.users {
		if strings.EqualFold(x.Username, u.Username) || strings.EqualFold(x.Email, u.Email) {
			return repository.ErrDuplicate
		}
	}
	s.db.users[u.ID] = *u
	return nil
}

func (s *Users) GetByID(ctx context.Context, id string) (*model.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (s *Users) find(match func(model.User) bool) (*model.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, u := range s.db.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Users) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.find(func(u model.User) bool { return strings.EqualFold(u.Username, username) })
}

func (s *Users) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.find(func(u model.User) bool { return strings.EqualFold(u.Email, email) })
}

func (s *Users) filter(match func(model.User) bool, limit int) []model.User {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]model.User, 0)
	for _, u := range s.db.users {
		if match(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Users) GetByIDs(ctx context.Context, ids []string) ([]model.User, error) {
	return s.filter(func(u model.User) bool { return slices.Contains(ids, u.ID) }, 0), nil
}

func (s *Users) ListAll(ctx context.Context, limit int) ([]model.User, error) {
	return s.filter(func(model.User) bool { return true }, limit), nil
}

func (s *Users) ListOnline(ctx context.Context) ([]model.User, error) {
	return s.filter(func(u model.User) bool { return u.IsOnline }, 0), nil
}

func (s *Users) SearchByUsername(ctx context.Context, query string, limit int) ([]model.User, error) {
	q := strings.ToLower(query)
	return s.filter(func(u model.User) bool {
		return strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.Email), q)
	}, limit), nil
}

func (s *Users) UpdateProfile(ctx context.Context, id, username, avatarURL string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, x := range s.db.users {
		if x.ID != id && strings.EqualFold(x.Username, username) {
			return repository.ErrDuplicate
		}
	}
	u.Username, u.AvatarURL = username, avatarURL
	s.db.users[id] = u
	return nil
}

func (s *Users) SetPresence(ctx context.Context, id string, online bool, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.IsOnline, u.LastActive = online, at
	s.db.users[id] = u
	return nil
}

type Rooms struct{ db *DB }

func (s *Rooms) Create(ctx context.Context, rm *model.Room) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *rm
	cp.MemberIDs = slices.Clone(rm.MemberIDs)
	s.db.rooms[rm.ID] = cp
	return nil
}

func (s *Rooms) GetByID(ctx context.Context, id string) (*model.Room, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rm, ok := s.db.rooms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	rm.MemberIDs = slices.Clone(rm.MemberIDs)
	return &rm, nil
}

func (s *Rooms) ListVisible(ctx context.Context, userID string) ([]model.Room, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]model.Room, 0)
	for _, rm := range s.db.rooms {
		if rm.CanView(userID) {
			rm.MemberIDs = slices.Clone(rm.MemberIDs)
			out = append(out, rm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Rooms) AddMembers(ctx context.Context, roomID string, userIDs []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rm, ok := s.db.rooms[roomID]
	if !ok {
		return repository.ErrNotFound
	}
	for _, id := range userIDs {
		if _, known := s.db.users[id]; known && !slices.Contains(rm.MemberIDs, id) {
			rm.MemberIDs = append(rm.MemberIDs, id)
		}
	}
	s.db.rooms[roomID] = rm
	return nil
}

func (s *Rooms) RemoveMember(ctx context.Context, roomID, userID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rm, ok := s.db.rooms[roomID]
	if !ok || !slices.Contains(rm.MemberIDs, userID) {
		return repository.ErrNotFound
	}
	rm.MemberIDs = slices.DeleteFunc(slices.Clone(rm.MemberIDs), func(id string) bool { return id == userID })
	s.db.rooms[roomID] = rm
	return nil
}

type Messages struct{ db *DB }

func (s *Messages) Create(ctx context.Context, m *model.Message) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *m
	cp.Sender, cp.Files = nil, nil
	s.db.messages[m.ID] = cp
	return nil
}

// withSender must be called with the lock held.
func (s *Messages) withSender(m model.Message) model.Message {
	if u, ok := s.db.users[m.SenderID]; ok {
		pub := u.ToPublic()
		m.Sender = &pub
	}
	m.DeletedFor = slices.Clone(m.DeletedFor)
	return m
}

func (s *Messages) GetByID(ctx context.Context, id string) (*model.Message, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	m = s.withSender(m)
	return &m, nil
}

func (s *Messages) GetByIDs(ctx context.Context, ids []string) ([]model.Message, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.db.messages[id]; ok {
			out = append(out, s.withSender(m))
		}
	}
	return out, nil
}

func (s *Messages) list(match func(model.Message) bool, viewer string, before time.Time, limit int) []model.Message {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]model.Message, 0)
	for _, m := range s.db.messages {
		if match(m) && !slices.Contains(m.DeletedFor, viewer) && m.CreatedAt.Before(before) {
			out = append(out, s.withSender(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Messages) ListRoom(ctx context.Context, roomID, viewer string, before time.Time, limit int) ([]model.Message, error) {
	return s.list(func(m model.Message) bool { return m.RoomID != nil && *m.RoomID == roomID }, viewer, before, limit), nil
}

func (s *Messages) ListDirect(ctx context.Context, viewer, peer string, before time.Time, limit int) ([]model.Message, error) {
	return s.list(func(m model.Message) bool {
		if m.RecipientID == nil {
			return false
		}
		r := *m.RecipientID
		return (m.SenderID == viewer && r == peer) || (m.SenderID == peer && r == viewer)
	}, viewer, before, limit), nil
}

func (s *Messages) MarkRead(ctx context.Context, ids []string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var changed []string
	for _, id := range ids {
		m, ok := s.db.messages[id]
		if ok && !m.Read {
			m.Read = true
			s.db.messages[id] = m
			changed = append(changed, id)
		}
	}
	return changed, nil
}

func (s *Messages) AddDeletedFor(ctx context.Context, id, userID string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !slices.Contains(m.DeletedFor, userID) {
		m.DeletedFor = append(slices.Clone(m.DeletedFor), userID)
	}
	s.db.messages[id] = m
	return slices.Clone(m.DeletedFor), nil
}

func (s *Messages) Delete(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.messages[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.db.messages, id)
	for _, entries := range s.db.unread {
		delete(entries, id)
	}
	return nil
}

type Files struct{ db *DB }

func (s *Files) Create(ctx context.Context, f *model.File) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *f
	if f.Storage != model.StorageDB {
		cp.Data = nil
	}
	s.db.files[f.ID] = cp
	return nil
}

func (s *Files) GetByID(ctx context.Context, id string) (*model.File, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	f, ok := s.db.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	f.Data = nil
	return &f, nil
}

func (s *Files) GetData(ctx context.Context, id string) ([]byte, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	f, ok := s.db.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return slices.Clone(f.Data), nil
}

func (s *Files) GetByIDs(ctx context.Context, ids []string) ([]model.File, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	out := make([]model.File, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.db.files[id]; ok {
			f.Data = nil
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Files) Delete(ctx context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.files[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.db.files, id)
	return nil
}

type Unread struct{ db *DB }

func (s *Unread) AddBatch(ctx context.Context, messageID string, keys map[string]string) ([]string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var added []string
	for uid, key := range keys {
		entries := s.db.unread[uid]
		if entries == nil {
			entries = make(map[string]string)
			s.db.unread[uid] = entries
		}
		if _, ok := entries[messageID]; ok {
			continue
		}
		entries[messageID] = key
		added = append(added, uid)
	}
	return added, nil
}

func (s *Unread) Counts(ctx context.Context, userID string) (map[string]int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	counts := make(map[string]int)
	for _, key := range s.db.unread[userID] {
		counts[key]++
	}
	return counts, nil
}

func (s *Unread) CountsFor(ctx context.Context, userIDs []string) (map[string]map[string]int, error) {
	out := make(map[string]map[string]int, len(userIDs))
	for _, id := range userIDs {
		counts, err := s.Counts(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = counts
	}
	return out, nil
}

func (s *Unread) ClearChat(ctx context.Context, userID, chatKey string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for id, key := range s.db.unread[userID] {
		if key == chatKey {
			delete(s.db.unread[userID], id)
		}
	}
	return nil
}

func (s *Unread) RemoveMessages(ctx context.Context, userID string, messageIDs []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, id := range messageIDs {
		delete(s.db.unread[userID], id)
	}
	return nil
}
