package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomchat/internal/auth"
	"github.com/roomchat/internal/fileserver"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/service"
	"github.com/roomchat/internal/service/servicetest"
	"github.com/roomchat/internal/storage/memory"
	"github.com/roomchat/internal/ws"
)

type testServer struct {
	*httptest.Server
	db *servicetest.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := servicetest.NewDB()
	tokens := auth.NewTokenIssuer("test-secret", time.Hour)
	authSvc := service.NewAuthService(db.Users(), tokens)
	users := service.NewUserService(db.Users())
	rooms := service.NewRoomService(db.Rooms(), db.Users())
	chats := service.NewChatService(db.Messages(), db.Rooms(), db.Users(), db.Files(), db.Unread())
	files := fileserver.New(db.Files(), 1<<20, 32, fileserver.NewDiskStore(t.TempDir()))

	mem := memory.New()
	hub := ws.NewHub(ws.Deps{Chats: chats, Rooms: rooms, Users: db.Users(), Registry: mem, Bus: mem}, ws.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Listen(ctx); err != nil {
		t.Fatal(err)
	}
	go hub.Run(ctx)

	router := NewRouter(Handlers{
		Auth:  NewAuthHandler(authSvc, users),
		Users: NewUserHandler(users),
		Rooms: NewRoomHandler(rooms, hub),
		Chats: NewChatHandler(chats, hub),
		Files: NewFileHandler(files, 1<<20),
		WS:    NewWSHandler(hub, "*"),
	}, RouterOptions{Authenticator: authSvc, AllowedOrigins: "*"})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return &testServer{Server: srv, db: db}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

func (s *testServer) register(t *testing.T, username string) service.AuthResult {
	t.Helper()
	resp, body := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": username, "email": username + "@example.com", "password": "secret123",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: %d %s", username, resp.StatusCode, body)
	}
	var res service.AuthResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")

	resp, _ := s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "secret123",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "bob", "email": "not-an-email", "password": "secret123",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad email register = %d", resp.StatusCode)
	}

	resp, _ = s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "alice@example.com", "password": "wrong-pass"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login = %d", resp.StatusCode)
	}
	resp, body := s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice", "password": "secret123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d %s", resp.StatusCode, body)
	}

	if resp, _ := s.do(t, http.MethodGet, "/api/auth/me", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me without token = %d", resp.StatusCode)
	}
	resp, body = s.do(t, http.MethodGet, "/api/auth/me", alice.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me = %d", resp.StatusCode)
	}
	var me model.UserPublic
	if err := json.Unmarshal(body, &me); err != nil || me.ID != alice.User.ID {
		t.Fatalf("me = %s (%v)", body, err)
	}
	if strings.Contains(string(body), "password") {
		t.Fatal("password hash leaked")
	}
}

func TestRoomVisibility(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	resp, body := s.do(t, http.MethodPost, "/api/rooms", alice.Token, map[string]any{"name": "secret", "is_private": true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create room = %d %s", resp.StatusCode, body)
	}
	var rm model.Room
	if err := json.Unmarshal(body, &rm); err != nil {
		t.Fatal(err)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/rooms/"+rm.ID, bob.Token, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outsider get private room = %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodPost, "/api/rooms/"+rm.ID+"/join", bob.Token, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outsider join private room = %d", resp.StatusCode)
	}
	resp, _ = s.do(t, http.MethodPost, "/api/rooms/"+rm.ID+"/members", alice.Token, map[string]any{"user_ids": []string{bob.User.ID}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add member = %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/rooms/"+rm.ID, bob.Token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("member get room = %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodDelete, "/api/rooms/"+rm.ID+"/members/"+alice.User.ID, bob.Token, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("remove creator = %d", resp.StatusCode)
	}
}

func dial(t *testing.T, s *testServer, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatal(err)
		}
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if ev.Type == typ {
			return ev
		}
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v", resp)
	}
}

func TestMessageOverHTTPReachesSocket(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	conn := dial(t, s, bob.Token)
	readUntil(t, conn, "unread_messages_count")

	resp, body := s.do(t, http.MethodPost, "/api/chats/messages", alice.Token, map[string]any{
		"recipient_id": bob.User.ID, "content": "hi bob",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send = %d %s", resp.StatusCode, body)
	}
	var sent model.Message
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatal(err)
	}

	ev := readUntil(t, conn, "new_message")
	var got model.Message
	if err := json.Unmarshal(ev.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != sent.ID || got.Content != "hi bob" {
		t.Fatalf("new_message = %+v", got)
	}
	ev = readUntil(t, conn, "unread_messages_count")
	var counts map[string]int
	if err := json.Unmarshal(ev.Payload, &counts); err != nil {
		t.Fatal(err)
	}
	if counts[model.UserKey(alice.User.ID)] != 1 {
		t.Fatalf("unread = %v", counts)
	}

	// clearing the chat over HTTP pushes a fresh snapshot to the socket
	resp, _ = s.do(t, http.MethodPost, "/api/chats/unread/"+model.UserKey(alice.User.ID)+"/read", bob.Token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("clear unread = %d", resp.StatusCode)
	}
	ev = readUntil(t, conn, "unread_messages_count")
	counts = nil
	if err := json.Unmarshal(ev.Payload, &counts); err != nil {
		t.Fatal(err)
	}
	if counts[model.UserKey(alice.User.ID)] != 0 {
		t.Fatalf("unread after clear = %v", counts)
	}
}

func TestSendMessageOverSocketAcks(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")

	conn := dial(t, s, alice.Token)
	readUntil(t, conn, "unread_messages_count")
	msg := map[string]any{"type": "send_message", "ack_id": "a1", "recipient_id": bob.User.ID, "content": "yo"}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatal(err)
	}
	ev := readUntil(t, conn, "ack")
	var ack struct {
		AckID   string `json:"ack_id"`
		Success bool   `json:"success"`
	}
	if err := json.Unmarshal(ev.Payload, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.AckID != "a1" || !ack.Success {
		t.Fatalf("ack = %s", ev.Payload)
	}

	resp, body := s.do(t, http.MethodGet, "/api/chats/direct/"+alice.User.ID+"/messages", bob.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history = %d", resp.StatusCode)
	}
	var history []model.Message
	if err := json.Unmarshal(body, &history); err != nil || len(history) != 1 || history[0].Content != "yo" {
		t.Fatalf("history = %s (%v)", body, err)
	}
}

func TestFileUploadAndServe(t *testing.T) {
	s := newTestServer(t)
	alice := s.register(t, "alice")
	bob := s.register(t, "bob")
	content := strings.Repeat("attachment bytes ", 10)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("size", "170"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req, _ := http.NewRequest(http.MethodPost, s.URL+"/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+alice.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload = %d %s", resp.StatusCode, body)
	}
	var f model.File
	if err := json.Unmarshal(body, &f); err != nil {
		t.Fatal(err)
	}
	if f.Storage != model.StorageDisk || f.Size != int64(len(content)) {
		t.Fatalf("file = %+v", f)
	}

	resp, got := s.do(t, http.MethodGet, "/api/files/"+f.ID, bob.Token, nil)
	if resp.StatusCode != http.StatusOK || string(got) != content {
		t.Fatalf("serve = %d %q", resp.StatusCode, got)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "notes.txt") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if resp, _ := s.do(t, http.MethodDelete, "/api/files/"+f.ID, bob.Token, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner delete = %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodDelete, "/api/files/"+f.ID, alice.Token, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("owner delete = %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, http.MethodGet, "/api/files/"+f.ID+"/meta", alice.Token, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("meta after delete = %d", resp.StatusCode)
	}
}
