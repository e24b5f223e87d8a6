package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/service"
	"github.com/roomchat/internal/ws"
)

type ChatHandler struct {
	chats *service.ChatService
	hub   *ws.Hub
}

func NewChatHandler(chats *service.ChatService, hub *ws.Hub) *ChatHandler {
	return &ChatHandler{chats: chats, hub: hub}
}

// SendMessageRequest targets exactly one of RoomID and RecipientID.
type SendMessageRequest struct {
	RoomID      string   `json:"room_id" validate:"required_without=RecipientID,excluded_with=RecipientID"`
	RecipientID string   `json:"recipient_id"`
	Content     string   `json:"content" validate:"max=10000"`
	Attachments []string `json:"attachments" validate:"max=10"`
}

type deleteResponse struct {
	MessageID   string `json:"message_id"`
	HardDeleted bool   `json:"hard_deleted"`
}

// SendMessage goes through the hub so HTTP and WebSocket senders share persistence and fan-out.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.hub.SendMessage(r.Context(), model.SendMessage{
		SenderID:    middleware.GetUserID(r.Context()),
		Content:     req.Content,
		Attachments: req.Attachments,
		RoomID:      req.RoomID,
		RecipientID: req.RecipientID,
	})
	if err != nil {
		writeServiceError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *ChatHandler) RoomMessages(w http.ResponseWriter, r *http.Request) {
	before, err := queryTime(r, "before")
	if err != nil {
		writeError(w, http.StatusBadRequest, "before must be RFC3339")
		return
	}
	msgs, err := h.chats.RoomHistory(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "roomId"), before, queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, "room history", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) DirectMessages(w http.ResponseWriter, r *http.Request) {
	before, err := queryTime(r, "before")
	if err != nil {
		writeError(w, http.StatusBadRequest, "before must be RFC3339")
		return
	}
	msgs, err := h.chats.DirectHistory(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "userId"), before, queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, "direct history", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// MarkRead flags one message as read and notifies its sender.
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.hub.MarkMessagesRead(r.Context(), middleware.GetUserID(r.Context()), []string{chi.URLParam(r, "id")})
	if err != nil {
		writeServiceError(w, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(receipts)})
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	del, err := h.chats.Delete(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), queryBool(r, "for_everyone"))
	if err != nil {
		writeServiceError(w, "delete message", err)
		return
	}
	h.hub.NotifyMessageDeleted(r.Context(), del)
	writeJSON(w, http.StatusOK, deleteResponse{MessageID: del.MessageID, HardDeleted: del.HardDeleted})
}

func (h *ChatHandler) Unread(w http.ResponseWriter, r *http.Request) {
	counts, err := h.chats.UnreadCounts(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, "unread counts", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *ChatHandler) ClearUnread(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.MarkChatRead(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "chatKey")); err != nil {
		writeServiceError(w, "clear unread", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
