package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/service"
	"github.com/roomchat/internal/ws"
)

type RoomHandler struct {
	rooms *service.RoomService
	hub   *ws.Hub
}

func NewRoomHandler(rooms *service.RoomService, hub *ws.Hub) *RoomHandler {
	return &RoomHandler{rooms: rooms, hub: hub}
}

type CreateRoomRequest struct {
	Name      string   `json:"name" validate:"required,max=100"`
	IsPrivate bool     `json:"is_private"`
	MemberIDs []string `json:"member_ids" validate:"max=500"`
}

type AddMembersRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,max=500"`
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rm, err := h.rooms.Create(r.Context(), middleware.GetUserID(r.Context()), req.Name, req.IsPrivate, req.MemberIDs)
	if err != nil {
		writeServiceError(w, "create room", err)
		return
	}
	h.hub.NotifyNewRoom(r.Context(), rm)
	writeJSON(w, http.StatusCreated, rm)
}

func (h *RoomHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, "list rooms", err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	rm, err := h.rooms.GetWithMembers(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "get room", err)
		return
	}
	writeJSON(w, http.StatusOK, rm)
}

func (h *RoomHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	var req AddMembersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	change, err := h.rooms.AddMembers(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), req.UserIDs)
	h.membershipResult(w, r, "add members", change, err)
}

func (h *RoomHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	change, err := h.rooms.RemoveMember(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "userId"))
	h.membershipResult(w, r, "remove member", change, err)
}

func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	change, err := h.rooms.Join(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	h.membershipResult(w, r, "join room", change, err)
}

func (h *RoomHandler) Leave(w http.ResponseWriter, r *http.Request) {
	change, err := h.rooms.Leave(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "id"))
	h.membershipResult(w, r, "leave room", change, err)
}

func (h *RoomHandler) membershipResult(w http.ResponseWriter, r *http.Request, op string, change *service.MembershipChange, err error) {
	if err != nil {
		writeServiceError(w, op, err)
		return
	}
	h.hub.NotifyRoomUpdated(r.Context(), change)
	writeJSON(w, http.StatusOK, change.Room)
}
