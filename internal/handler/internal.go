package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/rehabcare/messaging/internal/conversation"
	"github.com/rehabcare/messaging/internal/logger"
	"github.com/rehabcare/messaging/internal/model"
	"github.com/rehabcare/messaging/internal/presence"
	"github.com/rehabcare/messaging/internal/registry"
	"github.com/rehabcare/messaging/internal/ws"
)

// InternalHandler: API живого ядра для REST-слоя платформы (только приватная сеть).
type InternalHandler struct {
	disp     *ws.Dispatcher
	convs    *conversation.Manager
	reg      *registry.Registry
	presence *presence.Broadcaster
}

func NewInternalHandler(disp *ws.Dispatcher, convs *conversation.Manager, reg *registry.Registry, pres *presence.Broadcaster) *InternalHandler {
	return &InternalHandler{disp: disp, convs: convs, reg: reg, presence: pres}
}

// Routes монтируется под /internal.
func (h *InternalHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/conversations", h.CreateConversation)
	r.Get("/conversations/{id}", h.GetConversation)
	r.Post("/conversations/{id}/participants", h.AddParticipant)
	r.Get("/conversations/{id}/participants/{userId}", h.GetParticipant)
	r.Delete("/conversations/{id}/participants/{userId}", h.RemoveParticipant)
	r.Put("/conversations/{id}/pins/{messageId}", h.Pin)
	r.Delete("/conversations/{id}/pins/{messageId}", h.Unpin)
	r.Post("/conversations/{id}/archive", h.Archive)
	r.Get("/messages/{messageId}/receipts", h.Receipts)
	r.Get("/presence", h.ListOnline)
	r.Get("/presence/{userId}", h.Presence)
	return r
}

type ParticipantRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
	Role   string `json:"role" validate:"omitempty,oneof=admin member"`
}

type CreateConversationRequest struct {
	ID           string               `json:"id" validate:"omitempty,max=128"`
	Type         string               `json:"type" validate:"required,oneof=private group channel"`
	Name         string               `json:"name" validate:"max=256"`
	CreatedBy    string               `json:"createdBy" validate:"required,max=128"`
	Participants []ParticipantRequest `json:"participants" validate:"dive"`
}

type PinRequest struct {
	PinnedBy string `json:"pinnedBy" validate:"required,max=128"`
}

type changedResponse struct {
	Changed bool `json:"changed"`
}

// conversationSnapshot дополняет разговор живым состоянием из памяти.
type conversationSnapshot struct {
	*model.Conversation
	ActiveCount int                 `json:"activeCount"`
	Typing      []model.TypingEntry `json:"typing"`
}

type participantResponse struct {
	UserID model.Identity `json:"userId"`
	Active bool           `json:"active"`
}

func (h *InternalHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	conv, err := h.disp.CreateConversation(r.Context(), &model.Conversation{
		ID:        req.ID,
		Type:      model.ConversationType(req.Type),
		Name:      req.Name,
		CreatedBy: model.Identity(req.CreatedBy),
		Participants: lo.Map(req.Participants, func(p ParticipantRequest, _ int) model.Participant {
			return model.Participant{UserID: model.Identity(p.UserID), Role: model.Role(p.Role)}
		}),
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *InternalHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := h.convs.Get(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	active, err := h.convs.ActiveCount(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	typing, err := h.convs.TypingUsers(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if typing == nil {
		typing = []model.TypingEntry{}
	}
	writeJSON(w, http.StatusOK, conversationSnapshot{Conversation: conv, ActiveCount: active, Typing: typing})
}

func (h *InternalHandler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	user := model.Identity(chi.URLParam(r, "userId"))
	ok, err := h.convs.IsActiveParticipant(r.Context(), chi.URLParam(r, "id"), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, participantResponse{UserID: user, Active: ok})
}

func (h *InternalHandler) Receipts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.disp.Receipts(r.Context(), chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *InternalHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req ParticipantRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleMember
	}
	changed, err := h.disp.AddParticipant(r.Context(), chi.URLParam(r, "id"), model.Identity(req.UserID), role)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (h *InternalHandler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	changed, err := h.disp.RemoveParticipant(r.Context(), chi.URLParam(r, "id"), model.Identity(chi.URLParam(r, "userId")))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (h *InternalHandler) Pin(w http.ResponseWriter, r *http.Request) {
	var req PinRequest
	if err := decodeBody(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	changed, err := h.disp.Pin(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "messageId"), model.Identity(req.PinnedBy))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (h *InternalHandler) Unpin(w http.ResponseWriter, r *http.Request) {
	changed, err := h.disp.Unpin(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "messageId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (h *InternalHandler) Archive(w http.ResponseWriter, r *http.Request) {
	changed, err := h.disp.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

func (h *InternalHandler) ListOnline(w http.ResponseWriter, r *http.Request) {
	online := h.reg.ListOnline()
	if online == nil {
		online = []model.Identity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": online, "count": len(online)})
}

func (h *InternalHandler) Presence(w http.ResponseWriter, r *http.Request) {
	st, err := h.presence.Lookup(r.Context(), model.Identity(chi.URLParam(r, "userId")))
	if err != nil {
		// Живой статус известен и без зеркала.
		logger.Warnf("presence lookup user=%s: %v", st.UserID, err)
	}
	writeJSON(w, http.StatusOK, st)
}
