package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"marketchat/internal/app/conversation"
	"marketchat/internal/app/dto"
	"marketchat/internal/app/policies"
	"marketchat/internal/app/threads"
	"marketchat/internal/domain/auth"
	"marketchat/internal/domain/chat"
)

// ChatHandler exposes the caller's conversation controller over HTTP.
type ChatHandler struct {
	Hub    *SessionHub
	Logger *slog.Logger
}

func (h ChatHandler) controller(c *gin.Context) (*conversation.Controller, principal, bool) {
	p, ok := requireRole(c, "")
	if !ok {
		return nil, principal{}, false
	}
	if h.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat unavailable"})
		return nil, principal{}, false
	}
	return h.Hub.Controller(p.Token), p, true
}

func (h ChatHandler) State(c *gin.Context) {
	ctrl, _, ok := h.controller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.StateFromDomain(ctrl.State()))
}

// Threads reloads the thread list and returns the session snapshot.
func (h ChatHandler) Threads(c *gin.Context) {
	ctrl, p, ok := h.controller(c)
	if !ok {
		return
	}
	if err := ctrl.LoadThreads(c.Request.Context()); err != nil {
		h.respondError(c, ctrl, err, "load threads", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, dto.StateFromDomain(ctrl.State()))
}

func (h ChatHandler) StartThreadPolling(c *gin.Context) {
	ctrl, p, ok := h.controller(c)
	if !ok {
		return
	}
	if err := ctrl.StartThreadPolling(c.Request.Context()); err != nil {
		h.respondError(c, ctrl, err, "start thread polling", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, dto.StateFromDomain(ctrl.State()))
}

func (h ChatHandler) StopThreadPolling(c *gin.Context) {
	ctrl, _, ok := h.controller(c)
	if !ok {
		return
	}
	ctrl.StopThreadPolling()
	c.JSON(http.StatusOK, dto.StateFromDomain(ctrl.State()))
}

// OpenThread opens one of the caller's threads, reloading the list when the
// thread is not known yet.
func (h ChatHandler) OpenThread(c *gin.Context) {
	ctrl, p, ok := h.controller(c)
	if !ok {
		return
	}
	threadID := strings.TrimSpace(c.Param("id"))
	ctx := c.Request.Context()
	thread, found := ctrl.State().Thread(threadID)
	if !found {
		if err := ctrl.LoadThreads(ctx); err != nil {
			h.respondError(c, ctrl, err, "load threads", "user_id", p.ID)
			return
		}
		thread, found = ctrl.State().Thread(threadID)
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
		return
	}
	if err := ctrl.OpenThread(ctx, thread); err != nil {
		h.respondError(c, ctrl, err, "open thread", "thread_id", threadID, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, dto.StateFromDomain(ctrl.State()))
}

func (h ChatHandler) CloseThread(c *gin.Context) {
	ctrl, _, ok := h.controller(c)
	if !ok {
		return
	}
	if open := ctrl.State().OpenThread; open != nil && open.ID == c.Param("id") {
		ctrl.CloseThread()
	}
	c.JSON(http.StatusOK, dto.StateFromDomain(ctrl.State()))
}

// RefreshMessages reloads the open thread's timeline.
func (h ChatHandler) RefreshMessages(c *gin.Context) {
	ctrl, p, ok := h.controller(c)
	if !ok {
		return
	}
	threadID := c.Param("id")
	if open := ctrl.State().OpenThread; open == nil || open.ID != threadID {
		c.JSON(http.StatusConflict, gin.H{"error": "thread is not open"})
		return
	}
	if err := ctrl.RefreshCurrentThread(c.Request.Context()); err != nil {
		h.respondError(c, ctrl, err, "refresh messages", "thread_id", threadID, "user_id", p.ID)
		return
	}
	st := ctrl.State()
	c.JSON(http.StatusOK, gin.H{"items": dto.MessagesFromDomain(st.Messages, st.UserID)})
}

func (h ChatHandler) SendMessage(c *gin.Context) {
	ctrl, p, ok := h.controller(c)
	if !ok {
		return
	}
	var req dto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if open := ctrl.State().OpenThread; open != nil {
		if req.ReceiverID == "" {
			req.ReceiverID = open.OtherParticipantID
		}
		if req.ListingID == "" {
			req.ListingID = open.ListingID
		}
	}
	msg, err := ctrl.Send(c.Request.Context(), req.Text, req.ReceiverID, req.ListingID)
	if err != nil {
		h.respondError(c, ctrl, err, "send message", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, dto.MessageFromDomain(msg, p.ID))
}

func (h ChatHandler) DeleteMessage(c *gin.Context) {
	ctrl, p, ok := h.controller(c)
	if !ok {
		return
	}
	messageID := c.Param("id")
	if err := ctrl.DeleteMessage(c.Request.Context(), messageID); err != nil {
		h.respondError(c, ctrl, err, "delete message", "message_id", messageID, "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteThread purges a conversation; admins only.
func (h ChatHandler) DeleteThread(c *gin.Context) {
	p, ok := requireRole(c, auth.RoleAdmin)
	if !ok {
		return
	}
	if h.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat unavailable"})
		return
	}
	ctrl := h.Hub.Controller(p.Token)
	threadID := c.Param("id")
	if err := ctrl.DeleteThread(c.Request.Context(), threadID); err != nil {
		h.respondError(c, ctrl, err, "delete thread", "thread_id", threadID, "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h ChatHandler) StartConversation(c *gin.Context) {
	ctrl, p, ok := h.controller(c)
	if !ok {
		return
	}
	var req dto.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "listing_id and owner_id are required"})
		return
	}
	thread, err := ctrl.StartConversation(c.Request.Context(), req.Listing())
	if err != nil && thread.ID == "" {
		h.respondError(c, ctrl, err, "start conversation", "listing_id", req.ListingID, "user_id", p.ID)
		return
	}
	// The thread exists even when loading its messages failed.
	c.JSON(http.StatusCreated, dto.ThreadFromDomain(thread))
}

func (h ChatHandler) StopPolling(c *gin.Context) {
	ctrl, _, ok := h.controller(c)
	if !ok {
		return
	}
	ctrl.StopPolling()
	c.JSON(http.StatusOK, dto.StateFromDomain(ctrl.State()))
}

func (h ChatHandler) SignOut(c *gin.Context) {
	p, ok := requireRole(c, "")
	if !ok {
		return
	}
	if h.Hub != nil {
		h.Hub.Drop(p.Token)
	}
	c.Status(http.StatusNoContent)
}

// Avatar redirects to a signed avatar URL, or answers 204 when the caller
// should show the placeholder. Requests naming the same view supersede each
// other.
func (h ChatHandler) Avatar(c *gin.Context) {
	ctrl, _, ok := h.controller(c)
	if !ok {
		return
	}
	ref := strings.TrimSpace(c.Query("ref"))
	if ref == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ref is required"})
		return
	}
	var (
		url string
		err error
	)
	if view := strings.TrimSpace(c.Query("view")); view != "" {
		url, err = ctrl.ResolveAvatarForView(c.Request.Context(), view, ref)
	} else {
		url, err = ctrl.ResolveAvatar(c.Request.Context(), ref)
	}
	if err != nil {
		h.respondError(c, ctrl, err, "resolve avatar", "ref", ref)
		return
	}
	if url == "" {
		c.Status(http.StatusNoContent)
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (h ChatHandler) respondError(c *gin.Context, ctrl *conversation.Controller, err error, action string, attrs ...any) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, conversation.ErrNotAuthenticated):
		msg := ctrl.State().LastError
		if msg == "" {
			msg = "Please log in to view chats."
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
		return
	case errors.Is(err, conversation.ErrNoActiveThread):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No active thread."})
		return
	case errors.Is(err, chat.ErrEmptyMessage):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Message text is required."})
		return
	case errors.Is(err, chat.ErrInvalidRecipient):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "You can only message participants of this conversation."})
		return
	case errors.Is(err, threads.ErrInvalidParticipants):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case errors.Is(err, policies.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	case errors.Is(err, policies.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	case errors.Is(err, policies.ErrDuplicate), errors.Is(err, threads.ErrThreadVanished):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation changed, retry"})
		return
	}
	if h.Logger != nil {
		h.Logger.Error("chat call failed", append([]any{"action", action, "error", err}, attrs...)...)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat backend unavailable"})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "chat backend unavailable"})
}

var _ ChatHTTP = ChatHandler{}
