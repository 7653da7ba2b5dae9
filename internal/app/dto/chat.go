package dto

import (
	"time"

	"marketchat/internal/app/conversation"
	"marketchat/internal/domain/chat"
)

// ChatThread is a thread as seen by the caller.
type ChatThread struct {
	ID                        string     `json:"id"`
	ListingID                 string     `json:"listing_id"`
	ListingTitle              string     `json:"listing_title"`
	BuyerID                   string     `json:"buyer_id"`
	SellerID                  string     `json:"seller_id"`
	CreatedAt                 time.Time  `json:"created_at"`
	OtherParticipantID        string     `json:"other_participant_id"`
	OtherParticipantName      string     `json:"other_participant_name"`
	OtherParticipantAvatarRef string     `json:"other_participant_avatar_ref,omitempty"`
	LastMessagePreview        string     `json:"last_message_preview,omitempty"`
	LastMessageAt             *time.Time `json:"last_message_at,omitempty"`
}

// ChatMessage contains a single message payload.
type ChatMessage struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	ListingID  string    `json:"listing_id,omitempty"`
	Text       string    `json:"text"`
	SenderName string    `json:"sender_name,omitempty"`
	Mine       bool      `json:"mine"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChatState is a snapshot of the caller's conversation session.
type ChatState struct {
	UserID            string        `json:"user_id,omitempty"`
	Authenticated     bool          `json:"authenticated"`
	Threads           []ChatThread  `json:"threads"`
	OpenThread        *ChatThread   `json:"open_thread,omitempty"`
	Messages          []ChatMessage `json:"messages"`
	LoadingThreads    bool          `json:"loading_threads"`
	LoadingMessages   bool          `json:"loading_messages"`
	SendingMessage    bool          `json:"sending_message"`
	LastError         string        `json:"last_error,omitempty"`
	AvatarReloadToken int           `json:"avatar_reload_token"`
	ThreadPolling     bool          `json:"thread_polling"`
	MessagePolling    bool          `json:"message_polling"`
}

// StartConversationRequest opens a chat with a listing's owner.
type StartConversationRequest struct {
	ListingID string `json:"listing_id" binding:"required"`
	OwnerID   string `json:"owner_id" binding:"required"`
	OwnerName string `json:"owner_name"`
	Title     string `json:"title"`
}

func (r StartConversationRequest) Listing() chat.Listing {
	return chat.Listing{ID: r.ListingID, OwnerID: r.OwnerID, OwnerName: r.OwnerName, Title: r.Title}
}

// SendMessageRequest posts to the open thread. Receiver and listing default
// to the open thread's counterpart and listing.
type SendMessageRequest struct {
	Text       string `json:"text"`
	ReceiverID string `json:"receiver_id"`
	ListingID  string `json:"listing_id"`
}

func ThreadFromDomain(t chat.Thread) ChatThread {
	out := ChatThread{
		ID:                        t.ID,
		ListingID:                 t.ListingID,
		ListingTitle:              t.ListingTitle,
		BuyerID:                   t.BuyerID,
		SellerID:                  t.SellerID,
		CreatedAt:                 t.CreatedAt,
		OtherParticipantID:        t.OtherParticipantID,
		OtherParticipantName:      t.OtherParticipantName,
		OtherParticipantAvatarRef: t.OtherParticipantAvatarRef,
		LastMessagePreview:        t.LastMessagePreview,
	}
	if t.HasMessages() {
		at := t.LastMessageAt
		out.LastMessageAt = &at
	}
	return out
}

func MessageFromDomain(m chat.Message, viewerID string) ChatMessage {
	return ChatMessage{
		ID:         m.ID,
		ThreadID:   m.ThreadID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		ListingID:  m.ListingID,
		Text:       m.Body,
		SenderName: m.SenderName,
		Mine:       viewerID != "" && m.SenderID == viewerID,
		CreatedAt:  m.CreatedAt,
	}
}

func MessagesFromDomain(msgs []chat.Message, viewerID string) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageFromDomain(m, viewerID))
	}
	return out
}

func StateFromDomain(st conversation.State) ChatState {
	out := ChatState{
		UserID:            st.UserID,
		Authenticated:     st.Authenticated,
		Threads:           make([]ChatThread, 0, len(st.Threads)),
		Messages:          MessagesFromDomain(st.Messages, st.UserID),
		LoadingThreads:    st.LoadingThreads,
		LoadingMessages:   st.LoadingMessages,
		SendingMessage:    st.SendingMessage,
		LastError:         st.LastError,
		AvatarReloadToken: st.AvatarReloadToken,
		ThreadPolling:     st.ThreadPolling,
		MessagePolling:    st.MessagePolling,
	}
	for _, t := range st.Threads {
		out.Threads = append(out.Threads, ThreadFromDomain(t))
	}
	if st.OpenThread != nil {
		open := ThreadFromDomain(*st.OpenThread)
		out.OpenThread = &open
	}
	return out
}
