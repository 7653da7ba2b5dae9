package conversation

import "marketchat/internal/domain/chat"

// State is an immutable snapshot of a conversation session.
type State struct {
	UserID        string
	Authenticated bool

	Threads    []chat.Thread
	OpenThread *chat.Thread
	Messages   []chat.Message

	LoadingThreads  bool
	LoadingMessages bool
	SendingMessage  bool
	LastError       string

	AvatarReloadToken int
	ThreadPolling     bool
	MessagePolling    bool
}

// Thread returns the listed thread with the given id.
func (s State) Thread(id string) (chat.Thread, bool) {
	for _, t := range s.Threads {
		if t.ID == id {
			return t, true
		}
	}
	return chat.Thread{}, false
}
