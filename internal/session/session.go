// Package session owns the per-user conversation state.
package session

import (
	"time"

	"github.com/kalambet/printdesk/internal/order"
	"github.com/kalambet/printdesk/internal/textutil"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is one user's conversation. It is only reachable through Store.
type Session struct {
	UserID              string      `json:"user_id"`
	DisplayName         string      `json:"display_name,omitempty"`
	State               string      `json:"state,omitempty"`
	History             []Message   `json:"history"`
	Draft               order.Draft `json:"draft"`
	HasInteracted       bool        `json:"has_interacted"`
	InitialMessagesSent bool        `json:"initial_messages_sent"`
	FileUploadAttempts  int         `json:"file_upload_attempts"`
	LastInteraction     time.Time   `json:"last_interaction"`
}

func newSession(userID string, now time.Time) *Session {
	return &Session{UserID: userID, LastInteraction: now}
}

// Phase is derived from the draft; it is never stored.
func (s *Session) Phase() order.Phase {
	return order.PhaseOf(s.Draft)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.History = append([]Message(nil), s.History...)
	c.Draft = s.Draft.Clone()
	return &c
}

// Restore overwrites s with a previously taken snapshot.
func (s *Session) Restore(snap *Session) {
	*s = *snap.Clone()
}

// Reset clears the conversation and draft. With preserveOnboarding the
// one-time greeting flags survive so the user is not welcomed twice.
func (s *Session) Reset(preserveOnboarding bool) {
	fresh := Session{
		UserID:          s.UserID,
		DisplayName:     s.DisplayName,
		LastInteraction: s.LastInteraction,
	}
	if preserveOnboarding {
		fresh.HasInteracted = s.HasInteracted
		fresh.InitialMessagesSent = s.InitialMessagesSent
	}
	*s = fresh
}

// AddMessage appends a turn and evicts the oldest turns until the history
// fits within budget words. A single turn longer than the budget keeps only
// its last budget words.
func (s *Session) AddMessage(role, content string, budget int) {
	if budget > 0 && textutil.WordCount(content) > budget {
		content = textutil.LastWords(content, budget)
	}
	s.History = append(s.History, Message{Role: role, Content: content})
	if budget <= 0 {
		return
	}

	total := historyWords(s.History)
	drop := 0
	for total > budget && drop < len(s.History)-1 {
		total -= textutil.WordCount(s.History[drop].Content)
		drop++
	}
	if drop > 0 {
		s.History = append([]Message(nil), s.History[drop:]...)
	}
}

// historyWords counts the words across all turns.
func historyWords(h []Message) int {
	n := 0
	for _, m := range h {
		n += textutil.WordCount(m.Content)
	}
	return n
}
