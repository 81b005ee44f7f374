package conversation

import (
	"fmt"
	"sync"
	"time"
)

// MessageID identifies a message. IDs are assigned monotonically per
// store and never reused.
type MessageID int64

// AudioRef is a playable reference to a message's recorded audio.
type AudioRef struct {
	Path       string        `json:"path"`
	SampleRate int           `json:"sample_rate"`
	Duration   time.Duration `json:"duration"`
}

// Message is one entry in a conversation. While IsStreaming is true the
// text grows in place; once finalized the message is immutable.
type Message struct {
	ID             MessageID  `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	AuthorID       string     `json:"author_id"`
	Timestamp      time.Time  `json:"timestamp"`
	Text           string     `json:"text"`
	IsStreaming    bool       `json:"is_streaming"`
	Confidence     float64    `json:"confidence"`
	Audio          *AudioRef  `json:"audio,omitempty"`
}

// Store is the ordered log of messages across conversations. It is the
// single owner of Message values; callers receive copies.
type Store struct {
	mu       sync.RWMutex
	nextMsg  MessageID
	nextConv int64
	byID     map[MessageID]*Message
	ordered  map[int64][]*Message // conversation id -> messages in append order
}

// NewStore creates an empty store with one conversation pre-created.
func NewStore() *Store {
	s := &Store{
		byID:    make(map[MessageID]*Message),
		ordered: make(map[int64][]*Message),
	}
	s.CreateConversation()
	return s
}

// CreateConversation allocates a new conversation and returns its id.
func (s *Store) CreateConversation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextConv++
	s.ordered[s.nextConv] = make([]*Message, 0)
	return s.nextConv
}

// Conversations returns all conversation ids in creation order.
func (s *Store) Conversations() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int64, 0, len(s.ordered))
	for id := int64(1); id <= s.nextConv; id++ {
		if _, ok := s.ordered[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasConversation reports whether the conversation exists.
func (s *Store) HasConversation(convID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ordered[convID]
	return ok
}

// AppendStreaming creates a new streaming message with empty text and
// returns a copy of it.
func (s *Store) AppendStreaming(convID int64, authorID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ordered[convID]; !ok {
		return Message{}, fmt.Errorf("conversation %d does not exist", convID)
	}

	s.nextMsg++
	msg := &Message{
		ID:             s.nextMsg,
		ConversationID: convID,
		AuthorID:       authorID,
		Timestamp:      time.Now(),
		IsStreaming:    true,
	}

	s.byID[msg.ID] = msg
	s.ordered[convID] = append(s.ordered[convID], msg)

	return *msg, nil
}

// Restore seeds the store with archived messages, recreating their
// conversations and advancing the ID counters past every restored ID so
// messages created later never collide with archived ones. Messages must
// arrive oldest first; restoring a streaming message is rejected.
func (s *Store) Restore(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if m.IsStreaming {
			return fmt.Errorf("cannot restore streaming message %d", m.ID)
		}
		if _, ok := s.byID[m.ID]; ok {
			return fmt.Errorf("message %d already exists", m.ID)
		}

		msg := m
		if _, ok := s.ordered[msg.ConversationID]; !ok {
			s.ordered[msg.ConversationID] = make([]*Message, 0)
		}
		s.byID[msg.ID] = &msg
		s.ordered[msg.ConversationID] = append(s.ordered[msg.ConversationID], &msg)

		if msg.ID > s.nextMsg {
			s.nextMsg = msg.ID
		}
		if msg.ConversationID > s.nextConv {
			s.nextConv = msg.ConversationID
		}
	}

	return nil
}

// SetText replaces the text of a streaming message.
func (s *Store) SetText(id MessageID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("message %d does not exist", id)
	}

	if !msg.IsStreaming {
		return fmt.Errorf("message %d is finalized and immutable", id)
	}

	msg.Text = text
	return nil
}

// Finalize sets the definitive text, confidence and audio reference, and
// flips the message out of streaming. Finalizing twice is an error.
func (s *Store) Finalize(id MessageID, text string, confidence float64, audio *AudioRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("message %d does not exist", id)
	}

	if !msg.IsStreaming {
		return fmt.Errorf("message %d is already finalized", id)
	}

	msg.Text = text
	msg.Confidence = confidence
	msg.Audio = audio
	msg.IsStreaming = false
	return nil
}

// Remove deletes a message entirely. Used for cancelled utterances, which
// are discarded rather than rendered.
func (s *Store) Remove(id MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("message %d does not exist", id)
	}

	delete(s.byID, id)

	msgs := s.ordered[msg.ConversationID]
	for i, m := range msgs {
		if m.ID == id {
			s.ordered[msg.ConversationID] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}

	return nil
}

// Get returns a copy of the message.
func (s *Store) Get(id MessageID) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Messages returns copies of a conversation's messages in append order.
func (s *Store) Messages(convID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.ordered[convID]
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out
}

// Len returns the number of messages in a conversation.
func (s *Store) Len(convID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered[convID])
}
