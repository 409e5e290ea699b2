// Package chatlog is the rendered chat history of one session view.
// A message appears once no matter how many times it is delivered.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/domain"
	"github.com/dkeye/Studyroom/internal/protocol"
)

var ErrEmptyMessage = errors.New("empty message")

// Source is where new_message events come from.
type Source interface {
	Subscribe(typ protocol.Type, fn func(protocol.Event)) func()
}

// Sender delivers a chat message to the relay.
type Sender interface {
	SendChat(msg domain.ChatMessage) error
}

// HistoryFetcher reads persisted history from the backend.
type HistoryFetcher interface {
	Messages(ctx context.Context, sid domain.SessionID, limit int) ([]domain.ChatMessage, error)
}

type Log struct {
	sid   domain.SessionID
	self  domain.Participant
	clock clock.Clock

	mu   sync.RWMutex
	msgs []domain.ChatMessage
	ids  map[domain.MessageID]struct{}
}

func New(sid domain.SessionID, self domain.Participant, clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.New()
	}
	return &Log{sid: sid, self: self, clock: clk, ids: make(map[domain.MessageID]struct{})}
}

// Add inserts msg unless a message with the same id is already there.
func (l *Log) Add(msg domain.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insert(msg)
}

func (l *Log) insert(msg domain.ChatMessage) bool {
	if msg.ID == "" {
		return false
	}
	if _, dup := l.ids[msg.ID]; dup {
		return false
	}
	l.ids[msg.ID] = struct{}{}
	// after every message with the same or an earlier timestamp
	i, _ := slices.BinarySearchFunc(l.msgs, msg, func(a, b domain.ChatMessage) int {
		if a.CreatedAt.After(b.CreatedAt) {
			return 1
		}
		return -1
	})
	l.msgs = slices.Insert(l.msgs, i, msg)
	return true
}

// Merge folds fetched history in and returns how many messages were new.
func (l *Log) Merge(history []domain.ChatMessage) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range history {
		if l.insert(m) {
			n++
		}
	}
	return n
}

func (l *Log) Messages() []domain.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.msgs)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Send shows the message right away and hands it to s. The relay echo is
// dropped by id.
func (l *Log) Send(s Sender, content string) (domain.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	msg := domain.NewChatMessage(l.sid, l.self, content, l.clock.Now())
	l.Add(msg)
	return msg, s.SendChat(msg)
}

// Refresh merges the most recent history from f.
func (l *Log) Refresh(ctx context.Context, f HistoryFetcher, limit int) error {
	msgs, err := f.Messages(ctx, l.sid, limit)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	n := l.Merge(msgs)
	log.Debug().Str("module", "collab.chatlog").Str("session", string(l.sid)).Int("new", n).Msg("history merged")
	return nil
}

// Attach appends every new_message from src.
func (l *Log) Attach(src Source) func() {
	return src.Subscribe(protocol.TypeNewMessage, func(ev protocol.Event) {
		if m, ok := ev.(protocol.NewMessage); ok {
			l.Add(m.ChatMessage)
		}
	})
}
