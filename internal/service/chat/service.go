package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrEmptyMessage    = errors.New("message is empty")
)

// Completer turns a transcript into the model's next reply. onDelta may be nil.
type Completer interface {
	Complete(ctx context.Context, turns []chat.Turn, onDelta func(string)) (string, error)
}

// conversation is the state owned by one connection.
type conversation struct {
	session chat.Session

	// ctx is cancelled on disconnect and aborts any in-flight completion.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	transcript chat.Transcript
	tail       chan struct{} // closed when the most recently queued cycle ends
	closed     bool
}

// Service relays messages between connections and the completion client,
// keeping one transcript per connection.
type Service struct {
	completer Completer

	mu            sync.RWMutex
	conversations map[string]*conversation
}

// NewService bootstraps the in-memory relay around the shared completion client.
func NewService(completer Completer) *Service {
	return &Service{
		completer:     completer,
		conversations: make(map[string]*conversation),
	}
}

// Connect allocates an empty transcript under a fresh session id.
func (s *Service) Connect(_ context.Context) chat.Session {
	ctx, cancel := context.WithCancel(context.Background())
	conv := &conversation{
		session: chat.Session{
			ID:        uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		},
		ctx:        ctx,
		cancel:     cancel,
		transcript: make(chat.Transcript, 0, 16),
	}

	s.mu.Lock()
	s.conversations[conv.session.ID] = conv
	s.mu.Unlock()

	log.Info().Str("component", "relay").Str("session_id", conv.session.ID).Msg("session connected")
	return conv.session
}

// Disconnect discards the session's transcript and cancels its in-flight
// completion, if any. Unknown ids are ignored.
func (s *Service) Disconnect(sessionID string) {
	s.mu.Lock()
	conv, ok := s.conversations[sessionID]
	delete(s.conversations, sessionID)
	s.mu.Unlock()

	if !ok {
		return
	}

	conv.mu.Lock()
	conv.closed = true
	turns := len(conv.transcript)
	conv.transcript = nil
	conv.mu.Unlock()
	conv.cancel()

	log.Info().Str("component", "relay").Str("session_id", sessionID).Int("turns", turns).Msg("session disconnected")
}

// HandleMessage runs one message cycle: append the user turn, complete the
// whole transcript, append the model turn and return its text.
//
// Cycles on the same session run one at a time in the order HandleMessage was
// called. On a completion failure the user turn stays and no model turn is
// appended.
func (s *Service) HandleMessage(ctx context.Context, sessionID, text string, onDelta func(string)) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	conv, err := s.lookup(sessionID)
	if err != nil {
		return "", err
	}

	release, err := conv.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	conv.mu.Lock()
	if conv.closed {
		conv.mu.Unlock()
		return "", ErrSessionClosed
	}
	conv.transcript = append(conv.transcript, chat.UserTurn(text))
	snapshot := conv.transcript.Clone()
	conv.mu.Unlock()

	callCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(conv.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	reply, err := s.completer.Complete(callCtx, snapshot, onDelta)
	if err != nil {
		if conv.ctx.Err() != nil {
			return "", ErrSessionClosed
		}
		if ctx.Err() != nil {
			log.Debug().Err(err).Str("component", "relay").Str("session_id", sessionID).Msg("completion abandoned by caller")
			return "", fmt.Errorf("session %s: %w", sessionID, ctx.Err())
		}
		log.Warn().Err(err).Str("component", "relay").Str("session_id", sessionID).Msg("completion failed")
		return "", fmt.Errorf("session %s: %w", sessionID, err)
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.closed {
		log.Debug().Str("component", "relay").Str("session_id", sessionID).Msg("dropping response for closed session")
		return "", ErrSessionClosed
	}
	conv.transcript = append(conv.transcript, chat.ModelTurn(reply))
	return reply, nil
}

// Transcript returns a copy of the session's turns.
func (s *Service) Transcript(_ context.Context, sessionID string) (chat.Transcript, error) {
	conv, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.transcript.Clone(), nil
}

// ActiveSessions reports how many connections currently hold a transcript.
func (s *Service) ActiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

func (s *Service) lookup(sessionID string) (*conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return conv, nil
}

// acquire queues a cycle behind the previously queued one and blocks until it
// may run. The returned func must be called when the cycle ends.
func (c *conversation) acquire(ctx context.Context) (func(), error) {
	c.mu.Lock()
	prev := c.tail
	done := make(chan struct{})
	c.tail = done
	c.mu.Unlock()

	release := func() { close(done) }
	if prev == nil {
		return release, nil
	}

	select {
	case <-prev:
		return release, nil
	default:
	}

	// Giving up must not let the next cycle overtake the one still running.
	handOff := func() {
		go func() {
			<-prev
			close(done)
		}()
	}

	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		handOff()
		return nil, ctx.Err()
	case <-c.ctx.Done():
		handOff()
		return nil, ErrSessionClosed
	}
}
