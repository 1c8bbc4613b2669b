package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
)

type completeFunc func(ctx context.Context, turns []chat.Turn, onDelta func(string)) (string, error)

func (f completeFunc) Complete(ctx context.Context, turns []chat.Turn, onDelta func(string)) (string, error) {
	return f(ctx, turns, onDelta)
}

// recorder echoes the last user turn and remembers every transcript it saw.
type recorder struct {
	mu   sync.Mutex
	seen [][]chat.Turn
}

func (r *recorder) Complete(_ context.Context, turns []chat.Turn, _ func(string)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, turns)
	return "echo: " + turns[len(turns)-1].Text, nil
}

func (r *recorder) calls() [][]chat.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen
}

func TestConnectStartsWithEmptyTranscript(t *testing.T) {
	svc := chatservice.NewService(&recorder{})
	ctx := context.Background()

	session := svc.Connect(ctx)
	require.NotEmpty(t, session.ID)
	assert.False(t, session.CreatedAt.IsZero())

	transcript, err := svc.Transcript(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, transcript)
	assert.Equal(t, 1, svc.ActiveSessions())
}

func TestHandleMessageHelloScenario(t *testing.T) {
	var got []chat.Turn
	svc := chatservice.NewService(completeFunc(func(_ context.Context, turns []chat.Turn, _ func(string)) (string, error) {
		got = turns
		return "Hi there", nil
	}))
	ctx := context.Background()
	session := svc.Connect(ctx)

	reply, err := svc.HandleMessage(ctx, session.ID, "Hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)
	assert.Equal(t, []chat.Turn{chat.UserTurn("Hello")}, got)

	transcript, err := svc.Transcript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.Transcript{
		{Role: chat.RoleUser, Text: "Hello"},
		{Role: chat.RoleModel, Text: "Hi there"},
	}, transcript)
}

func TestHandleMessageAlternatesTurns(t *testing.T) {
	rec := &recorder{}
	svc := chatservice.NewService(rec)
	ctx := context.Background()
	session := svc.Connect(ctx)

	const n = 5
	for i := 0; i < n; i++ {
		_, err := svc.HandleMessage(ctx, session.ID, fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
	}

	transcript, err := svc.Transcript(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2*n)
	for i := 0; i < n; i++ {
		assert.Equal(t, chat.UserTurn(fmt.Sprintf("msg %d", i)), transcript[2*i])
		assert.Equal(t, chat.ModelTurn(fmt.Sprintf("echo: msg %d", i)), transcript[2*i+1])
	}

	// Each completion sees the full history up to and including its user turn.
	calls := rec.calls()
	require.Len(t, calls, n)
	for i, turns := range calls {
		assert.Len(t, turns, 2*i+1)
	}
}

func TestHandleMessageCompletionFailureKeepsUserTurn(t *testing.T) {
	outage := errors.New("provider outage")
	fail := true
	svc := chatservice.NewService(completeFunc(func(_ context.Context, turns []chat.Turn, _ func(string)) (string, error) {
		if fail {
			return "", outage
		}
		return "back online", nil
	}))
	ctx := context.Background()
	session := svc.Connect(ctx)

	_, err := svc.HandleMessage(ctx, session.ID, "are you there?", nil)
	require.ErrorIs(t, err, outage)

	transcript, err := svc.Transcript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.Transcript{chat.UserTurn("are you there?")}, transcript)

	fail = false
	reply, err := svc.HandleMessage(ctx, session.ID, "hello?", nil)
	require.NoError(t, err)
	assert.Equal(t, "back online", reply)

	transcript, err = svc.Transcript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.Transcript{
		chat.UserTurn("are you there?"),
		chat.UserTurn("hello?"),
		chat.ModelTurn("back online"),
	}, transcript)
}

func TestSessionsAreIsolated(t *testing.T) {
	rec := &recorder{}
	svc := chatservice.NewService(rec)
	ctx := context.Background()

	first := svc.Connect(ctx)
	second := svc.Connect(ctx)
	require.NotEqual(t, first.ID, second.ID)

	_, err := svc.HandleMessage(ctx, first.ID, "secret", nil)
	require.NoError(t, err)
	_, err = svc.HandleMessage(ctx, second.ID, "public", nil)
	require.NoError(t, err)

	calls := rec.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []chat.Turn{chat.UserTurn("public")}, calls[1])

	transcript, err := svc.Transcript(ctx, second.ID)
	require.NoError(t, err)
	for _, turn := range transcript {
		assert.NotContains(t, turn.Text, "secret")
	}
}

func TestDisconnectMidCompletionDropsResponse(t *testing.T) {
	started := make(chan struct{})
	svc := chatservice.NewService(completeFunc(func(ctx context.Context, _ []chat.Turn, _ func(string)) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}))
	ctx := context.Background()
	session := svc.Connect(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.HandleMessage(ctx, session.ID, "long question", nil)
		errCh <- err
	}()

	<-started
	svc.Disconnect(session.ID)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, chatservice.ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight completion was not cancelled")
	}

	_, err := svc.Transcript(ctx, session.ID)
	require.ErrorIs(t, err, chatservice.ErrSessionNotFound)

	fresh := svc.Connect(ctx)
	transcript, err := svc.Transcript(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Empty(t, transcript)
}

func TestResponseAfterDisconnectIsDropped(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	svc := chatservice.NewService(completeFunc(func(context.Context, []chat.Turn, func(string)) (string, error) {
		close(started)
		<-release
		// Resolves successfully even though the caller went away.
		return "too late", nil
	}))
	ctx := context.Background()
	session := svc.Connect(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.HandleMessage(ctx, session.ID, "hi", nil)
		errCh <- err
	}()

	<-started
	svc.Disconnect(session.ID)
	close(release)

	require.ErrorIs(t, <-errCh, chatservice.ErrSessionClosed)
	assert.Equal(t, 0, svc.ActiveSessions())
}

func TestHandleMessageSerializesCyclesPerSession(t *testing.T) {
	started := make(chan string, 2)
	releaseA := make(chan struct{})
	var (
		mu   sync.Mutex
		seen = map[string][]chat.Turn{}
	)
	svc := chatservice.NewService(completeFunc(func(_ context.Context, turns []chat.Turn, _ func(string)) (string, error) {
		last := turns[len(turns)-1].Text
		mu.Lock()
		seen[last] = turns
		mu.Unlock()
		started <- last
		if last == "A" {
			<-releaseA
		}
		return "r" + last, nil
	}))
	ctx := context.Background()
	session := svc.Connect(ctx)

	doneA := make(chan error, 1)
	go func() {
		_, err := svc.HandleMessage(ctx, session.ID, "A", nil)
		doneA <- err
	}()
	require.Equal(t, "A", <-started)

	doneB := make(chan error, 1)
	go func() {
		_, err := svc.HandleMessage(ctx, session.ID, "B", nil)
		doneB <- err
	}()

	// B waits for A's cycle; a second in-flight completion would start here.
	select {
	case got := <-started:
		t.Fatalf("completion for %q started while A was in flight", got)
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseA)
	require.NoError(t, <-doneA)
	require.Equal(t, "B", <-started)
	require.NoError(t, <-doneB)

	transcript, err := svc.Transcript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.Transcript{
		chat.UserTurn("A"), chat.ModelTurn("rA"),
		chat.UserTurn("B"), chat.ModelTurn("rB"),
	}, transcript)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []chat.Turn{chat.UserTurn("A"), chat.ModelTurn("rA"), chat.UserTurn("B")}, seen["B"])
}

func TestQueuedCycleCancelledWhileWaiting(t *testing.T) {
	started := make(chan string, 3)
	releaseA := make(chan struct{})
	svc := chatservice.NewService(completeFunc(func(_ context.Context, turns []chat.Turn, _ func(string)) (string, error) {
		last := turns[len(turns)-1].Text
		started <- last
		if last == "A" {
			<-releaseA
		}
		return "r" + last, nil
	}))
	ctx := context.Background()
	session := svc.Connect(ctx)

	doneA := make(chan error, 1)
	go func() {
		_, err := svc.HandleMessage(ctx, session.ID, "A", nil)
		doneA <- err
	}()
	require.Equal(t, "A", <-started)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := svc.HandleMessage(waitCtx, session.ID, "B", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	doneC := make(chan error, 1)
	go func() {
		_, err := svc.HandleMessage(ctx, session.ID, "C", nil)
		doneC <- err
	}()

	// C must still queue behind A even though B gave up.
	select {
	case got := <-started:
		t.Fatalf("completion for %q overtook A", got)
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseA)
	require.NoError(t, <-doneA)
	require.Equal(t, "C", <-started)
	require.NoError(t, <-doneC)

	transcript, err := svc.Transcript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.Transcript{
		chat.UserTurn("A"), chat.ModelTurn("rA"),
		chat.UserTurn("C"), chat.ModelTurn("rC"),
	}, transcript)
}

func TestHandleMessageRejectsEmptyInput(t *testing.T) {
	rec := &recorder{}
	svc := chatservice.NewService(rec)
	ctx := context.Background()
	session := svc.Connect(ctx)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := svc.HandleMessage(ctx, session.ID, text, nil)
		require.ErrorIs(t, err, chatservice.ErrEmptyMessage)
	}

	assert.Empty(t, rec.calls())
	transcript, err := svc.Transcript(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, transcript)
}

func TestHandleMessageForwardsDeltas(t *testing.T) {
	svc := chatservice.NewService(completeFunc(func(_ context.Context, _ []chat.Turn, onDelta func(string)) (string, error) {
		onDelta("Hi")
		onDelta(" there")
		return "Hi there", nil
	}))
	ctx := context.Background()
	session := svc.Connect(ctx)

	var deltas []string
	reply, err := svc.HandleMessage(ctx, session.ID, "Hello", func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)
	assert.Equal(t, []string{"Hi", " there"}, deltas)
}

func TestUnknownSession(t *testing.T) {
	svc := chatservice.NewService(&recorder{})
	ctx := context.Background()

	_, err := svc.HandleMessage(ctx, "missing", "Hello", nil)
	require.ErrorIs(t, err, chatservice.ErrSessionNotFound)

	_, err = svc.Transcript(ctx, "missing")
	require.ErrorIs(t, err, chatservice.ErrSessionNotFound)

	// Disconnecting an unknown or already closed session is a no-op.
	svc.Disconnect("missing")
	session := svc.Connect(ctx)
	svc.Disconnect(session.ID)
	svc.Disconnect(session.ID)
	assert.Equal(t, 0, svc.ActiveSessions())
}

func TestHandleMessageCallerCancelKeepsSessionUsable(t *testing.T) {
	started := make(chan struct{})
	var calls int
	svc := chatservice.NewService(completeFunc(func(ctx context.Context, turns []chat.Turn, _ func(string)) (string, error) {
		calls++
		if calls == 1 {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "back", nil
	}))
	session := svc.Connect(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := svc.HandleMessage(ctx, session.ID, "first", nil)
		errCh <- err
	}()

	<-started
	cancel()
	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, chatservice.ErrSessionClosed)

	reply, err := svc.HandleMessage(context.Background(), session.ID, "second", nil)
	require.NoError(t, err)
	assert.Equal(t, "back", reply)

	transcript, err := svc.Transcript(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.Transcript{
		chat.UserTurn("first"),
		chat.UserTurn("second"), chat.ModelTurn("back"),
	}, transcript)
}
