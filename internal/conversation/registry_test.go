// ABOUTME: Tests for the conversation registry state machine
// ABOUTME: Covers creation, assignment races, release, escalation, close idempotence and restore

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/apperr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(Options{LockTimeout: time.Second})
}

func createConversation(t *testing.T, reg *Registry, phone string) *Conversation {
	t.Helper()
	hi := Text("Hi")
	conv, _, created, err := reg.Create(context.Background(), NewConversation{
		Customer:       Customer{Phone: phone, Name: "Jane"},
		Priority:       PriorityNormal,
		InitialMessage: &hi,
	})
	require.NoError(t, err)
	require.True(t, created)
	return conv
}

func TestCreate_StartsInAutomation(t *testing.T) {
	reg := newTestRegistry(t)
	hi := Text("Hi")

	conv, msg, created, err := reg.Create(context.Background(), NewConversation{
		Customer:       Customer{Phone: "+15551234567", Name: "Jane"},
		InitialMessage: &hi,
	})
	require.NoError(t, err)

	assert.True(t, created)
	assert.Equal(t, StatusAutomation, conv.Status)
	assert.Equal(t, 0, conv.BotAttempts)
	assert.Empty(t, conv.AssignedAgentID)
	assert.Empty(t, conv.StatusHistory)
	assert.Equal(t, "Jane", conv.Customer.Name)
	require.NotNil(t, msg)
	assert.Equal(t, uint64(1), msg.Sequence)
	assert.Equal(t, SenderCustomer, msg.Sender.Kind)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "Hi", conv.LastMessage.Text)
}

func TestCreate_ReturnsExistingOpenConversation(t *testing.T) {
	reg := newTestRegistry(t)
	first := createConversation(t, reg, "+15551234567")

	again := Text("Are you there?")
	conv, msg, created, err := reg.Create(context.Background(), NewConversation{
		Customer:       Customer{Phone: "+15551234567"},
		InitialMessage: &again,
	})
	require.NoError(t, err)

	assert.False(t, created)
	assert.Equal(t, first.ID, conv.ID)
	assert.Equal(t, uint64(2), msg.Sequence)
	assert.Len(t, reg.List(ListFilter{}), 1)
}

func TestCreate_AfterCloseOpensNewConversation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	first := createConversation(t, reg, "+15551234567")

	_, err := reg.Close(ctx, first.ID, "resolved", "agent_1")
	require.NoError(t, err)

	second := createConversation(t, reg, "+15551234567")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreate_ConcurrentSameCustomerYieldsOneConversation(t *testing.T) {
	reg := newTestRegistry(t)
	var wg sync.WaitGroup
	var createdCount atomic.Int32
	ids := make([]string, 20)

	for i := range 20 {
		wg.Go(func() {
			body := Text(fmt.Sprintf("msg %d", i))
			conv, _, created, err := reg.Create(context.Background(), NewConversation{
				Customer:       Customer{Phone: "+15550000001"},
				InitialMessage: &body,
			})
			if err != nil {
				return
			}
			if created {
				createdCount.Add(1)
			}
			ids[i] = conv.ID
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), createdCount.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	conv, err := reg.Get(ids[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(20), conv.LastSequence)
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, _, _, err := reg.Create(ctx, NewConversation{Customer: Customer{Phone: "5551234"}})
	assert.True(t, apperr.IsValidation(err))

	empty := Text("   ")
	_, _, _, err = reg.Create(ctx, NewConversation{
		Customer:       Customer{Phone: "+15551234567"},
		InitialMessage: &empty,
	})
	assert.True(t, apperr.IsValidation(err))
	assert.Empty(t, reg.List(ListFilter{}), "rejected input must not create a conversation")
}

func TestAssign_FromAutomation(t *testing.T) {
	reg := newTestRegistry(t)
	conv := createConversation(t, reg, "+15551234567")

	change, err := reg.Assign(context.Background(), conv.ID, "agent_1")
	require.NoError(t, err)

	assert.True(t, change.Changed())
	assert.Equal(t, StatusInService, change.Conversation.Status)
	assert.Equal(t, "agent_1", change.Conversation.AssignedAgentID)
	assert.NotNil(t, change.Conversation.AssignedAt)
	require.Len(t, change.Conversation.StatusHistory, 1)
	assert.Equal(t, StatusAutomation, change.Entry.From)
	assert.Equal(t, StatusInService, change.Entry.To)

	_, err = reg.Assign(context.Background(), conv.ID, "agent_2")
	assert.True(t, apperr.IsConflict(err))
}

func TestAssign_FromWaiting(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")
	_, err := reg.Escalate(ctx, conv.ID, "bot", "customer asked for a human")
	require.NoError(t, err)

	change, err := reg.Assign(ctx, conv.ID, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, StatusInService, change.Conversation.Status)
	assert.Equal(t, "agent_1", change.Conversation.AssignedAgentID)
}

func TestAssign_ConcurrentCallsHaveExactlyOneWinner(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")
	_, err := reg.Escalate(ctx, conv.ID, "bot", "")
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := range n {
		wg.Go(func() {
			_, err := reg.Assign(ctx, conv.ID, fmt.Sprintf("agent_%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.IsConflict(err):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())

	got, err := reg.Get(conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.StatusHistory, 2)
}

func TestAssign_SameAgentIsNoop(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")

	_, err := reg.Assign(ctx, conv.ID, "agent_1")
	require.NoError(t, err)
	change, err := reg.Assign(ctx, conv.ID, "agent_1")
	require.NoError(t, err)

	assert.False(t, change.Changed())
	assert.Len(t, change.Conversation.StatusHistory, 1)
}

func TestAssignWaiting_RejectsAutomation(t *testing.T) {
	reg := newTestRegistry(t)
	conv := createConversation(t, reg, "+15551234567")

	_, err := reg.AssignWaiting(context.Background(), conv.ID, "agent_1")
	assert.True(t, apperr.IsConflict(err))
}

func TestTakeover_OnlyFromAutomation(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")

	change, err := reg.Takeover(ctx, conv.ID, "agent_9")
	require.NoError(t, err)
	assert.Equal(t, "agent_9", change.Conversation.AssignedAgentID)

	other := createConversation(t, reg, "+15557654321")
	_, err = reg.Escalate(ctx, other.ID, "bot", "")
	require.NoError(t, err)
	_, err = reg.Takeover(ctx, other.ID, "agent_9")
	assert.True(t, apperr.IsConflict(err))
}

func TestRelease_OnlyByAssignee(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")
	_, err := reg.Assign(ctx, conv.ID, "agent_1")
	require.NoError(t, err)

	_, err = reg.ReleaseToAutomation(ctx, conv.ID, "agent_2")
	assert.True(t, apperr.IsConflict(err))

	change, err := reg.ReleaseToAutomation(ctx, conv.ID, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, StatusAutomation, change.Conversation.Status)
	assert.Empty(t, change.Conversation.AssignedAgentID)
	assert.Nil(t, change.Conversation.AssignedAt)

	_, err = reg.ReleaseToAutomation(ctx, conv.ID, "agent_1")
	assert.True(t, apperr.IsConflict(err))
}

func TestClose_IsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")

	first, err := reg.Close(ctx, conv.ID, "resolved", "agent_1")
	require.NoError(t, err)
	second, err := reg.Close(ctx, conv.ID, "resolved", "agent_1")
	require.NoError(t, err)

	assert.True(t, first.Changed())
	assert.False(t, second.Changed())
	assert.Len(t, second.Conversation.StatusHistory, 1)
	assert.Equal(t, StatusClosed, second.Conversation.Status)
	assert.NotNil(t, second.Conversation.ClosedAt)
}

func TestClosed_HasNoOutgoingTransitions(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")
	_, err := reg.Close(ctx, conv.ID, "spam", "agent_1")
	require.NoError(t, err)

	ops := map[string]func() error{
		"assign":   func() error { _, err := reg.Assign(ctx, conv.ID, "a"); return err },
		"takeover": func() error { _, err := reg.Takeover(ctx, conv.ID, "a"); return err },
		"release":  func() error { _, err := reg.ReleaseToAutomation(ctx, conv.ID, "a"); return err },
		"escalate": func() error { _, err := reg.Escalate(ctx, conv.ID, "bot", ""); return err },
		"bot":      func() error { _, err := reg.RecordBotAttempt(ctx, conv.ID); return err },
		"priority": func() error { _, err := reg.SetPriority(ctx, conv.ID, PriorityHigh); return err },
	}
	for name, fn := range ops {
		err := fn()
		assert.True(t, apperr.IsConflict(err), "%s: expected conflict, got %v", name, err)
		assert.True(t, errors.Is(err, ErrConversationClosed), "%s should wrap ErrConversationClosed", name)
	}

	got, err := reg.Get(conv.ID)
	require.NoError(t, err)
	assert.Len(t, got.StatusHistory, 1)
}

func TestCanTransition_Graph(t *testing.T) {
	assert.True(t, CanTransition(StatusAutomation, StatusWaiting))
	assert.True(t, CanTransition(StatusAutomation, StatusInService))
	assert.True(t, CanTransition(StatusWaiting, StatusInService))
	assert.True(t, CanTransition(StatusInService, StatusAutomation))
	for _, s := range []Status{StatusAutomation, StatusWaiting, StatusInService} {
		assert.True(t, CanTransition(s, StatusClosed))
	}
	assert.False(t, CanTransition(StatusWaiting, StatusAutomation))
	assert.False(t, CanTransition(StatusInService, StatusWaiting))
	for _, s := range []Status{StatusAutomation, StatusWaiting, StatusInService, StatusClosed} {
		assert.False(t, CanTransition(StatusClosed, s))
	}
}

func TestRecordBotAttempt_EscalatesAtThreshold(t *testing.T) {
	reg := NewRegistry(Options{Policy: PolicyFromMaxAttempts(2)})
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")

	change, err := reg.RecordBotAttempt(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, change.Changed())
	assert.Equal(t, 1, change.Conversation.BotAttempts)

	change, err = reg.RecordBotAttempt(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, change.Changed())
	assert.Equal(t, StatusWaiting, change.Conversation.Status)
	assert.Equal(t, "bot", change.Entry.Actor)
}

func TestRecordBotAttempt_DisabledPolicyNeverEscalates(t *testing.T) {
	reg := NewRegistry(Options{Policy: PolicyFromMaxAttempts(0)})
	ctx := context.Background()
	conv := createConversation(t, reg, "+15551234567")

	for range 10 {
		change, err := reg.RecordBotAttempt(ctx, conv.ID)
		require.NoError(t, err)
		assert.False(t, change.Changed())
	}
	got, _ := reg.Get(conv.ID)
	assert.Equal(t, StatusAutomation, got.Status)
	assert.Equal(t, 10, got.BotAttempts)
}

func TestMutate_BoundedLockWait(t *testing.T) {
	reg := NewRegistry(Options{LockTimeout: 20 * time.Millisecond})
	conv := createConversation(t, reg, "+15551234567")

	e, ok := reg.entries.Get(conv.ID)
	require.True(t, ok)
	require.NoError(t, e.acquire(context.Background(), "test", time.Second))
	defer e.release()

	_, err := reg.Assign(context.Background(), conv.ID, "agent_1")
	assert.True(t, apperr.IsTimeout(err))

	// Snapshot reads do not wait on the held lock.
	got, err := reg.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutomation, got.Status)
}

func TestGet_UnknownConversation(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get("missing")
	assert.True(t, apperr.IsNotFound(err))
	_, err = reg.Assign(context.Background(), "missing", "agent_1")
	assert.True(t, apperr.IsNotFound(err))
}

func TestSnapshots_AreIsolated(t *testing.T) {
	reg := newTestRegistry(t)
	conv := createConversation(t, reg, "+15551234567")

	conv.Status = StatusClosed
	conv.Metadata["x"] = "y"

	got, err := reg.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAutomation, got.Status)
	assert.NotContains(t, got.Metadata, "x")
}

func TestListAndCounts(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	a := createConversation(t, reg, "+15550000001")
	b := createConversation(t, reg, "+15550000002")
	createConversation(t, reg, "+15550000003")

	_, err := reg.Escalate(ctx, a.ID, "bot", "")
	require.NoError(t, err)
	_, err = reg.Assign(ctx, b.ID, "agent_1")
	require.NoError(t, err)

	waiting := reg.List(ListFilter{Status: StatusWaiting})
	require.Len(t, waiting, 1)
	assert.Equal(t, a.ID, waiting[0].ID)

	mine := reg.List(ListFilter{AgentID: "agent_1"})
	require.Len(t, mine, 1)
	assert.Equal(t, b.ID, mine[0].ID)

	counts := reg.Counts()
	assert.Equal(t, 1, counts[StatusAutomation])
	assert.Equal(t, 1, counts[StatusWaiting])
	assert.Equal(t, 1, counts[StatusInService])
	assert.Equal(t, 0, counts[StatusClosed])
}

func TestRestore_ContinuesSequence(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()
	conv := &Conversation{
		ID:           "conv-restored",
		Customer:     Customer{Phone: "+15551234567", Name: "Jane"},
		Status:       StatusWaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastSequence: 2,
	}
	msgs := []*Message{
		{ID: "m1", ConversationID: conv.ID, Sequence: 1, Sender: Sender{Kind: SenderCustomer}, Content: Text("a")},
		{ID: "m2", ConversationID: conv.ID, Sequence: 2, Sender: Sender{Kind: SenderBot}, Content: Text("b")},
	}
	require.NoError(t, reg.Restore(Restored{Conversation: conv, Messages: msgs}))

	open, ok := reg.FindOpenByCustomer("+15551234567")
	require.True(t, ok)
	assert.Equal(t, conv.ID, open.ID)

	log := NewMessageLog(reg)
	m, err := log.Append(context.Background(), conv.ID, Draft{Sender: Sender{Kind: SenderCustomer}, Content: Text("c")})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Sequence)
}

func TestRestore_RejectsGaps(t *testing.T) {
	reg := newTestRegistry(t)
	conv := &Conversation{ID: "c", Customer: Customer{Phone: "+15551234567"}, Status: StatusAutomation}
	msgs := []*Message{
		{Sequence: 1, Content: Text("a")},
		{Sequence: 3, Content: Text("c")},
	}
	err := reg.Restore(Restored{Conversation: conv, Messages: msgs})
	assert.True(t, apperr.IsValidation(err))
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) StatusChanged(ch *Change) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf("status:%s", ch.Entry.To))
}

func (o *recordingObserver) MessageAppended(msg *Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, fmt.Sprintf("message:%d", msg.Sequence))
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func TestObserver_SeesCommitsInOrder(t *testing.T) {
	obs := &recordingObserver{}
	reg := NewRegistry(Options{LockTimeout: time.Second, Observer: obs})
	log := NewMessageLog(reg)
	ctx := context.Background()

	conv := createConversation(t, reg, "+15550001111")
	_, err := reg.Escalate(ctx, conv.ID, "bot", "")
	require.NoError(t, err)
	_, err = reg.Escalate(ctx, conv.ID, "bot", "")
	require.NoError(t, err, "second escalate is a no-op")
	_, err = reg.Assign(ctx, conv.ID, "agent-1")
	require.NoError(t, err)
	_, err = log.Append(ctx, conv.ID, Draft{Sender: Sender{Kind: SenderAgent, ID: "agent-1"}, Content: Text("hello")})
	require.NoError(t, err)
	_, err = reg.SetPriority(ctx, conv.ID, PriorityHigh)
	require.NoError(t, err)
	_, err = reg.Close(ctx, conv.ID, "done", "agent-1")
	require.NoError(t, err)
	_, err = reg.Close(ctx, conv.ID, "done", "agent-1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"message:1",
		"status:WAITING",
		"status:IN_SERVICE",
		"message:2",
		"status:CLOSED",
	}, obs.snapshot())
}

func TestObserver_ConcurrentAppendsArriveInSequenceOrder(t *testing.T) {
	obs := &recordingObserver{}
	reg := NewRegistry(Options{LockTimeout: 5 * time.Second, Observer: obs})
	log := NewMessageLog(reg)
	conv := createConversation(t, reg, "+15550002222")

	var wg sync.WaitGroup
	for range 40 {
		wg.Go(func() {
			_, err := log.Append(context.Background(), conv.ID, Draft{Sender: Sender{Kind: SenderCustomer}, Content: Text("x")})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	events := obs.snapshot()
	require.Len(t, events, 41)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("message:%d", i+1), ev)
	}
}
