package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"interview-agent/internal/domain"
	"interview-agent/internal/forms"
	"interview-agent/internal/identity"
	"interview-agent/internal/repository"
)

// memStore is an in-memory ConversationStore with the same conditional-write
// semantics as the DynamoDB repository: every guarded write re-checks the
// stored state and fails with repository.ErrConditionFailed when the guard
// no longer holds.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	bindings map[string]string
	turns    map[string]map[int]domain.Turn

	// test hooks, run while holding the lock, before the guarded write is
	// evaluated; used to simulate concurrent writers.
	onCreate      func(s *memStore)
	beforeAnswer  func(s *memStore)
	beforeRewind  func(s *memStore)
	listTurnsErr  error
	createCalls   int
	answerTxCalls int
}

func newMemStore() *memStore {
	return &memStore{
		convs:    map[string]domain.Conversation{},
		bindings: map[string]string{},
		turns:    map[string]map[int]domain.Turn{},
	}
}

func bindingKey(formID, identityKey string) string {
	return formID + "|" + identityKey
}

func condFailed(op string) error {
	return fmt.Errorf("memstore: %s: %w", op, repository.ErrConditionFailed)
}

func notFound(op string) error {
	return fmt.Errorf("memstore: %s: %w", op, repository.ErrNotFound)
}

func metaEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (s *memStore) CreateConversation(_ context.Context, conv domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.onCreate != nil {
		hook := s.onCreate
		s.onCreate = nil
		hook(s)
	}
	key := bindingKey(conv.FormID, conv.Identity().Key())
	if _, exists := s.bindings[key]; exists {
		return condFailed("CreateConversation")
	}
	if _, exists := s.convs[conv.ID]; exists {
		return condFailed("CreateConversation")
	}
	s.bindings[key] = conv.ID
	s.convs[conv.ID] = cloneConv(conv)
	s.turns[conv.ID] = map[int]domain.Turn{}
	return nil
}

func (s *memStore) FindConversationID(_ context.Context, formID, identityKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bindings[bindingKey(formID, identityKey)]
	if !ok {
		return "", notFound("FindConversationID")
	}
	return id, nil
}

func (s *memStore) GetConversation(_ context.Context, conversationID string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return domain.Conversation{}, notFound("GetConversation")
	}
	return cloneConv(conv), nil
}

func (s *memStore) ListTurns(_ context.Context, conversationID string) ([]domain.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listTurnsErr != nil {
		return nil, s.listTurnsErr
	}
	return s.sortedTurns(conversationID), nil
}

func (s *memStore) sortedTurns(conversationID string) []domain.Turn {
	byIndex := s.turns[conversationID]
	out := make([]domain.Turn, 0, len(byIndex))
	for _, t := range byIndex {
		out = append(out, cloneTurn(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *memStore) InsertTurnIfAbsent(_ context.Context, turn domain.Turn) (domain.Turn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.turns[turn.ConversationID]
	if !ok {
		byIndex = map[int]domain.Turn{}
		s.turns[turn.ConversationID] = byIndex
	}
	if existing, ok := byIndex[turn.Index]; ok {
		return cloneTurn(existing), false, nil
	}
	byIndex[turn.Index] = cloneTurn(turn)
	return turn, true, nil
}

func (s *memStore) AnswerAndContinue(_ context.Context, conv domain.Conversation, turnIndex int, value domain.AnswerValue, next domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerTxCalls++
	if s.beforeAnswer != nil {
		hook := s.beforeAnswer
		s.beforeAnswer = nil
		hook(s)
	}
	if err := s.markAnsweredLocked(conv.ID, turnIndex, value, "AnswerAndContinue"); err != nil {
		return err
	}
	byIndex := s.turns[conv.ID]
	if _, exists := byIndex[next.Index]; exists {
		return condFailed("AnswerAndContinue insert")
	}
	s.applyAnswerLocked(conv.ID, turnIndex, value)
	byIndex[next.Index] = cloneTurn(next)
	return nil
}

func (s *memStore) AnswerAndComplete(_ context.Context, conv domain.Conversation, turnIndex int, value domain.AnswerValue, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answerTxCalls++
	if s.beforeAnswer != nil {
		hook := s.beforeAnswer
		s.beforeAnswer = nil
		hook(s)
	}
	if err := s.markAnsweredLocked(conv.ID, turnIndex, value, "AnswerAndComplete"); err != nil {
		return err
	}
	stored := s.convs[conv.ID]
	if stored.Status != domain.ConversationActive {
		return condFailed("AnswerAndComplete conversation")
	}
	s.applyAnswerLocked(conv.ID, turnIndex, value)
	s.completeLocked(conv.ID, reason)
	return nil
}

func (s *memStore) markAnsweredLocked(conversationID string, turnIndex int, _ domain.AnswerValue, op string) error {
	stored, ok := s.convs[conversationID]
	if !ok || stored.Status != domain.ConversationActive {
		return condFailed(op + " conversation")
	}
	turn, ok := s.turns[conversationID][turnIndex]
	if !ok || turn.Status != domain.TurnAwaitingAnswer {
		return condFailed(op + " turn")
	}
	return nil
}

func (s *memStore) applyAnswerLocked(conversationID string, turnIndex int, value domain.AnswerValue) {
	turn := s.turns[conversationID][turnIndex]
	v := value
	turn.Answer = &v
	turn.Status = domain.TurnAnswered
	s.turns[conversationID][turnIndex] = turn
}

func (s *memStore) completeLocked(conversationID, reason string) {
	stored := s.convs[conversationID]
	stored.Status = domain.ConversationCompleted
	now := time.Now().UTC()
	stored.CompletedAt = &now
	meta := copyMeta(stored.Meta)
	meta[domain.MetaCompletedReason] = reason
	stored.Meta = meta
	s.convs[conversationID] = stored
}

func (s *memStore) CompleteConversation(_ context.Context, conv domain.Conversation, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.convs[conv.ID]
	if !ok || stored.Status != domain.ConversationActive {
		return condFailed("CompleteConversation")
	}
	s.completeLocked(conv.ID, reason)
	return nil
}

func (s *memStore) RewindToPrevious(_ context.Context, conv domain.Conversation, activeIndex int, newMeta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeRewind != nil {
		hook := s.beforeRewind
		s.beforeRewind = nil
		hook(s)
	}
	stored, ok := s.convs[conv.ID]
	if !ok || !metaEqual(stored.Meta, conv.Meta) {
		return condFailed("RewindToPrevious meta")
	}
	byIndex := s.turns[conv.ID]
	active, ok := byIndex[activeIndex]
	if !ok || active.Status != domain.TurnAwaitingAnswer {
		return condFailed("RewindToPrevious delete")
	}
	prev, ok := byIndex[activeIndex-1]
	if !ok || prev.Status != domain.TurnAnswered {
		return condFailed("RewindToPrevious reopen")
	}
	delete(byIndex, activeIndex)
	prev.Status = domain.TurnAwaitingAnswer
	prev.Answer = nil
	byIndex[activeIndex-1] = prev
	s.reactivateLocked(conv.ID, newMeta)
	return nil
}

func (s *memStore) ReopenLast(_ context.Context, conv domain.Conversation, index int, newMeta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.convs[conv.ID]
	if !ok || !metaEqual(stored.Meta, conv.Meta) {
		return condFailed("ReopenLast meta")
	}
	turn, ok := s.turns[conv.ID][index]
	if !ok || turn.Status != domain.TurnAnswered {
		return condFailed("ReopenLast reopen")
	}
	turn.Status = domain.TurnAwaitingAnswer
	turn.Answer = nil
	s.turns[conv.ID][index] = turn
	s.reactivateLocked(conv.ID, newMeta)
	return nil
}

func (s *memStore) reactivateLocked(conversationID string, newMeta map[string]string) {
	stored := s.convs[conversationID]
	stored.Status = domain.ConversationActive
	stored.CompletedAt = nil
	stored.Meta = copyMeta(newMeta)
	s.convs[conversationID] = stored
}

func (s *memStore) ResetConversation(_ context.Context, conv domain.Conversation, deleteIndexes []int, seed domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byIndex, ok := s.turns[conv.ID]
	if !ok {
		return notFound("ResetConversation")
	}
	for _, index := range deleteIndexes {
		if index != 0 {
			delete(byIndex, index)
		}
	}
	byIndex[0] = cloneTurn(seed)
	s.reactivateLocked(conv.ID, map[string]string{})
	return nil
}

func cloneConv(c domain.Conversation) domain.Conversation {
	out := c
	out.Meta = copyMeta(c.Meta)
	if c.CompletedAt != nil {
		ts := *c.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

func cloneTurn(t domain.Turn) domain.Turn {
	out := t
	if t.Answer != nil {
		v := *t.Answer
		out.Answer = &v
	}
	return out
}

// --- collaborator fakes ---

type fakeResolver struct {
	invites map[string]string // token -> invite id
}

func (r *fakeResolver) Resolve(_ context.Context, rc identity.RequestContext, _ string) (domain.Identity, error) {
	if rc.UserID != "" {
		return domain.Identity{UserID: rc.UserID}, nil
	}
	if rc.InviteToken != "" {
		id, ok := r.invites[rc.InviteToken]
		if !ok {
			return domain.Identity{}, identity.ErrInvalidToken
		}
		return domain.Identity{InviteID: id}, nil
	}
	return domain.Identity{}, identity.ErrNoIdentity
}

// bothIdentitiesResolver violates the exactly-one-identity contract.
type bothIdentitiesResolver struct{}

func (bothIdentitiesResolver) Resolve(_ context.Context, _ identity.RequestContext, _ string) (domain.Identity, error) {
	return domain.Identity{UserID: "u1", InviteID: "i1"}, nil
}

type fakeForms struct {
	forms map[string]domain.Form
	err   error
}

func (f *fakeForms) GetForm(_ context.Context, formID string) (domain.Form, error) {
	if f.err != nil {
		return domain.Form{}, f.err
	}
	form, ok := f.forms[formID]
	if !ok {
		return domain.Form{}, fmt.Errorf("fake: %w", forms.ErrNotFound)
	}
	return form, nil
}

type chatResponse struct {
	raw string
	err error
}

type fakeLLM struct {
	responses []chatResponse
	callCount int
	captured  [][]domain.ChatMessage
}

func (m *fakeLLM) Chat(_ context.Context, _ string, messages []domain.ChatMessage) (string, error) {
	m.captured = append(m.captured, messages)
	if len(m.responses) == 0 {
		return "", errors.New("no llm response configured")
	}
	idx := m.callCount
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.callCount++
	return m.responses[idx].raw, m.responses[idx].err
}

type queueCall struct {
	conversationID string
	formID         string
	reason         string
}

type fakeQueue struct {
	calls []queueCall
	err   error
}

func (q *fakeQueue) EnqueueSummarization(_ context.Context, conversationID, formID, reason string) error {
	q.calls = append(q.calls, queueCall{conversationID: conversationID, formID: formID, reason: reason})
	return q.err
}

// --- wiring helpers ---

func stepAsk(label string) string {
	return fmt.Sprintf(`{"action":"ask","question":{"id":"","kind":"short_text","label":%q,"required":false,"options":[],"min":0,"max":0},"end_reason":""}`, label)
}

func stepEnd(reason string) string {
	return fmt.Sprintf(`{"action":"end","question":null,"end_reason":%q}`, reason)
}

func defaultForm() domain.Form {
	return domain.Form{
		ID:        "form-1",
		OwnerID:   "owner-1",
		Published: true,
		Goal:      "Understand how the candidate approaches debugging",
		Model:     "gpt-4o-mini",
		Seed:      domain.Question{ID: "q-seed", Kind: domain.KindShortText, Label: "Q0", Required: true},
		Policy:    domain.StoppingPolicy{MaxQuestions: 5, RewindLimit: 2},
	}
}

type testEnv struct {
	store *memStore
	llm   *fakeLLM
	forms *fakeForms
	queue *fakeQueue
	svc   *Service
}

func newTestEnv(t *testing.T, form domain.Form) *testEnv {
	t.Helper()
	env := &testEnv{
		store: newMemStore(),
		llm:   &fakeLLM{},
		forms: &fakeForms{forms: map[string]domain.Form{form.ID: form}},
		queue: &fakeQueue{},
	}
	resolver := &fakeResolver{invites: map[string]string{"tok-bob": "bob"}}
	svc, err := NewService(resolver, env.forms, env.store, env.llm, env.queue, nil)
	require.NoError(t, err)
	env.svc = svc
	return env
}

func userReq(userID string) identity.RequestContext {
	return identity.RequestContext{UserID: userID}
}

func inviteReq() identity.RequestContext {
	return identity.RequestContext{InviteToken: "tok-bob"}
}

func expectEngineError(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	require.Equal(t, code, engineErr.Code)
	require.Equal(t, reason, engineErr.Reason)
}

func textAnswer(text string) domain.AnswerValue {
	return domain.AnswerValue{Text: text}
}
