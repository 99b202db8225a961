package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"interview-agent/internal/domain"
	"interview-agent/internal/forms"
	"interview-agent/internal/identity"
	"interview-agent/internal/repository"
)

// IdentityResolver maps ambient request material to exactly one identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, rc identity.RequestContext, formID string) (domain.Identity, error)
}

// FormProvider is the read-only form definition collaborator.
type FormProvider interface {
	GetForm(ctx context.Context, formID string) (domain.Form, error)
}

// ConversationStore is the turn ledger and conversation state consumed by
// the lifecycle manager. Multi-step mutations are exposed as single
// transactional operations so a failure rolls back every step.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	FindConversationID(ctx context.Context, formID, identityKey string) (string, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error)
	InsertTurnIfAbsent(ctx context.Context, turn domain.Turn) (domain.Turn, bool, error)
	AnswerAndContinue(ctx context.Context, conv domain.Conversation, turnIndex int, value domain.AnswerValue, next domain.Turn) error
	AnswerAndComplete(ctx context.Context, conv domain.Conversation, turnIndex int, value domain.AnswerValue, reason string) error
	CompleteConversation(ctx context.Context, conv domain.Conversation, reason string) error
	RewindToPrevious(ctx context.Context, conv domain.Conversation, activeIndex int, newMeta map[string]string) error
	ReopenLast(ctx context.Context, conv domain.Conversation, index int, newMeta map[string]string) error
	ResetConversation(ctx context.Context, conv domain.Conversation, deleteIndexes []int, seed domain.Turn) error
}

// SummarizeEnqueuer schedules best-effort post-completion summarization.
// Nil disables the trigger; failures are logged and swallowed, never
// surfaced into the transactional outcome of answer/complete.
type SummarizeEnqueuer interface {
	EnqueueSummarization(ctx context.Context, conversationID, formID, reason string) error
}

// Service is the conversation lifecycle manager: it orchestrates identity
// resolution, the turn ledger, the stopping policy, the generation
// collaborator, and rewind into the public engine operations.
type Service struct {
	resolver IdentityResolver
	forms    FormProvider
	store    ConversationStore
	llm      LLMClient
	queue    SummarizeEnqueuer
	logger   *slog.Logger
}

// NewService creates the lifecycle manager. queue may be nil to disable the
// summarization trigger; logger nil falls back to slog.Default().
func NewService(resolver IdentityResolver, fp FormProvider, store ConversationStore, llm LLMClient, queue SummarizeEnqueuer, logger *slog.Logger) (*Service, error) {
	if resolver == nil {
		return nil, errors.New("usecase: identity resolver must not be nil")
	}
	if fp == nil {
		return nil, errors.New("usecase: form provider must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{resolver: resolver, forms: fp, store: store, llm: llm, queue: queue, logger: logger}, nil
}

type StartInput struct {
	FormID  string
	Request identity.RequestContext
}

type StartOutput struct {
	Conversation domain.Conversation
	Turns        []domain.Turn
}

// Start resolves identity, authorizes against the form, finds or creates the
// caller's conversation, and ensures turn 0 exists from the form's seed
// question. Concurrent starts for the same (form, identity) converge on one
// conversation and one seed turn.
func (s *Service) Start(ctx context.Context, in StartInput) (StartOutput, error) {
	form, err := s.getForm(ctx, in.FormID)
	if err != nil {
		return StartOutput{}, err
	}
	id, err := s.resolve(ctx, in.Request, form.ID)
	if err != nil {
		return StartOutput{}, err
	}
	if !form.Published && !isOwner(id, form) {
		return StartOutput{}, newError(ErrorForbidden, "form_not_published", nil)
	}

	conv, err := s.findOrCreateConversation(ctx, form, id)
	if err != nil {
		return StartOutput{}, err
	}

	seed := form.Seed
	if seed.ID == "" {
		seed.ID = newUUID()
	}
	if _, _, err := s.store.InsertTurnIfAbsent(ctx, domain.Turn{
		ConversationID: conv.ID,
		Index:          0,
		Question:       seed,
		Status:         domain.TurnAwaitingAnswer,
	}); err != nil {
		return StartOutput{}, newError(ErrorInternal, "seed_turn_write_error", err)
	}

	turns, err := s.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return StartOutput{}, newError(ErrorInternal, "ledger_read_error", err)
	}
	return StartOutput{Conversation: conv, Turns: turns}, nil
}

func (s *Service) findOrCreateConversation(ctx context.Context, form domain.Form, id domain.Identity) (domain.Conversation, error) {
	convID, err := s.store.FindConversationID(ctx, form.ID, id.Key())
	if errors.Is(err, repository.ErrNotFound) {
		conv := domain.Conversation{
			ID:        newUUID(),
			FormID:    form.ID,
			UserID:    id.UserID,
			InviteID:  id.InviteID,
			Status:    domain.ConversationActive,
			StartedAt: time.Now().UTC(),
			Meta:      map[string]string{},
		}
		createErr := s.store.CreateConversation(ctx, conv)
		if createErr == nil {
			return conv, nil
		}
		if !errors.Is(createErr, repository.ErrConditionFailed) {
			return domain.Conversation{}, newError(ErrorInternal, "conversation_write_error", createErr)
		}
		// Lost the creation race; the winner's row is authoritative.
		convID, err = s.store.FindConversationID(ctx, form.ID, id.Key())
	}
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_lookup_error", err)
	}
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return domain.Conversation{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	return conv, nil
}

type AnswerInput struct {
	ConversationID string
	TurnIndex      int
	Value          domain.AnswerValue
	Request        identity.RequestContext
}

type AnswerOutput struct {
	Completed bool
	Reason    string
	NextTurn  *domain.Turn
}

// Answer marks the active turn answered, evaluates the stopping policy, and
// either completes the conversation or persists the generated next turn.
// All writes land in one storage transaction issued only after the
// generation call succeeds, so generator or validation failures leave the
// turn awaiting_answer and the identical call can be retried safely.
func (s *Service) Answer(ctx context.Context, in AnswerInput) (AnswerOutput, error) {
	conv, form, _, err := s.loadParticipant(ctx, in.Request, in.ConversationID)
	if err != nil {
		return AnswerOutput{}, err
	}
	if conv.Status != domain.ConversationActive {
		return AnswerOutput{}, newError(ErrorConversationNotActive, "conversation_completed", nil)
	}

	turns, err := s.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return AnswerOutput{}, newError(ErrorInternal, "ledger_read_error", err)
	}
	target := turnAt(turns, in.TurnIndex)
	if target == nil {
		return AnswerOutput{}, newError(ErrorNotFound, "turn_not_found", nil)
	}
	if target.Status != domain.TurnAwaitingAnswer {
		return AnswerOutput{}, newError(ErrorTurnAlreadyAnswered, "turn_already_answered", nil)
	}
	if err := in.Value.ValidateFor(target.Question); err != nil {
		return AnswerOutput{}, newError(ErrorValidationFailed, "invalid_answer", err)
	}

	value := in.Value
	value.AnsweredAt = time.Now().UTC()
	nextIndex := in.TurnIndex + 1

	if decideStop(nextIndex, form.Policy) == decisionStopHard {
		if err := s.store.AnswerAndComplete(ctx, conv, in.TurnIndex, value, domain.ReasonHardLimit); err != nil {
			return AnswerOutput{}, mapAnswerWriteErr(err)
		}
		s.notifyCompleted(ctx, conv.ID, form.ID, domain.ReasonHardLimit)
		return AnswerOutput{Completed: true, Reason: domain.ReasonHardLimit}, nil
	}

	generated, err := s.generateNext(ctx, form, appendAnswered(turns, in.TurnIndex, value), nextIndex)
	if err != nil {
		return AnswerOutput{}, err
	}

	if generated.endReason != "" {
		if err := s.store.AnswerAndComplete(ctx, conv, in.TurnIndex, value, generated.endReason); err != nil {
			return AnswerOutput{}, mapAnswerWriteErr(err)
		}
		s.notifyCompleted(ctx, conv.ID, form.ID, generated.endReason)
		return AnswerOutput{Completed: true, Reason: generated.endReason}, nil
	}

	next := domain.Turn{
		ConversationID: conv.ID,
		Index:          nextIndex,
		Question:       *generated.question,
		Status:         domain.TurnAwaitingAnswer,
	}
	if err := s.store.AnswerAndContinue(ctx, conv, in.TurnIndex, value, next); err != nil {
		return AnswerOutput{}, mapAnswerWriteErr(err)
	}
	return AnswerOutput{NextTurn: &next}, nil
}

type CompleteInput struct {
	ConversationID string
	Request        identity.RequestContext
}

type CompleteOutput struct {
	Conversation domain.Conversation
}

// Complete is the participant's explicit early termination. Idempotent:
// completing an already-completed conversation is a no-op success.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (CompleteOutput, error) {
	conv, form, _, err := s.loadParticipant(ctx, in.Request, in.ConversationID)
	if err != nil {
		return CompleteOutput{}, err
	}
	if conv.Status == domain.ConversationCompleted {
		return CompleteOutput{Conversation: conv}, nil
	}

	err = s.store.CompleteConversation(ctx, conv, domain.ReasonRespondentCompleted)
	if err != nil && !errors.Is(err, repository.ErrConditionFailed) {
		return CompleteOutput{}, newError(ErrorInternal, "conversation_write_error", err)
	}
	// A lost race means someone else completed it first; still a success.
	updated, readErr := s.store.GetConversation(ctx, conv.ID)
	if readErr != nil {
		return CompleteOutput{}, newError(ErrorInternal, "conversation_read_error", readErr)
	}
	if err == nil {
		s.notifyCompleted(ctx, conv.ID, form.ID, domain.ReasonRespondentCompleted)
	}
	return CompleteOutput{Conversation: updated}, nil
}

type ListTurnsInput struct {
	ConversationID string
	Request        identity.RequestContext
}

type ListTurnsOutput struct {
	Conversation domain.Conversation
	Turns        []domain.Turn
	// RewindsRemaining is set for non-owner callers so a UI can disable the
	// rewind control; owners are unbudgeted and get nil.
	RewindsRemaining *int
}

// ListTurns returns the ordered ledger for participants and the form owner.
func (s *Service) ListTurns(ctx context.Context, in ListTurnsInput) (ListTurnsOutput, error) {
	conv, form, id, err := s.loadAccessor(ctx, in.Request, in.ConversationID)
	if err != nil {
		return ListTurnsOutput{}, err
	}
	turns, err := s.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return ListTurnsOutput{}, newError(ErrorInternal, "ledger_read_error", err)
	}
	out := ListTurnsOutput{Conversation: conv, Turns: turns}
	if !isOwner(id, form) {
		remaining := form.Policy.RewindLimit - rewindsUsed(conv)
		if remaining < 0 {
			remaining = 0
		}
		out.RewindsRemaining = &remaining
	}
	return out, nil
}

type ResetInput struct {
	ConversationID string
	Request        identity.RequestContext
}

type ResetOutput struct {
	Turn domain.Turn
}

// Reset is owner-only: it deletes all turns past the seed, recreates turn 0
// from the form's current seed question, and clears metadata and completion
// state, restoring the conversation to a fresh active session.
func (s *Service) Reset(ctx context.Context, in ResetInput) (ResetOutput, error) {
	conv, form, err := s.loadOwner(ctx, in.Request, in.ConversationID)
	if err != nil {
		return ResetOutput{}, err
	}

	turns, err := s.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return ResetOutput{}, newError(ErrorInternal, "ledger_read_error", err)
	}
	deleteIndexes := make([]int, 0, len(turns))
	for _, t := range turns {
		deleteIndexes = append(deleteIndexes, t.Index)
	}

	seedQuestion := form.Seed
	if seedQuestion.ID == "" {
		seedQuestion.ID = newUUID()
	}
	seed := domain.Turn{
		ConversationID: conv.ID,
		Index:          0,
		Question:       seedQuestion,
		Status:         domain.TurnAwaitingAnswer,
	}
	if err := s.store.ResetConversation(ctx, conv, deleteIndexes, seed); err != nil {
		return ResetOutput{}, newError(ErrorInternal, "conversation_write_error", err)
	}
	return ResetOutput{Turn: seed}, nil
}

// --- shared authorization and lookup helpers ---

func (s *Service) getForm(ctx context.Context, formID string) (domain.Form, error) {
	form, err := s.forms.GetForm(ctx, formID)
	if errors.Is(err, forms.ErrNotFound) {
		return domain.Form{}, newError(ErrorNotFound, "form_not_found", err)
	}
	if err != nil {
		return domain.Form{}, newError(ErrorInternal, "form_provider_error", err)
	}
	return form, nil
}

func (s *Service) resolve(ctx context.Context, rc identity.RequestContext, formID string) (domain.Identity, error) {
	id, err := s.resolver.Resolve(ctx, rc, formID)
	switch {
	case err == nil:
		if verr := id.Validate(); verr != nil {
			return domain.Identity{}, newError(ErrorInternal, "identity_error", verr)
		}
		return id, nil
	case errors.Is(err, identity.ErrNoIdentity):
		return domain.Identity{}, newError(ErrorUnauthenticated, "missing_identity", err)
	case errors.Is(err, identity.ErrInvalidToken):
		return domain.Identity{}, newError(ErrorUnauthenticated, "invalid_invite_token", err)
	case errors.Is(err, identity.ErrFormMismatch):
		return domain.Identity{}, newError(ErrorForbidden, "invite_form_mismatch", err)
	default:
		return domain.Identity{}, newError(ErrorInternal, "identity_error", err)
	}
}

// loadAccessor resolves the caller and loads the conversation and form,
// requiring the caller to be the bound participant or the form owner.
func (s *Service) loadAccessor(ctx context.Context, rc identity.RequestContext, conversationID string) (domain.Conversation, domain.Form, domain.Identity, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Conversation{}, domain.Form{}, domain.Identity{}, newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return domain.Conversation{}, domain.Form{}, domain.Identity{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	form, err := s.getForm(ctx, conv.FormID)
	if err != nil {
		return domain.Conversation{}, domain.Form{}, domain.Identity{}, err
	}
	id, err := s.resolve(ctx, rc, conv.FormID)
	if err != nil {
		return domain.Conversation{}, domain.Form{}, domain.Identity{}, err
	}
	if id.Key() != conv.Identity().Key() && !isOwner(id, form) {
		return domain.Conversation{}, domain.Form{}, domain.Identity{}, newError(ErrorForbidden, "not_participant", nil)
	}
	return conv, form, id, nil
}

// loadParticipant is loadAccessor restricted to the conversation's bound
// identity: owners may not act as participants in sessions they do not own.
func (s *Service) loadParticipant(ctx context.Context, rc identity.RequestContext, conversationID string) (domain.Conversation, domain.Form, domain.Identity, error) {
	conv, form, id, err := s.loadAccessor(ctx, rc, conversationID)
	if err != nil {
		return domain.Conversation{}, domain.Form{}, domain.Identity{}, err
	}
	if id.Key() != conv.Identity().Key() {
		return domain.Conversation{}, domain.Form{}, domain.Identity{}, newError(ErrorForbidden, "not_participant", nil)
	}
	return conv, form, id, nil
}

// loadOwner resolves the caller and requires form ownership.
func (s *Service) loadOwner(ctx context.Context, rc identity.RequestContext, conversationID string) (domain.Conversation, domain.Form, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Conversation{}, domain.Form{}, newError(ErrorNotFound, "conversation_not_found", err)
	}
	if err != nil {
		return domain.Conversation{}, domain.Form{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	form, err := s.getForm(ctx, conv.FormID)
	if err != nil {
		return domain.Conversation{}, domain.Form{}, err
	}
	id, err := s.resolve(ctx, rc, conv.FormID)
	if err != nil {
		return domain.Conversation{}, domain.Form{}, err
	}
	if !isOwner(id, form) {
		return domain.Conversation{}, domain.Form{}, newError(ErrorForbidden, "not_owner", nil)
	}
	return conv, form, nil
}

func isOwner(id domain.Identity, form domain.Form) bool {
	return id.IsUser() && id.UserID == form.OwnerID
}

func turnAt(turns []domain.Turn, index int) *domain.Turn {
	for i := range turns {
		if turns[i].Index == index {
			return &turns[i]
		}
	}
	return nil
}

// appendAnswered returns a copy of turns with the answered value applied to
// the given index, so prompt history includes the answer that is being
// committed in the same transaction.
func appendAnswered(turns []domain.Turn, index int, value domain.AnswerValue) []domain.Turn {
	out := make([]domain.Turn, len(turns))
	copy(out, turns)
	for i := range out {
		if out[i].Index == index {
			v := value
			out[i].Answer = &v
			out[i].Status = domain.TurnAnswered
		}
	}
	return out
}

// mapAnswerWriteErr classifies a failed answer transaction: a lost
// conditional write means another request answered the turn (or completed
// the conversation) first, which callers treat as "already answered", not a
// destructive failure. The ledger is untouched either way.
func mapAnswerWriteErr(err error) error {
	if errors.Is(err, repository.ErrConditionFailed) {
		return newError(ErrorTurnAlreadyAnswered, "turn_already_answered", err)
	}
	return newError(ErrorInternal, "ledger_write_error", err)
}

// notifyCompleted fires the best-effort summarization trigger. Failures are
// logged and swallowed: the completion transaction already committed and
// its outcome must not depend on this.
func (s *Service) notifyCompleted(ctx context.Context, conversationID, formID, reason string) {
	if s.queue == nil {
		return
	}
	if err := s.queue.EnqueueSummarization(ctx, conversationID, formID, reason); err != nil {
		s.logger.WarnContext(ctx, "summarization enqueue failed",
			"conversationId", conversationID, "formId", formID, "err", err)
	}
}

func rewindsUsed(conv domain.Conversation) int {
	n, err := parseCounter(conv.Meta[domain.MetaRewindsUsed])
	if err != nil {
		return 0
	}
	return n
}

var newUUID = func() string {
	return uuid.NewString()
}
