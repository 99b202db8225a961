package usecase

import (
	"context"
	"errors"
	"strconv"

	"interview-agent/internal/domain"
	"interview-agent/internal/identity"
	"interview-agent/internal/repository"
)

type RewindInput struct {
	ConversationID string
	Request        identity.RequestContext
}

type RewindOutput struct {
	// ReopenedTurn is the turn now awaiting a fresh answer.
	ReopenedTurn domain.Turn
	// PriorAnswer is the answer the reopened turn had, returned so the
	// caller can pre-fill it.
	PriorAnswer *domain.AnswerValue
	// RewindsRemaining is set on the respondent path.
	RewindsRemaining *int
}

// RewindOwner undoes the most recent step on behalf of the form owner.
// Unrestricted: owners may rewind any number of times, all the way back to
// turn 0's answer.
func (s *Service) RewindOwner(ctx context.Context, in RewindInput) (RewindOutput, error) {
	conv, _, err := s.loadOwner(ctx, in.Request, in.ConversationID)
	if err != nil {
		return RewindOutput{}, err
	}
	newMeta := copyMeta(conv.Meta)
	return s.rewind(ctx, conv, newMeta, nil)
}

// RewindRespondent is the budgeted respondent path: identical mechanics,
// gated on the form's rewind budget, with the usage counter persisted
// atomically with the turn mutation. Owners must use RewindOwner.
func (s *Service) RewindRespondent(ctx context.Context, in RewindInput) (RewindOutput, error) {
	conv, form, id, err := s.loadParticipant(ctx, in.Request, in.ConversationID)
	if err != nil {
		return RewindOutput{}, err
	}
	if isOwner(id, form) {
		return RewindOutput{}, newError(ErrorOwnerMustUseOwnerRewind, "owner_on_respondent_path", nil)
	}
	if form.Policy.RewindLimit <= 0 {
		return RewindOutput{}, newError(ErrorRewindBudgetExhausted, "rewind_disabled", nil)
	}
	used := rewindsUsed(conv)
	if used >= form.Policy.RewindLimit {
		return RewindOutput{}, newError(ErrorRewindBudgetExhausted, "rewind_budget_exhausted", nil)
	}

	newMeta := copyMeta(conv.Meta)
	newMeta[domain.MetaRewindsUsed] = strconv.Itoa(used + 1)
	remaining := form.Policy.RewindLimit - used - 1
	return s.rewind(ctx, conv, newMeta, &remaining)
}

// rewind performs the shared mechanics: with an active turn at k > 0, delete
// it and reopen k-1; with no active turn (conversation completed), reopen
// the last turn instead of deleting anything. Either way the conversation
// flips back to active with completed-at cleared, in one transaction.
func (s *Service) rewind(ctx context.Context, conv domain.Conversation, newMeta map[string]string, remaining *int) (RewindOutput, error) {
	turns, err := s.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return RewindOutput{}, newError(ErrorInternal, "ledger_read_error", err)
	}

	active := domain.ActiveTurn(turns)
	var reopen *domain.Turn
	if active != nil {
		if active.Index == 0 {
			return RewindOutput{}, newError(ErrorNoPreviousTurn, "at_first_turn", nil)
		}
		reopen = turnAt(turns, active.Index-1)
		if reopen == nil {
			return RewindOutput{}, newError(ErrorInternal, "ledger_gap", nil)
		}
		err = s.store.RewindToPrevious(ctx, conv, active.Index, newMeta)
	} else {
		if len(turns) == 0 {
			return RewindOutput{}, newError(ErrorNoPreviousTurn, "no_turns", nil)
		}
		reopen = &turns[len(turns)-1]
		err = s.store.ReopenLast(ctx, conv, reopen.Index, newMeta)
	}
	if err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			// A concurrent answer or rewind changed the ledger under us;
			// the caller should re-read and decide again.
			return RewindOutput{}, newError(ErrorTurnAlreadyAnswered, "rewind_lost_race", err)
		}
		return RewindOutput{}, newError(ErrorInternal, "ledger_write_error", err)
	}

	prior := reopen.Answer
	reopened := *reopen
	reopened.Answer = nil
	reopened.Status = domain.TurnAwaitingAnswer
	return RewindOutput{ReopenedTurn: reopened, PriorAnswer: prior, RewindsRemaining: remaining}, nil
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func parseCounter(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
