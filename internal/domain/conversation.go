package domain

import "time"

// Turn statuses. A turn moves awaiting_answer -> answered exactly once;
// rewind moves it back by reopening.
const (
	TurnAwaitingAnswer = "awaiting_answer"
	TurnAnswered       = "answered"
)

// Conversation statuses.
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
)

// Metadata keys stored in Conversation.Meta.
const (
	MetaCompletedReason = "completed_reason"
	MetaRewindsUsed     = "rewinds_used"
)

// Completion reasons recorded by the engine itself. Generator-signalled
// reasons are recorded verbatim after validation against the form's policy.
const (
	ReasonHardLimit           = "hard_limit"
	ReasonRespondentCompleted = "respondent_completed"
)

// Turn is one question/answer step, addressed by (ConversationID, Index).
// Indices start at 0 and are gap-free per conversation.
type Turn struct {
	ConversationID string       `json:"conversationId"`
	Index          int          `json:"index"`
	Question       Question     `json:"question"`
	Answer         *AnswerValue `json:"answer,omitempty"`
	Status         string       `json:"status"`
}

// Conversation is one respondent's session against one form. Exactly one of
// UserID / InviteID is set.
type Conversation struct {
	ID          string            `json:"id"`
	FormID      string            `json:"formId"`
	UserID      string            `json:"userId,omitempty"`
	InviteID    string            `json:"inviteId,omitempty"`
	Status      string            `json:"status"`
	StartedAt   time.Time         `json:"startedAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Identity returns the conversation's bound identity.
func (c Conversation) Identity() Identity {
	return Identity{UserID: c.UserID, InviteID: c.InviteID}
}

// ActiveTurn returns the single awaiting_answer turn from an ordered turn
// list, or nil if the conversation is between turns or completed.
func ActiveTurn(turns []Turn) *Turn {
	for i := range turns {
		if turns[i].Status == TurnAwaitingAnswer {
			return &turns[i]
		}
	}
	return nil
}

// AnsweredCount returns how many turns in the list are answered.
func AnsweredCount(turns []Turn) int {
	n := 0
	for _, t := range turns {
		if t.Status == TurnAnswered {
			n++
		}
	}
	return n
}
