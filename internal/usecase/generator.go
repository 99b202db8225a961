package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"interview-agent/internal/domain"
)

// LLMClient is the question-generation collaborator boundary. The engine
// owns idempotent persistence of whatever comes back; the collaborator only
// has to fail loudly rather than produce malformed output silently.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// generatedStep is the strict output contract of the generation call:
// either the next question or an end signal with a reason.
type generatedStep struct {
	Action    string           `json:"action"`
	Question  *domain.Question `json:"question"`
	EndReason string           `json:"end_reason"`
}

const (
	actionAsk = "ask"
	actionEnd = "end"
)

// generateResult is the adapter's validated outcome. Exactly one of
// question / endReason is set.
type generateResult struct {
	question  *domain.Question
	endReason string
}

// generateNext asks the collaborator for the question at nextIndex and
// validates its output against the question shape and the stopping policy.
// No storage writes happen here; the caller persists the result inside the
// answer transaction, so a failure at this point leaves the ledger
// untouched and the identical answer call can be retried.
func (s *Service) generateNext(ctx context.Context, form domain.Form, turns []domain.Turn, nextIndex int) (generateResult, error) {
	raw, err := s.llm.Chat(ctx, form.Model, buildFollowupMessages(form, turns, nextIndex))
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return generateResult{}, newError(ErrorGenerationFailed, "generator_rate_limited", err)
		}
		return generateResult{}, newError(ErrorGenerationFailed, "generator_error", err)
	}

	step, err := parseGeneratedStep(raw)
	if err != nil {
		return generateResult{}, newError(ErrorValidationFailed, "generator_malformed_output", err)
	}

	switch step.Action {
	case actionEnd:
		// An end signal is honored only when the policy allows early
		// termination and lists the reason. A reason outside the allow-list
		// is ignored: if the step still carries a usable question the
		// interview continues with it, and only a questionless step fails.
		if form.Policy.ReasonAllowed(step.EndReason) {
			return generateResult{endReason: step.EndReason}, nil
		}
		if step.Question == nil {
			return generateResult{}, newError(ErrorValidationFailed, "generator_end_not_allowed",
				fmt.Errorf("end reason %q not permitted by policy", step.EndReason))
		}
		return acceptGeneratedQuestion(step.Question)
	case actionAsk:
		if step.Question == nil {
			return generateResult{}, newError(ErrorValidationFailed, "generator_missing_question", nil)
		}
		return acceptGeneratedQuestion(step.Question)
	default:
		return generateResult{}, newError(ErrorValidationFailed, "generator_unknown_action",
			fmt.Errorf("unknown action %q", step.Action))
	}
}

func acceptGeneratedQuestion(q *domain.Question) (generateResult, error) {
	out := *q
	if strings.TrimSpace(out.ID) == "" {
		out.ID = newUUID()
	}
	if err := out.Validate(); err != nil {
		return generateResult{}, newError(ErrorValidationFailed, "generator_invalid_question", err)
	}
	return generateResult{question: &out}, nil
}

// buildFollowupMessages assembles the generation prompt: conductor policy,
// the form's goal and remaining budget, then the answered history as
// assistant/user pairs.
func buildFollowupMessages(form domain.Form, turns []domain.Turn, nextIndex int) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: "system", Content: buildConductorPrompt(form.Policy)},
		{Role: "system", Content: buildGoalPrompt(form, nextIndex, domain.AnsweredCount(turns))},
	}
	for _, t := range turns {
		messages = append(messages, turnToPromptMessages(t)...)
	}
	return messages
}

func buildConductorPrompt(policy domain.StoppingPolicy) string {
	lines := []string{
		"Role:",
		"You are conducting a goal-driven interview, asking one question at a time.",
		"",
		"Task:",
		"Given the goal and the answers so far, produce the single next question,",
		"or end the interview when the policy permits it.",
		"",
		"Behavior Rules:",
		"1) Ask exactly one question per step.",
		"2) Never repeat a question that was already answered.",
		"3) Prefer the simplest question kind that captures the needed information.",
		"4) Choice questions need at least two options; rating questions need min < max.",
		"",
		"Output Contract:",
		`Return JSON only: {"action":"ask","question":{...},"end_reason":null} to ask,`,
		`or {"action":"end","question":null,"end_reason":"<reason>"} to end.`,
	}
	if policy.AllowEarlyEnd && len(policy.AllowedEndReasons) > 0 {
		lines = append(lines,
			"",
			"Allowed end reasons: "+strings.Join(policy.AllowedEndReasons, ", ")+".")
	} else {
		lines = append(lines,
			"",
			"Ending early is not permitted for this interview; always ask.")
	}
	return strings.Join(lines, "\n")
}

func buildGoalPrompt(form domain.Form, nextIndex, answered int) string {
	remaining := form.Policy.MaxQuestions - nextIndex
	return fmt.Sprintf(
		"Interview Goal:\n%s\n\n%d answered so far. This will be question %d of at most %d (%d remaining after it).",
		normalizePromptInput(form.Goal),
		answered, nextIndex+1, form.Policy.MaxQuestions, remaining-1,
	)
}

// turnToPromptMessages replays one answered turn as an assistant question
// and a user answer. Unanswered turns are never replayed.
func turnToPromptMessages(t domain.Turn) []domain.ChatMessage {
	if t.Status != domain.TurnAnswered || t.Answer == nil {
		return nil
	}
	answer := strings.TrimSpace(t.Answer.Display())
	if answer == "" {
		answer = "(no answer)"
	}
	return []domain.ChatMessage{
		{Role: "assistant", Content: "Q" + strconv.Itoa(t.Index) + ": " + t.Question.Label},
		{Role: "user", Content: answer},
	}
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

// parseGeneratedStep decodes the collaborator's output strictly: one JSON
// value, no unknown fields, no trailing data.
func parseGeneratedStep(raw string) (generatedStep, error) {
	var out generatedStep
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return generatedStep{}, fmt.Errorf("usecase: decode generated step: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return generatedStep{}, errors.New("usecase: decode generated step: multiple JSON values")
		}
		return generatedStep{}, fmt.Errorf("usecase: decode generated step trailing data: %w", err)
	}
	return out, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
