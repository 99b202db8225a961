package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// QuestionKind enumerates the closed set of question shapes the engine
// accepts, both for form seed questions and generated follow-ups.
type QuestionKind string

const (
	KindShortText    QuestionKind = "short_text"
	KindLongText     QuestionKind = "long_text"
	KindSingleChoice QuestionKind = "single_choice"
	KindMultiChoice  QuestionKind = "multi_choice"
	KindBoolean      QuestionKind = "boolean"
	KindRating       QuestionKind = "rating"
	KindNumber       QuestionKind = "number"
)

// Question is one prompt shown to a respondent. Only the attributes a kind
// needs are populated: Options for choice kinds, Min/Max for rating and
// number kinds.
type Question struct {
	ID       string       `json:"id"`
	Kind     QuestionKind `json:"kind"`
	Label    string       `json:"label"`
	Required bool         `json:"required"`
	Options  []string     `json:"options,omitempty"`
	Min      int          `json:"min,omitempty"`
	Max      int          `json:"max,omitempty"`
}

// Validate enforces the kind-specific shape before a question is persisted.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Label) == "" {
		return errors.New("domain: question label is required")
	}
	switch q.Kind {
	case KindShortText, KindLongText, KindBoolean:
		if len(q.Options) != 0 {
			return fmt.Errorf("domain: %s question must not carry options", q.Kind)
		}
	case KindSingleChoice, KindMultiChoice:
		if len(q.Options) < 2 {
			return fmt.Errorf("domain: %s question needs at least two options", q.Kind)
		}
		for _, opt := range q.Options {
			if strings.TrimSpace(opt) == "" {
				return fmt.Errorf("domain: %s question has an empty option", q.Kind)
			}
		}
	case KindRating:
		if q.Min >= q.Max {
			return errors.New("domain: rating question needs min < max")
		}
	case KindNumber:
		// Min/Max optional; zero values mean unbounded.
	default:
		return fmt.Errorf("domain: unknown question kind %q", q.Kind)
	}
	return nil
}

// AnswerValue is a respondent's structured answer to one question.
type AnswerValue struct {
	Text       string    `json:"text,omitempty"`
	Choices    []string  `json:"choices,omitempty"`
	Bool       *bool     `json:"bool,omitempty"`
	Number     *float64  `json:"number,omitempty"`
	AnsweredAt time.Time `json:"answeredAt"`
}

// ValidateFor checks the answer against its question at the storage boundary:
// only the field the question's kind needs may be set, and its value must
// satisfy the question's constraints. Required gates presence; a present
// value is always checked.
func (a AnswerValue) ValidateFor(q Question) error {
	switch q.Kind {
	case KindShortText, KindLongText:
		if len(a.Choices) != 0 || a.Bool != nil || a.Number != nil {
			return fmt.Errorf("domain: %s answer must carry text only", q.Kind)
		}
		if q.Required && strings.TrimSpace(a.Text) == "" {
			return fmt.Errorf("domain: %s question requires an answer", q.Kind)
		}
	case KindBoolean:
		if a.Text != "" || len(a.Choices) != 0 || a.Number != nil {
			return errors.New("domain: boolean answer must carry a yes/no value only")
		}
		if q.Required && a.Bool == nil {
			return errors.New("domain: boolean question requires a yes/no answer")
		}
	case KindSingleChoice, KindMultiChoice:
		if a.Text != "" || a.Bool != nil || a.Number != nil {
			return fmt.Errorf("domain: %s answer must carry choices only", q.Kind)
		}
		if q.Kind == KindSingleChoice && len(a.Choices) > 1 {
			return errors.New("domain: single_choice answer takes exactly one choice")
		}
		if q.Required && len(a.Choices) == 0 {
			return fmt.Errorf("domain: %s question requires a choice", q.Kind)
		}
		for _, choice := range a.Choices {
			if !optionListed(q.Options, choice) {
				return fmt.Errorf("domain: choice %q is not among the question's options", choice)
			}
		}
	case KindRating:
		if a.Text != "" || len(a.Choices) != 0 || a.Bool != nil {
			return errors.New("domain: rating answer must carry a number only")
		}
		if q.Required && a.Number == nil {
			return errors.New("domain: rating question requires a number")
		}
		if a.Number != nil {
			n := *a.Number
			if n != math.Trunc(n) || int(n) < q.Min || int(n) > q.Max {
				return fmt.Errorf("domain: rating answer must be a whole number between %d and %d", q.Min, q.Max)
			}
		}
	case KindNumber:
		if a.Text != "" || len(a.Choices) != 0 || a.Bool != nil {
			return errors.New("domain: number answer must carry a number only")
		}
		if q.Required && a.Number == nil {
			return errors.New("domain: number question requires a number")
		}
		if a.Number != nil && q.Min < q.Max {
			if *a.Number < float64(q.Min) || *a.Number > float64(q.Max) {
				return fmt.Errorf("domain: number answer must be between %d and %d", q.Min, q.Max)
			}
		}
	default:
		return fmt.Errorf("domain: unknown question kind %q", q.Kind)
	}
	return nil
}

func optionListed(options []string, choice string) bool {
	for _, opt := range options {
		if opt == choice {
			return true
		}
	}
	return false
}

// Display renders the answer as a short string for prompt history.
func (a AnswerValue) Display() string {
	switch {
	case a.Bool != nil:
		if *a.Bool {
			return "yes"
		}
		return "no"
	case a.Number != nil:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", *a.Number), "0"), ".")
	case len(a.Choices) > 0:
		return strings.Join(a.Choices, ", ")
	default:
		return a.Text
	}
}
