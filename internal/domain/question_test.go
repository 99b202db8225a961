package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuestionValidate(t *testing.T) {
	cases := []struct {
		name    string
		q       Question
		wantErr bool
	}{
		{name: "short text", q: Question{Kind: KindShortText, Label: "Your name?"}},
		{name: "long text", q: Question{Kind: KindLongText, Label: "Tell me more"}},
		{name: "boolean", q: Question{Kind: KindBoolean, Label: "Remote ok?"}},
		{name: "single choice", q: Question{Kind: KindSingleChoice, Label: "Pick one", Options: []string{"a", "b"}}},
		{name: "multi choice", q: Question{Kind: KindMultiChoice, Label: "Pick some", Options: []string{"a", "b", "c"}}},
		{name: "rating", q: Question{Kind: KindRating, Label: "Rate it", Min: 1, Max: 5}},
		{name: "number", q: Question{Kind: KindNumber, Label: "How many?"}},
		{name: "missing label", q: Question{Kind: KindShortText, Label: "  "}, wantErr: true},
		{name: "unknown kind", q: Question{Kind: "essay", Label: "x"}, wantErr: true},
		{name: "text with options", q: Question{Kind: KindShortText, Label: "x", Options: []string{"a"}}, wantErr: true},
		{name: "choice with one option", q: Question{Kind: KindSingleChoice, Label: "x", Options: []string{"a"}}, wantErr: true},
		{name: "choice with blank option", q: Question{Kind: KindMultiChoice, Label: "x", Options: []string{"a", " "}}, wantErr: true},
		{name: "rating min equals max", q: Question{Kind: KindRating, Label: "x", Min: 3, Max: 3}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.q.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAnswerValueValidateFor(t *testing.T) {
	yes := true
	three := 3.0
	half := 3.5
	ten := 10.0

	shortText := Question{Kind: KindShortText, Label: "Name?", Required: true}
	optionalText := Question{Kind: KindLongText, Label: "Anything else?"}
	boolean := Question{Kind: KindBoolean, Label: "Remote ok?", Required: true}
	single := Question{Kind: KindSingleChoice, Label: "Pick one", Required: true, Options: []string{"a", "b"}}
	multi := Question{Kind: KindMultiChoice, Label: "Pick some", Required: true, Options: []string{"a", "b", "c"}}
	rating := Question{Kind: KindRating, Label: "Rate it", Required: true, Min: 1, Max: 5}
	number := Question{Kind: KindNumber, Label: "How many?", Required: true, Min: 1, Max: 5}
	unbounded := Question{Kind: KindNumber, Label: "How many?", Required: true}

	cases := []struct {
		name    string
		q       Question
		a       AnswerValue
		wantErr bool
	}{
		{name: "text for text", q: shortText, a: AnswerValue{Text: "Ada"}},
		{name: "blank text when required", q: shortText, a: AnswerValue{Text: "  "}, wantErr: true},
		{name: "blank text when optional", q: optionalText, a: AnswerValue{}},
		{name: "text carrying a bool", q: shortText, a: AnswerValue{Text: "x", Bool: &yes}, wantErr: true},
		{name: "bool for boolean", q: boolean, a: AnswerValue{Bool: &yes}},
		{name: "text for boolean", q: boolean, a: AnswerValue{Text: "sure"}, wantErr: true},
		{name: "missing bool when required", q: boolean, a: AnswerValue{}, wantErr: true},
		{name: "one listed choice", q: single, a: AnswerValue{Choices: []string{"b"}}},
		{name: "unlisted choice", q: single, a: AnswerValue{Choices: []string{"z"}}, wantErr: true},
		{name: "two choices for single", q: single, a: AnswerValue{Choices: []string{"a", "b"}}, wantErr: true},
		{name: "several listed choices", q: multi, a: AnswerValue{Choices: []string{"a", "c"}}},
		{name: "multi with unlisted choice", q: multi, a: AnswerValue{Choices: []string{"a", "z"}}, wantErr: true},
		{name: "missing choice when required", q: multi, a: AnswerValue{}, wantErr: true},
		{name: "rating in range", q: rating, a: AnswerValue{Number: &three}},
		{name: "rating out of range", q: rating, a: AnswerValue{Number: &ten}, wantErr: true},
		{name: "fractional rating", q: rating, a: AnswerValue{Number: &half}, wantErr: true},
		{name: "rating carrying text", q: rating, a: AnswerValue{Number: &three, Text: "3"}, wantErr: true},
		{name: "number in range", q: number, a: AnswerValue{Number: &half}},
		{name: "number out of range", q: number, a: AnswerValue{Number: &ten}, wantErr: true},
		{name: "unbounded number", q: unbounded, a: AnswerValue{Number: &ten}},
		{name: "unknown kind", q: Question{Kind: "essay", Label: "x"}, a: AnswerValue{Text: "x"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.a.ValidateFor(tc.q)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAnswerValueDisplay(t *testing.T) {
	yes := true
	no := false
	n := 42.5
	whole := 3.0

	require.Equal(t, "hello", AnswerValue{Text: "hello"}.Display())
	require.Equal(t, "yes", AnswerValue{Bool: &yes}.Display())
	require.Equal(t, "no", AnswerValue{Bool: &no}.Display())
	require.Equal(t, "42.5", AnswerValue{Number: &n}.Display())
	require.Equal(t, "3", AnswerValue{Number: &whole}.Display())
	require.Equal(t, "a, b", AnswerValue{Choices: []string{"a", "b"}}.Display())
}

func TestIdentityKey(t *testing.T) {
	require.Equal(t, "user#u1", Identity{UserID: "u1"}.Key())
	require.Equal(t, "invite#i1", Identity{InviteID: "i1"}.Key())
	require.NoError(t, Identity{UserID: "u1"}.Validate())
	require.Error(t, Identity{}.Validate())
	require.Error(t, Identity{UserID: "u1", InviteID: "i1"}.Validate())
}

func TestActiveTurn(t *testing.T) {
	turns := []Turn{
		{Index: 0, Status: TurnAnswered},
		{Index: 1, Status: TurnAwaitingAnswer},
	}
	active := ActiveTurn(turns)
	require.NotNil(t, active)
	require.Equal(t, 1, active.Index)

	require.Nil(t, ActiveTurn([]Turn{{Index: 0, Status: TurnAnswered}}))
	require.Equal(t, 1, AnsweredCount(turns))
}

func TestPolicyReasonAllowed(t *testing.T) {
	p := StoppingPolicy{MaxQuestions: 5, AllowEarlyEnd: true, AllowedEndReasons: []string{"enough_info"}}
	require.True(t, p.ReasonAllowed("enough_info"))
	require.False(t, p.ReasonAllowed("bored"))

	p.AllowEarlyEnd = false
	require.False(t, p.ReasonAllowed("enough_info"))
}
