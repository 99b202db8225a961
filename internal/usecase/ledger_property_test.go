package usecase

import (
	"context"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"interview-agent/internal/domain"
)

// TestLedgerInvariants drives random interleavings of answer, rewind,
// complete, reset, and repeated start against one conversation and checks
// the ledger shape after every operation: indices are gap-free from zero,
// at most one turn awaits an answer, and that turn is always the newest.
func TestLedgerInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		form := defaultForm()
		form.Policy.MaxQuestions = rapid.IntRange(1, 4).Draw(rt, "maxQuestions")
		form.Policy.RewindLimit = rapid.IntRange(0, 3).Draw(rt, "rewindLimit")

		env := newTestEnv(t, form)
		env.llm.responses = []chatResponse{{raw: stepAsk("Generated follow-up")}}

		ctx := context.Background()
		startOut, err := env.svc.Start(ctx, StartInput{FormID: form.ID, Request: inviteReq()})
		if err != nil {
			rt.Fatalf("start: %v", err)
		}
		convID := startOut.Conversation.ID

		ops := []string{"answer", "answerStale", "rewind", "ownerRewind", "complete", "reset", "restart"}
		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			var err error
			switch rapid.SampledFrom(ops).Draw(rt, "op") {
			case "answer":
				turns := mustList(rt, env, convID)
				index := 0
				if active := domain.ActiveTurn(turns); active != nil {
					index = active.Index
				}
				_, err = env.svc.Answer(ctx, AnswerInput{ConversationID: convID, TurnIndex: index, Value: textAnswer("answer"), Request: inviteReq()})
			case "answerStale":
				_, err = env.svc.Answer(ctx, AnswerInput{ConversationID: convID, TurnIndex: 0, Value: textAnswer("stale"), Request: inviteReq()})
			case "rewind":
				_, err = env.svc.RewindRespondent(ctx, RewindInput{ConversationID: convID, Request: inviteReq()})
			case "ownerRewind":
				_, err = env.svc.RewindOwner(ctx, RewindInput{ConversationID: convID, Request: userReq("owner-1")})
			case "complete":
				_, err = env.svc.Complete(ctx, CompleteInput{ConversationID: convID, Request: inviteReq()})
			case "reset":
				_, err = env.svc.Reset(ctx, ResetInput{ConversationID: convID, Request: userReq("owner-1")})
			case "restart":
				var out StartOutput
				out, err = env.svc.Start(ctx, StartInput{FormID: form.ID, Request: inviteReq()})
				if err == nil && out.Conversation.ID != convID {
					rt.Fatalf("restart produced a second conversation")
				}
			}
			if err != nil {
				var engineErr *Error
				if !errors.As(err, &engineErr) {
					rt.Fatalf("unexpected non-engine error: %v", err)
				}
			}
			assertLedgerShape(rt, env, convID, form.Policy.MaxQuestions)
		}
	})
}

func mustList(rt *rapid.T, env *testEnv, convID string) []domain.Turn {
	turns, err := env.store.ListTurns(context.Background(), convID)
	if err != nil {
		rt.Fatalf("list turns: %v", err)
	}
	return turns
}

func assertLedgerShape(rt *rapid.T, env *testEnv, convID string, maxQuestions int) {
	turns := mustList(rt, env, convID)
	if len(turns) == 0 {
		rt.Fatalf("ledger is empty")
	}
	if len(turns) > maxQuestions {
		rt.Fatalf("ledger holds %d turns, limit is %d", len(turns), maxQuestions)
	}
	awaiting := 0
	for i, turn := range turns {
		if turn.Index != i {
			rt.Fatalf("index gap: position %d holds index %d", i, turn.Index)
		}
		switch turn.Status {
		case domain.TurnAwaitingAnswer:
			awaiting++
			if i != len(turns)-1 {
				rt.Fatalf("awaiting turn %d is not the newest", turn.Index)
			}
			if turn.Answer != nil {
				rt.Fatalf("awaiting turn %d carries an answer", turn.Index)
			}
		case domain.TurnAnswered:
			if turn.Answer == nil {
				rt.Fatalf("answered turn %d has no answer", turn.Index)
			}
		default:
			rt.Fatalf("turn %d has status %q", turn.Index, turn.Status)
		}
	}
	if awaiting > 1 {
		rt.Fatalf("%d turns awaiting an answer", awaiting)
	}
}
