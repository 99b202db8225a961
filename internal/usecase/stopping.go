package usecase

import "interview-agent/internal/domain"

// stopDecision is the stopping policy verdict taken after an answer lands,
// before any external call.
type stopDecision int

const (
	// decisionContinue: another turn is needed and generator end signals are
	// not honored under this policy.
	decisionContinue stopDecision = iota
	// decisionAskGenerator: another turn is allowed and the generator may
	// signal early termination with an allow-listed reason.
	decisionAskGenerator
	// decisionStopHard: the hard question limit is reached; complete now
	// without consulting the generator.
	decisionStopHard
)

// decideStop evaluates the stopping policy for the turn that would be
// created at nextIndex. The hard-limit check precedes any generator call so
// the engine never asks for a question it cannot use: creating the turn at
// nextIndex would bring the total to nextIndex+1 questions.
func decideStop(nextIndex int, policy domain.StoppingPolicy) stopDecision {
	if nextIndex+1 > policy.MaxQuestions {
		return decisionStopHard
	}
	if policy.AllowEarlyEnd {
		return decisionAskGenerator
	}
	return decisionContinue
}
