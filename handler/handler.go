package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"interview-agent/internal/domain"
	"interview-agent/internal/identity"
	"interview-agent/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerInviteToken   = "X-Invite-Token"
)

// Engine is the conversation lifecycle surface consumed by the handler.
type Engine interface {
	Start(ctx context.Context, in usecase.StartInput) (usecase.StartOutput, error)
	Answer(ctx context.Context, in usecase.AnswerInput) (usecase.AnswerOutput, error)
	Complete(ctx context.Context, in usecase.CompleteInput) (usecase.CompleteOutput, error)
	RewindOwner(ctx context.Context, in usecase.RewindInput) (usecase.RewindOutput, error)
	RewindRespondent(ctx context.Context, in usecase.RewindInput) (usecase.RewindOutput, error)
	Reset(ctx context.Context, in usecase.ResetInput) (usecase.ResetOutput, error)
	ListTurns(ctx context.Context, in usecase.ListTurnsInput) (usecase.ListTurnsOutput, error)
}

// Handler adapts API Gateway proxy events onto the engine operations.
type Handler struct {
	engine Engine
}

// NewHandler creates a Handler.
func NewHandler(engine Engine) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("handler: engine must not be nil")
	}
	return &Handler{engine: engine}, nil
}

type request struct {
	Action         string              `json:"action"`
	FormID         string              `json:"formId,omitempty"`
	ConversationID string              `json:"conversationId,omitempty"`
	TurnIndex      *int                `json:"turnIndex,omitempty"`
	Answer         *domain.AnswerValue `json:"answer,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type startResponse struct {
	Conversation domain.Conversation `json:"conversation"`
	Turns        []domain.Turn       `json:"turns"`
}

type answerResponse struct {
	Completed bool         `json:"completed"`
	Reason    string       `json:"reason,omitempty"`
	NextTurn  *domain.Turn `json:"nextTurn,omitempty"`
}

type completeResponse struct {
	Conversation domain.Conversation `json:"conversation"`
}

type rewindResponse struct {
	ReopenedTurn     domain.Turn         `json:"reopenedTurn"`
	PriorAnswer      *domain.AnswerValue `json:"priorAnswer,omitempty"`
	RewindsRemaining *int                `json:"rewindsRemaining,omitempty"`
}

type resetResponse struct {
	Turn domain.Turn `json:"turn"`
}

type listTurnsResponse struct {
	Conversation     domain.Conversation `json:"conversation"`
	Turns            []domain.Turn       `json:"turns"`
	RewindsRemaining *int                `json:"rewindsRemaining,omitempty"`
}

// Handle routes one API Gateway event onto the engine and renders the
// result, echoing the caller's correlation id or minting one.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var req request
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return respondError(correlationID, http.StatusBadRequest, errorResponse{
			Error: "INVALID_REQUEST", Reason: "malformed_body",
		}), nil
	}

	rc := identity.RequestContext{
		UserID:      authorizerSubject(event),
		InviteToken: headerValue(event.Headers, headerInviteToken),
	}

	payload, err := h.dispatch(ctx, req, rc)
	if err != nil {
		return respondEngineError(correlationID, err), nil
	}
	return respondJSON(correlationID, http.StatusOK, payload), nil
}

func (h *Handler) dispatch(ctx context.Context, req request, rc identity.RequestContext) (any, error) {
	switch req.Action {
	case "start":
		out, err := h.engine.Start(ctx, usecase.StartInput{FormID: req.FormID, Request: rc})
		if err != nil {
			return nil, err
		}
		return startResponse{Conversation: out.Conversation, Turns: out.Turns}, nil
	case "answer":
		if req.TurnIndex == nil || req.Answer == nil {
			return nil, &badRequestError{reason: "missing_turn_or_answer"}
		}
		out, err := h.engine.Answer(ctx, usecase.AnswerInput{
			ConversationID: req.ConversationID,
			TurnIndex:      *req.TurnIndex,
			Value:          *req.Answer,
			Request:        rc,
		})
		if err != nil {
			return nil, err
		}
		return answerResponse{Completed: out.Completed, Reason: out.Reason, NextTurn: out.NextTurn}, nil
	case "complete":
		out, err := h.engine.Complete(ctx, usecase.CompleteInput{ConversationID: req.ConversationID, Request: rc})
		if err != nil {
			return nil, err
		}
		return completeResponse{Conversation: out.Conversation}, nil
	case "rewind_owner", "rewind_respondent":
		in := usecase.RewindInput{ConversationID: req.ConversationID, Request: rc}
		var out usecase.RewindOutput
		var err error
		if req.Action == "rewind_owner" {
			out, err = h.engine.RewindOwner(ctx, in)
		} else {
			out, err = h.engine.RewindRespondent(ctx, in)
		}
		if err != nil {
			return nil, err
		}
		return rewindResponse{ReopenedTurn: out.ReopenedTurn, PriorAnswer: out.PriorAnswer, RewindsRemaining: out.RewindsRemaining}, nil
	case "reset":
		out, err := h.engine.Reset(ctx, usecase.ResetInput{ConversationID: req.ConversationID, Request: rc})
		if err != nil {
			return nil, err
		}
		return resetResponse{Turn: out.Turn}, nil
	case "list_turns":
		out, err := h.engine.ListTurns(ctx, usecase.ListTurnsInput{ConversationID: req.ConversationID, Request: rc})
		if err != nil {
			return nil, err
		}
		return listTurnsResponse{Conversation: out.Conversation, Turns: out.Turns, RewindsRemaining: out.RewindsRemaining}, nil
	default:
		return nil, &badRequestError{reason: "unknown_action"}
	}
}

type badRequestError struct{ reason string }

func (e *badRequestError) Error() string {
	return "handler: bad request: " + e.reason
}

// statusForCode maps engine error codes onto HTTP statuses. Precondition
// conflicts share 409 so clients re-read state rather than retry blindly;
// collaborator failures map to 502 and are safe to retry, while validation
// failures map to 422 because the identical call cannot succeed.
func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorUnauthenticated:
		return http.StatusUnauthorized
	case usecase.ErrorForbidden:
		return http.StatusForbidden
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConversationNotActive,
		usecase.ErrorTurnAlreadyAnswered,
		usecase.ErrorNoPreviousTurn,
		usecase.ErrorRewindBudgetExhausted,
		usecase.ErrorOwnerMustUseOwnerRewind:
		return http.StatusConflict
	case usecase.ErrorGenerationFailed:
		return http.StatusBadGateway
	case usecase.ErrorValidationFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondEngineError(correlationID string, err error) events.APIGatewayProxyResponse {
	var badReq *badRequestError
	if errors.As(err, &badReq) {
		return respondError(correlationID, http.StatusBadRequest, errorResponse{
			Error: "INVALID_REQUEST", Reason: badReq.reason,
		})
	}
	var engineErr *usecase.Error
	if errors.As(err, &engineErr) {
		return respondError(correlationID, statusForCode(engineErr.Code), errorResponse{
			Error: string(engineErr.Code), Reason: engineErr.Reason,
		})
	}
	return respondError(correlationID, http.StatusInternalServerError, errorResponse{
		Error: string(usecase.ErrorInternal),
	})
}

func respondError(correlationID string, status int, body errorResponse) events.APIGatewayProxyResponse {
	return respondJSON(correlationID, status, body)
}

func respondJSON(correlationID string, status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}
}

// headerValue does a case-insensitive header lookup; API Gateway does not
// normalize header casing.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// authorizerSubject pulls the authenticated user id from the API Gateway
// authorizer claims, when present.
func authorizerSubject(event events.APIGatewayProxyRequest) string {
	auth := event.RequestContext.Authorizer
	if auth == nil {
		return ""
	}
	if sub, ok := auth["sub"].(string); ok {
		return strings.TrimSpace(sub)
	}
	if claims, ok := auth["claims"].(map[string]any); ok {
		if sub, ok := claims["sub"].(string); ok {
			return strings.TrimSpace(sub)
		}
	}
	return ""
}
