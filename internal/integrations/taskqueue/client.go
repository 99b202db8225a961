package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// sqsAPI is the minimal SQS interface required by Client.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// summarizeTask is the queue message consumed by the (out-of-scope)
// post-completion summarization worker.
type summarizeTask struct {
	Task           string `json:"task"`
	ConversationID string `json:"conversationId"`
	FormID         string `json:"formId"`
	Reason         string `json:"reason"`
}

// Client enqueues best-effort follow-up work onto an SQS queue. Callers are
// expected to log and drop errors; enqueueing never participates in the
// transactional outcome of the operation that triggered it.
type Client struct {
	api      sqsAPI
	queueURL string
}

// New creates a task queue Client for the given queue URL.
func New(api sqsAPI, queueURL string) (*Client, error) {
	if api == nil {
		return nil, errors.New("taskqueue: api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("taskqueue: queue URL must not be empty")
	}
	return &Client{api: api, queueURL: queueURL}, nil
}

// EnqueueSummarization schedules summarization of a completed conversation.
func (c *Client) EnqueueSummarization(ctx context.Context, conversationID, formID, reason string) error {
	body, err := json.Marshal(summarizeTask{
		Task:           "summarize_conversation",
		ConversationID: conversationID,
		FormID:         formID,
		Reason:         reason,
	})
	if err != nil {
		return fmt.Errorf("taskqueue: marshal task: %w", err)
	}
	_, err = c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("taskqueue: send message: %w", err)
	}
	return nil
}
