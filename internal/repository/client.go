package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"interview-agent/internal/domain"
)

const (
	skMeta        = "META#"
	skPrefixTurn  = "TURN#"
	skPrefixIdent = "IDENT#"
	ttlDuration   = 30 * 24 * time.Hour // 30-day TTL
)

var (
	// ErrNotFound reports a missing conversation or turn.
	ErrNotFound = errors.New("repository: not found")
	// ErrConditionFailed reports a lost conditional write: the guarded state
	// was no longer what the caller read. Distinguishes races from infra
	// faults so callers can re-read and converge instead of failing.
	ErrConditionFailed = errors.New("repository: condition failed")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a single DynamoDB table holding conversations, turns, and
// per-form identity bindings.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// convPK returns the partition key for a conversation's meta and turn items.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// formPK returns the partition key for a form's identity-binding items.
func formPK(formID string) string {
	return "FORM#" + formID
}

// turnSK zero-pads the index so lexicographic SK order is index order.
func turnSK(index int) string {
	return fmt.Sprintf("%s%06d", skPrefixTurn, index)
}

func identSK(identityKey string) string {
	return skPrefixIdent + identityKey
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// conditionFailed reports whether err is a lost conditional write, either a
// bare conditional check or a cancelled transaction.
func conditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tc *types.TransactionCanceledException
	if errors.As(err, &tc) {
		for _, reason := range tc.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

// wrapWriteErr maps lost conditional writes to ErrConditionFailed and wraps
// everything else with the operation name.
func wrapWriteErr(op string, err error) error {
	if conditionFailed(err) {
		return fmt.Errorf("repository: %s: %w", op, ErrConditionFailed)
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

// metaJSON serializes a conversation metadata map deterministically; a nil
// map serializes identically to an empty one so optimistic meta comparisons
// are stable across reads and writes.
func metaJSON(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("repository: marshal meta: %w", err)
	}
	return string(raw), nil
}

func turnItem(t domain.Turn) (map[string]types.AttributeValue, error) {
	question, err := json.Marshal(t.Question)
	if err != nil {
		return nil, fmt.Errorf("repository: marshal question: %w", err)
	}
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(t.ConversationID)},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(t.Index)},
		"conversationId": &types.AttributeValueMemberS{Value: t.ConversationID},
		"idx":            &types.AttributeValueMemberN{Value: strconv.Itoa(t.Index)},
		"question":       &types.AttributeValueMemberS{Value: string(question)},
		"turn_status":    &types.AttributeValueMemberS{Value: t.Status},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(), 10)},
	}
	if t.Answer != nil {
		answer, err := json.Marshal(t.Answer)
		if err != nil {
			return nil, fmt.Errorf("repository: marshal answer: %w", err)
		}
		item["answer"] = &types.AttributeValueMemberS{Value: string(answer)}
	}
	return item, nil
}

func conversationItem(c domain.Conversation) (map[string]types.AttributeValue, error) {
	meta, err := metaJSON(c.Meta)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: convPK(c.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"conversationId": &types.AttributeValueMemberS{Value: c.ID},
		"formId":         &types.AttributeValueMemberS{Value: c.FormID},
		"identity":       &types.AttributeValueMemberS{Value: c.Identity().Key()},
		"conv_status":    &types.AttributeValueMemberS{Value: c.Status},
		"startedAt":      &types.AttributeValueMemberS{Value: c.StartedAt.UTC().Format(time.RFC3339Nano)},
		"meta":           &types.AttributeValueMemberS{Value: meta},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(), 10)},
	}
	if c.UserID != "" {
		item["userId"] = &types.AttributeValueMemberS{Value: c.UserID}
	}
	if c.InviteID != "" {
		item["inviteId"] = &types.AttributeValueMemberS{Value: c.InviteID}
	}
	if c.CompletedAt != nil {
		item["completedAt"] = &types.AttributeValueMemberS{Value: c.CompletedAt.UTC().Format(time.RFC3339Nano)}
	}
	return item, nil
}

func bindingItem(c domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: formPK(c.FormID)},
		"SK":             &types.AttributeValueMemberS{Value: identSK(c.Identity().Key())},
		"conversationId": &types.AttributeValueMemberS{Value: c.ID},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(), 10)},
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	convID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Turn{}, err
	}
	index, err := intAttr(item, "idx")
	if err != nil {
		return domain.Turn{}, err
	}
	status, err := strAttr(item, "turn_status")
	if err != nil {
		return domain.Turn{}, err
	}
	rawQuestion, err := strAttr(item, "question")
	if err != nil {
		return domain.Turn{}, err
	}
	t := domain.Turn{ConversationID: convID, Index: index, Status: status}
	if err := json.Unmarshal([]byte(rawQuestion), &t.Question); err != nil {
		return domain.Turn{}, fmt.Errorf("repository: unmarshal question: %w", err)
	}
	if rawAnswer, ok := optStrAttr(item, "answer"); ok && rawAnswer != "" {
		var a domain.AnswerValue
		if err := json.Unmarshal([]byte(rawAnswer), &a); err != nil {
			return domain.Turn{}, fmt.Errorf("repository: unmarshal answer: %w", err)
		}
		t.Answer = &a
	}
	return t, nil
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	formID, err := strAttr(item, "formId")
	if err != nil {
		return domain.Conversation{}, err
	}
	status, err := strAttr(item, "conv_status")
	if err != nil {
		return domain.Conversation{}, err
	}
	startedRaw, err := strAttr(item, "startedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	startedAt, err := time.Parse(time.RFC3339Nano, startedRaw)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: parse startedAt: %w", err)
	}
	c := domain.Conversation{
		ID:        id,
		FormID:    formID,
		Status:    status,
		StartedAt: startedAt,
		Meta:      map[string]string{},
	}
	c.UserID, _ = optStrAttr(item, "userId")
	c.InviteID, _ = optStrAttr(item, "inviteId")
	if completedRaw, ok := optStrAttr(item, "completedAt"); ok && completedRaw != "" {
		completedAt, err := time.Parse(time.RFC3339Nano, completedRaw)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: parse completedAt: %w", err)
		}
		c.CompletedAt = &completedAt
	}
	if rawMeta, ok := optStrAttr(item, "meta"); ok && rawMeta != "" {
		if err := json.Unmarshal([]byte(rawMeta), &c.Meta); err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: unmarshal meta: %w", err)
		}
	}
	return c, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func optStrAttr(item map[string]types.AttributeValue, key string) (string, bool) {
	v, ok := item[key]
	if !ok {
		return "", false
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func (c *Client) turnKey(conversationID string, index int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: turnSK(index)},
	}
}

func (c *Client) conversationKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (c *Client) table() *string {
	return aws.String(c.tableName)
}
