package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"interview-agent/internal/domain"
)

// ListTurns queries all turns for a conversation, ascending by index. The
// zero-padded sort key makes lexicographic order index order.
func (c *Client) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              c.table(),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// GetTurn reads a single turn by (conversation, index).
func (c *Client) GetTurn(ctx context.Context, conversationID string, index int) (domain.Turn, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      c.table(),
		Key:            c.turnKey(conversationID, index),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Turn{}, fmt.Errorf("repository: GetTurn %d: %w", index, ErrNotFound)
	}
	return itemToTurn(out.Item)
}

// InsertTurnIfAbsent conditionally inserts a turn, guarded by the
// (conversation, index) uniqueness invariant. If a racing writer already
// inserted that index, the existing row is returned with inserted=false
// instead of an error, which makes concurrent retries converge.
func (c *Client) InsertTurnIfAbsent(ctx context.Context, turn domain.Turn) (domain.Turn, bool, error) {
	item, err := turnItem(turn)
	if err != nil {
		return domain.Turn{}, false, err
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           c.table(),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err == nil {
		return turn, true, nil
	}
	if !conditionFailed(err) {
		return domain.Turn{}, false, fmt.Errorf("repository: InsertTurnIfAbsent: %w", err)
	}
	existing, err := c.GetTurn(ctx, turn.ConversationID, turn.Index)
	if err != nil {
		return domain.Turn{}, false, fmt.Errorf("repository: InsertTurnIfAbsent re-read: %w", err)
	}
	return existing, false, nil
}

// MarkAnswered conditionally transitions a turn awaiting_answer -> answered.
// Returns whether the update applied; a false result means another writer
// answered the turn first. This is the anti-double-submit guard.
func (c *Client) MarkAnswered(ctx context.Context, conversationID string, index int, value domain.AnswerValue) (bool, error) {
	update, err := markAnsweredUpdate(value)
	if err != nil {
		return false, err
	}
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 c.table(),
		Key:                       c.turnKey(conversationID, index),
		UpdateExpression:          update.expr,
		ConditionExpression:       update.cond,
		ExpressionAttributeValues: update.values,
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: MarkAnswered: %w", err)
	}
	return true, nil
}

// Reopen clears a turn's answer and resets it to awaiting_answer. Fails with
// ErrConditionFailed if the turn is not currently answered.
func (c *Client) Reopen(ctx context.Context, conversationID string, index int) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           c.table(),
		Key:                 c.turnKey(conversationID, index),
		UpdateExpression:    aws.String("SET turn_status = :awaiting REMOVE answer"),
		ConditionExpression: aws.String("turn_status = :answered"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":awaiting": &types.AttributeValueMemberS{Value: domain.TurnAwaitingAnswer},
			":answered": &types.AttributeValueMemberS{Value: domain.TurnAnswered},
		},
	})
	if err != nil {
		return wrapWriteErr("Reopen", err)
	}
	return nil
}

// DeleteTurn removes a turn. Only used when rewinding off the most recent,
// still-unanswered turn, so the delete is guarded on awaiting_answer.
func (c *Client) DeleteTurn(ctx context.Context, conversationID string, index int) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           c.table(),
		Key:                 c.turnKey(conversationID, index),
		ConditionExpression: aws.String("turn_status = :awaiting"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":awaiting": &types.AttributeValueMemberS{Value: domain.TurnAwaitingAnswer},
		},
	})
	if err != nil {
		return wrapWriteErr("DeleteTurn", err)
	}
	return nil
}

// markAnsweredExpr bundles the expression pieces shared by the standalone
// MarkAnswered update and the transactional composites.
type markAnsweredExpr struct {
	expr   *string
	cond   *string
	values map[string]types.AttributeValue
}

func markAnsweredUpdate(value domain.AnswerValue) (markAnsweredExpr, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return markAnsweredExpr{}, fmt.Errorf("repository: marshal answer: %w", err)
	}
	return markAnsweredExpr{
		expr: aws.String("SET turn_status = :answered, answer = :answer"),
		cond: aws.String("turn_status = :awaiting"),
		values: map[string]types.AttributeValue{
			":answered": &types.AttributeValueMemberS{Value: domain.TurnAnswered},
			":awaiting": &types.AttributeValueMemberS{Value: domain.TurnAwaitingAnswer},
			":answer":   &types.AttributeValueMemberS{Value: string(raw)},
		},
	}, nil
}

func (c *Client) markAnsweredTx(conversationID string, index int, value domain.AnswerValue) (types.TransactWriteItem, error) {
	update, err := markAnsweredUpdate(value)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                 c.table(),
			Key:                       c.turnKey(conversationID, index),
			UpdateExpression:          update.expr,
			ConditionExpression:       update.cond,
			ExpressionAttributeValues: update.values,
		},
	}, nil
}

func (c *Client) insertTurnTx(turn domain.Turn) (types.TransactWriteItem, error) {
	item, err := turnItem(turn)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:           c.table(),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		},
	}, nil
}

func (c *Client) reopenTurnTx(conversationID string, index int) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           c.table(),
			Key:                 c.turnKey(conversationID, index),
			UpdateExpression:    aws.String("SET turn_status = :awaiting REMOVE answer"),
			ConditionExpression: aws.String("turn_status = :answered"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":awaiting": &types.AttributeValueMemberS{Value: domain.TurnAwaitingAnswer},
				":answered": &types.AttributeValueMemberS{Value: domain.TurnAnswered},
			},
		},
	}
}

func (c *Client) deleteAwaitingTurnTx(conversationID string, index int) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:           c.table(),
			Key:                 c.turnKey(conversationID, index),
			ConditionExpression: aws.String("turn_status = :awaiting"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":awaiting": &types.AttributeValueMemberS{Value: domain.TurnAwaitingAnswer},
			},
		},
	}
}

func (c *Client) deleteTurnTx(conversationID string, index int) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName: c.table(),
			Key:       c.turnKey(conversationID, index),
		},
	}
}

// replaceSeedTx rewrites turn 0 in place with the form's current seed
// question. An update (not delete+put) because a transaction cannot touch
// the same item twice.
func (c *Client) replaceSeedTx(seed domain.Turn) (types.TransactWriteItem, error) {
	raw, err := json.Marshal(seed.Question)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("repository: marshal seed question: %w", err)
	}
	if seed.Index != 0 {
		return types.TransactWriteItem{}, errors.New("repository: seed turn must be index 0")
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:        c.table(),
			Key:              c.turnKey(seed.ConversationID, 0),
			UpdateExpression: aws.String("SET question = :question, turn_status = :awaiting, conversationId = :cid, idx = :zero REMOVE answer"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":question": &types.AttributeValueMemberS{Value: string(raw)},
				":awaiting": &types.AttributeValueMemberS{Value: domain.TurnAwaitingAnswer},
				":cid":      &types.AttributeValueMemberS{Value: seed.ConversationID},
				":zero":     &types.AttributeValueMemberN{Value: "0"},
			},
		},
	}, nil
}
