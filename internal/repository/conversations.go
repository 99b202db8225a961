package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"interview-agent/internal/domain"
)

// CreateConversation writes the conversation meta item and the per-form
// identity binding in one transaction, both guarded on absence. A concurrent
// start for the same (form, identity) loses the transaction with
// ErrConditionFailed and should re-read via FindConversationID.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	item, err := conversationItem(conv)
	if err != nil {
		return err
	}
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           c.table(),
					Item:                bindingItem(conv),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           c.table(),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
		},
	})
	if err != nil {
		return wrapWriteErr("CreateConversation", err)
	}
	return nil
}

// FindConversationID resolves the conversation bound to (form, identity).
func (c *Client) FindConversationID(ctx context.Context, formID, identityKey string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: c.table(),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: formPK(formID)},
			"SK": &types.AttributeValueMemberS{Value: identSK(identityKey)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: FindConversationID: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", fmt.Errorf("repository: FindConversationID: %w", ErrNotFound)
	}
	id, err := strAttr(out.Item, "conversationId")
	if err != nil {
		return "", fmt.Errorf("repository: FindConversationID: %w", err)
	}
	return id, nil
}

// GetConversation reads a conversation meta item with a consistent read.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      c.table(),
		Key:            c.conversationKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", ErrNotFound)
	}
	return itemToConversation(out.Item)
}

// AnswerAndContinue marks the active turn answered and inserts the next turn
// as one transaction. Either both writes land or neither does, so a lost
// race leaves the ledger untouched.
func (c *Client) AnswerAndContinue(ctx context.Context, conv domain.Conversation, turnIndex int, value domain.AnswerValue, next domain.Turn) error {
	mark, err := c.markAnsweredTx(conv.ID, turnIndex, value)
	if err != nil {
		return err
	}
	insert, err := c.insertTurnTx(next)
	if err != nil {
		return err
	}
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{mark, insert, c.requireActiveTx(conv.ID)},
	})
	if err != nil {
		return wrapWriteErr("AnswerAndContinue", err)
	}
	return nil
}

// AnswerAndComplete marks the active turn answered and transitions the
// conversation to completed with the given reason, atomically.
func (c *Client) AnswerAndComplete(ctx context.Context, conv domain.Conversation, turnIndex int, value domain.AnswerValue, reason string) error {
	mark, err := c.markAnsweredTx(conv.ID, turnIndex, value)
	if err != nil {
		return err
	}
	complete, err := c.completeConversationTx(conv, reason)
	if err != nil {
		return err
	}
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{mark, complete},
	})
	if err != nil {
		return wrapWriteErr("AnswerAndComplete", err)
	}
	return nil
}

// CompleteConversation transitions an active conversation to completed
// without touching any turn. A lost race (already completed) surfaces as
// ErrConditionFailed for the caller's idempotency handling.
func (c *Client) CompleteConversation(ctx context.Context, conv domain.Conversation, reason string) error {
	tx, err := c.completeConversationTx(conv, reason)
	if err != nil {
		return err
	}
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 tx.Update.TableName,
		Key:                       tx.Update.Key,
		UpdateExpression:          tx.Update.UpdateExpression,
		ConditionExpression:       tx.Update.ConditionExpression,
		ExpressionAttributeValues: tx.Update.ExpressionAttributeValues,
	})
	if err != nil {
		return wrapWriteErr("CompleteConversation", err)
	}
	return nil
}

// RewindToPrevious deletes the active turn and reopens the one before it,
// flipping the conversation back to active, all in one transaction. newMeta
// carries the caller's bookkeeping (rewind counter); the write is guarded on
// the meta blob still matching what the caller read, so concurrent rewinds
// cannot double-spend the budget.
func (c *Client) RewindToPrevious(ctx context.Context, conv domain.Conversation, activeIndex int, newMeta map[string]string) error {
	reactivate, err := c.reactivateConversationTx(conv, newMeta)
	if err != nil {
		return err
	}
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			c.deleteAwaitingTurnTx(conv.ID, activeIndex),
			c.reopenTurnTx(conv.ID, activeIndex-1),
			reactivate,
		},
	})
	if err != nil {
		return wrapWriteErr("RewindToPrevious", err)
	}
	return nil
}

// ReopenLast reopens the given answered turn of a completed conversation and
// flips the conversation back to active, atomically.
func (c *Client) ReopenLast(ctx context.Context, conv domain.Conversation, index int, newMeta map[string]string) error {
	reactivate, err := c.reactivateConversationTx(conv, newMeta)
	if err != nil {
		return err
	}
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			c.reopenTurnTx(conv.ID, index),
			reactivate,
		},
	})
	if err != nil {
		return wrapWriteErr("ReopenLast", err)
	}
	return nil
}

// ResetConversation deletes all turns past the seed, rewrites turn 0 from
// the form's current seed question, and clears conversation metadata and
// completion state, all in one transaction.
func (c *Client) ResetConversation(ctx context.Context, conv domain.Conversation, deleteIndexes []int, seed domain.Turn) error {
	items := make([]types.TransactWriteItem, 0, len(deleteIndexes)+2)
	for _, index := range deleteIndexes {
		if index == 0 {
			continue
		}
		items = append(items, c.deleteTurnTx(conv.ID, index))
	}
	seedTx, err := c.replaceSeedTx(seed)
	if err != nil {
		return err
	}
	items = append(items, seedTx)
	resetTx, err := c.resetConversationTx(conv)
	if err != nil {
		return err
	}
	items = append(items, resetTx)

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return wrapWriteErr("ResetConversation", err)
	}
	return nil
}

// requireActiveTx asserts the conversation is still active within a
// transaction without modifying it beyond a touch timestamp.
func (c *Client) requireActiveTx(conversationID string) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           c.table(),
			Key:                 c.conversationKey(conversationID),
			UpdateExpression:    aws.String("SET lastActivity = :now"),
			ConditionExpression: aws.String("conv_status = :active"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now":    &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
				":active": &types.AttributeValueMemberS{Value: domain.ConversationActive},
			},
		},
	}
}

func (c *Client) completeConversationTx(conv domain.Conversation, reason string) (types.TransactWriteItem, error) {
	newMeta := map[string]string{}
	for k, v := range conv.Meta {
		newMeta[k] = v
	}
	newMeta[domain.MetaCompletedReason] = reason
	meta, err := metaJSON(newMeta)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           c.table(),
			Key:                 c.conversationKey(conv.ID),
			UpdateExpression:    aws.String("SET conv_status = :completed, completedAt = :now, meta = :meta"),
			ConditionExpression: aws.String("conv_status = :active"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":completed": &types.AttributeValueMemberS{Value: domain.ConversationCompleted},
				":active":    &types.AttributeValueMemberS{Value: domain.ConversationActive},
				":now":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
				":meta":      &types.AttributeValueMemberS{Value: meta},
			},
		},
	}, nil
}

// reactivateConversationTx flips a conversation back to active and swaps the
// meta blob, guarded on the blob still being what the caller read.
func (c *Client) reactivateConversationTx(conv domain.Conversation, newMeta map[string]string) (types.TransactWriteItem, error) {
	expected, err := metaJSON(conv.Meta)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	updated, err := metaJSON(newMeta)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           c.table(),
			Key:                 c.conversationKey(conv.ID),
			UpdateExpression:    aws.String("SET conv_status = :active, meta = :meta REMOVE completedAt"),
			ConditionExpression: aws.String("meta = :expected"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":active":   &types.AttributeValueMemberS{Value: domain.ConversationActive},
				":meta":     &types.AttributeValueMemberS{Value: updated},
				":expected": &types.AttributeValueMemberS{Value: expected},
			},
		},
	}, nil
}

func (c *Client) resetConversationTx(conv domain.Conversation) (types.TransactWriteItem, error) {
	empty, err := metaJSON(nil)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:           c.table(),
			Key:                 c.conversationKey(conv.ID),
			UpdateExpression:    aws.String("SET conv_status = :active, meta = :meta REMOVE completedAt"),
			ConditionExpression: aws.String("attribute_exists(PK)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":active": &types.AttributeValueMemberS{Value: domain.ConversationActive},
				":meta":   &types.AttributeValueMemberS{Value: empty},
			},
		},
	}, nil
}
