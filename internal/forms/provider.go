package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"interview-agent/internal/domain"
)

// ErrNotFound reports a form id with no stored definition.
var ErrNotFound = errors.New("forms: form not found")

const skDef = "DEF#"

// dynamodbAPI is the minimal DynamoDB interface required by Provider.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Provider reads form definitions written by the (out-of-scope) form
// management service. Read-only: the engine never mutates forms.
type Provider struct {
	api       dynamodbAPI
	tableName string
}

// New creates a form Provider over the given table.
func New(api dynamodbAPI, tableName string) (*Provider, error) {
	if api == nil {
		return nil, errors.New("forms: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("forms: table name must not be empty")
	}
	return &Provider{api: api, tableName: tableName}, nil
}

// GetForm loads the engine's read-only slice of a form definition.
func (p *Provider) GetForm(ctx context.Context, formID string) (domain.Form, error) {
	out, err := p.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(p.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "FORM#" + formID},
			"SK": &types.AttributeValueMemberS{Value: skDef},
		},
	})
	if err != nil {
		return domain.Form{}, fmt.Errorf("forms: GetForm: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Form{}, fmt.Errorf("forms: GetForm %q: %w", formID, ErrNotFound)
	}
	return itemToForm(formID, out.Item)
}

func itemToForm(formID string, item map[string]types.AttributeValue) (domain.Form, error) {
	form := domain.Form{ID: formID}

	var err error
	if form.OwnerID, err = strAttr(item, "ownerId"); err != nil {
		return domain.Form{}, err
	}
	if form.Goal, err = strAttr(item, "goal"); err != nil {
		return domain.Form{}, err
	}
	if form.Model, err = strAttr(item, "model"); err != nil {
		return domain.Form{}, err
	}
	if v, ok := item["published"]; ok {
		b, ok := v.(*types.AttributeValueMemberBOOL)
		if !ok {
			return domain.Form{}, errors.New(`forms: attribute "published" is not a boolean`)
		}
		form.Published = b.Value
	}

	rawSeed, err := strAttr(item, "seedQuestion")
	if err != nil {
		return domain.Form{}, err
	}
	if err := json.Unmarshal([]byte(rawSeed), &form.Seed); err != nil {
		return domain.Form{}, fmt.Errorf("forms: unmarshal seed question: %w", err)
	}
	if err := form.Seed.Validate(); err != nil {
		return domain.Form{}, fmt.Errorf("forms: invalid seed question: %w", err)
	}

	rawPolicy, err := strAttr(item, "policy")
	if err != nil {
		return domain.Form{}, err
	}
	if err := json.Unmarshal([]byte(rawPolicy), &form.Policy); err != nil {
		return domain.Form{}, fmt.Errorf("forms: unmarshal policy: %w", err)
	}
	if form.Policy.MaxQuestions <= 0 {
		return domain.Form{}, errors.New("forms: policy maxQuestions must be positive")
	}
	return form, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("forms: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("forms: attribute %q is not a string", key)
	}
	return s.Value, nil
}
