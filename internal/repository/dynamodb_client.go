package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chat-relay/internal/domain"
)

// DynamoAPI is the minimal DynamoDB interface required by DynamoStore.
// *dynamodb.Client satisfies it.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore archives transcript entries in a single DynamoDB table keyed by
// SESSION#<id>. Each write also refreshes the session's META# item.
type DynamoStore struct {
	api       DynamoAPI
	tableName string
}

// NewDynamoStore creates a DynamoDB-backed transcript store.
func NewDynamoStore(api DynamoAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

// SaveTranscript writes the entry and the updated session metadata in one
// transaction. The entry put is conditional so a retried write never
// overwrites an earlier turn with the same sort key.
func (s *DynamoStore) SaveTranscript(ctx context.Context, entry domain.TranscriptEntry) error {
	if entry.PK == "" || entry.SK == "" {
		return errors.New("repository: SaveTranscript: PK and SK are required")
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.tableName),
					Item:                entryItem(entry),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item:      metaItem(entry),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveTranscript: %w", err)
	}
	return nil
}

// MarkReset records that a session was cleared. The archive keeps earlier
// entries; only the META# item is replaced.
func (s *DynamoStore) MarkReset(ctx context.Context, sessionID string) error {
	meta := NewEntry(sessionID, "", "", "", "", false, 0)
	item := metaItem(meta)
	item["reset"] = &types.AttributeValueMemberBOOL{Value: true}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: MarkReset: %w", err)
	}
	return nil
}

func (s *DynamoStore) Close() error { return nil }

func entryItem(e domain.TranscriptEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: e.PK},
		"SK":        &types.AttributeValueMemberS{Value: e.SK},
		"sessionId": &types.AttributeValueMemberS{Value: e.SessionID},
		"question":  &types.AttributeValueMemberS{Value: e.Question},
		"answer":    &types.AttributeValueMemberS{Value: e.Answer},
		"mode":      &types.AttributeValueMemberS{Value: e.Mode},
		"model":     &types.AttributeValueMemberS{Value: e.Model},
		"partial":   &types.AttributeValueMemberBOOL{Value: e.Partial},
		"createdAt": &types.AttributeValueMemberS{Value: e.CreatedAt},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(e.TTL, 10)},
	}
}

func metaItem(e domain.TranscriptEntry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: e.PK},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":    &types.AttributeValueMemberS{Value: e.SessionID},
		"lastActivity": &types.AttributeValueMemberS{Value: e.CreatedAt},
		"turns":        &types.AttributeValueMemberN{Value: strconv.Itoa(e.Turns)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(e.TTL, 10)},
	}
}
