package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/models"
	"github.com/sirupsen/logrus"
)

// DynamoDBAPI is the subset of *dynamodb.Client used by the store.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoChallengeStore keeps challenges in a single-table layout. The TTL
// attribute lets DynamoDB reap stale items eventually; reads do not rely on it.
type DynamoChallengeStore struct {
	client    DynamoDBAPI
	tableName string
	clock     clock.Clock
	logger    *logrus.Logger
}

func NewDynamoChallengeStore(client DynamoDBAPI, tableName string, clk clock.Clock, logger *logrus.Logger) *DynamoChallengeStore {
	return &DynamoChallengeStore{
		client:    client,
		tableName: tableName,
		clock:     clk,
		logger:    logger,
	}
}

func dynamoChallengeKey(email string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: fmt.Sprintf("OTP#%s", models.ChallengeKey(email))},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

// Put stores the challenge, replacing any existing item for the email.
func (s *DynamoChallengeStore) Put(ctx context.Context, email string, challenge models.Challenge) error {
	item, err := attributevalue.MarshalMap(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	for k, v := range dynamoChallengeKey(email) {
		item[k] = v
	}
	item["TTL"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(challenge.ExpiresAt.Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to store challenge in DynamoDB")
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	return nil
}

func (s *DynamoChallengeStore) Get(ctx context.Context, email string) (*models.Challenge, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            dynamoChallengeKey(email),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	if result.Item == nil {
		return nil, ErrChallengeNotFound
	}

	var challenge models.Challenge
	if err := attributevalue.UnmarshalMap(result.Item, &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	if challenge.ExpiredAt(s.clock.Now()) {
		return nil, ErrChallengeNotFound
	}

	return &challenge, nil
}

func (s *DynamoChallengeStore) Remove(ctx context.Context, email string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       dynamoChallengeKey(email),
	})
	if err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}

	return nil
}
