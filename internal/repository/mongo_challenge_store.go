package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/models"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	// DefaultMongoDatabase is used when no database name is configured.
	DefaultMongoDatabase = "auth"

	// DefaultMongoCollection is used when no collection name is configured.
	DefaultMongoCollection = "otp_challenges"
)

// challengeDocument is the stored form of a challenge. The document id is the
// case-folded email so a replace-with-upsert keeps one document per key.
type challengeDocument struct {
	Key       string    `bson:"_id"`
	Email     string    `bson:"email"`
	Code      string    `bson:"code"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func toChallengeDocument(email string, ch models.Challenge) challengeDocument {
	return challengeDocument{
		Key:       models.ChallengeKey(email),
		Email:     ch.Email,
		Code:      ch.Code,
		CreatedAt: ch.CreatedAt,
		ExpiresAt: ch.ExpiresAt,
	}
}

func (d challengeDocument) challenge() models.Challenge {
	return models.Challenge{
		Email:     d.Email,
		Code:      d.Code,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}

type MongoChallengeStore struct {
	coll   *mongo.Collection
	clock  clock.Clock
	logger *logrus.Logger
}

func NewMongoChallengeStore(client *mongo.Client, database, collection string, clk clock.Clock, logger *logrus.Logger) *MongoChallengeStore {
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoChallengeStore{
		coll:   client.Database(database).Collection(collection),
		clock:  clk,
		logger: logger,
	}
}

// EnsureIndexes creates the TTL index that lets MongoDB reap stale documents.
func (s *MongoChallengeStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create challenge ttl index: %w", err)
	}
	return nil
}

func (s *MongoChallengeStore) Put(ctx context.Context, email string, challenge models.Challenge) error {
	doc := toChallengeDocument(email, challenge)

	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		s.logger.WithError(err).Error("Failed to store challenge in MongoDB")
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

func (s *MongoChallengeStore) Get(ctx context.Context, email string) (*models.Challenge, error) {
	var doc challengeDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": models.ChallengeKey(email)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	challenge := doc.challenge()
	if challenge.ExpiredAt(s.clock.Now()) {
		return nil, ErrChallengeNotFound
	}
	return &challenge, nil
}

func (s *MongoChallengeStore) Remove(ctx context.Context, email string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": models.ChallengeKey(email)}); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}
