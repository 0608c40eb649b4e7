package repository

import (
	"context"
	"testing"
	"time"

	"github.com/qcom/mailotp/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestChallengeDocument_KeyedByFoldedEmail(t *testing.T) {
	ch := newChallenge("Bob@Example.com", "424242", t0)

	doc := toChallengeDocument("Bob@Example.com", ch)
	assert.Equal(t, "bob@example.com", doc.Key)
	assert.Equal(t, "Bob@Example.com", doc.Email)

	raw, err := bson.Marshal(doc)
	assert.NoError(t, err)

	var decoded challengeDocument
	assert.NoError(t, bson.Unmarshal(raw, &decoded))

	back := decoded.challenge()
	assert.Equal(t, ch.Email, back.Email)
	assert.Equal(t, ch.Code, back.Code)
	assert.True(t, ch.ExpiresAt.Equal(back.ExpiresAt))
}

func TestChallengeDocument_TimePrecision(t *testing.T) {
	nanos := t0.Add(123456789 * time.Nanosecond)

	tests := []struct {
		name      string
		createdAt time.Time
		want      time.Time
	}{
		{"millisecond timestamps round trip exactly", nanos.Truncate(time.Millisecond), nanos.Truncate(time.Millisecond)},
		{"sub-millisecond digits are dropped", nanos, t0.Add(123 * time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(toChallengeDocument("a@b.com", newChallenge("a@b.com", "123456", tt.createdAt)))
			require.NoError(t, err)

			var decoded challengeDocument
			require.NoError(t, bson.Unmarshal(raw, &decoded))
			assert.True(t, tt.want.Equal(decoded.CreatedAt), "got %s", decoded.CreatedAt)
		})
	}
}

func newMongoClient(t *testing.T) *mongo.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping mongo integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcmongo.Run(ctx, "mongo:7")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

func TestMongoChallengeStore_Integration(t *testing.T) {
	client := newMongoClient(t)
	store := NewMongoChallengeStore(client, "", "", clock.New(), discardLogger())
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, store.EnsureIndexes(ctx))

	_, err := store.Get(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrChallengeNotFound)

	require.NoError(t, store.Put(ctx, "A@b.com", newChallenge("A@b.com", "111111", now)))
	require.NoError(t, store.Put(ctx, "a@B.com", newChallenge("a@B.com", "222222", now)))

	got, err := store.Get(ctx, "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "222222", got.Code, "last write wins")
	assert.Equal(t, "a@B.com", got.Email)
	assert.True(t, now.Equal(got.CreatedAt))

	count, err := store.coll.CountDocuments(ctx, bson.M{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, store.Remove(ctx, "a@b.com"))
	require.NoError(t, store.Remove(ctx, "a@b.com"))
	_, err = store.Get(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestMongoChallengeStore_ExpiredDocumentIsAbsent(t *testing.T) {
	client := newMongoClient(t)
	store := NewMongoChallengeStore(client, "", "", clock.New(), discardLogger())
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a@b.com", newChallenge("a@b.com", "111111", time.Now().Add(-time.Minute))))

	_, err := store.Get(ctx, "a@b.com")
	assert.ErrorIs(t, err, ErrChallengeNotFound)
}
