package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/qcom/mailotp/internal/clock"
	"github.com/qcom/mailotp/internal/config"
	"github.com/qcom/mailotp/internal/delivery"
	"github.com/qcom/mailotp/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type backends struct {
	store    repository.ChallengeStore
	denylist repository.TokenDenylist
	closers  []func(context.Context) error
}

func (b *backends) close(ctx context.Context) {
	for _, fn := range b.closers {
		fn(ctx)
	}
}

// waitFor retries ping with capped exponential backoff so the server can start
// alongside its backing store.
func waitFor(ctx context.Context, name string, logger *logrus.Logger, ping func(context.Context) error) error {
	b := retry.NewExponential(250 * time.Millisecond)
	b = retry.WithCappedDuration(5*time.Second, b)
	b = retry.WithMaxRetries(6, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			logger.WithError(err).WithField("backend", name).Warn("Backend not ready, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
}

func initBackends(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *logrus.Logger) (*backends, error) {
	b := &backends{denylist: repository.NewMemoryTokenDenylist(clk)}

	switch cfg.Store.Backend {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Endpoint,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := waitFor(ctx, "redis", logger, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.store = repository.NewRedisChallengeStore(client, clk, logger)
		b.denylist = repository.NewRedisTokenDenylist(client, clk, logger)
		b.closers = append(b.closers, func(context.Context) error { return client.Close() })

	case config.StoreDynamoDB:
		client, err := initDynamoDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		b.store = repository.NewDynamoChallengeStore(client, cfg.DynamoDB.TableName, clk, logger)

	case config.StoreMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to create mongo client: %w", err)
		}
		if err := waitFor(ctx, "mongo", logger, func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary())
		}); err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		store := repository.NewMongoChallengeStore(client, cfg.Mongo.Database, cfg.Mongo.Collection, clk, logger)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("failed to create mongo indexes: %w", err)
		}
		b.store = store
		b.closers = append(b.closers, client.Disconnect)

	default:
		store := repository.NewMemoryChallengeStore(clk, logger)
		sweepCtx, cancel := context.WithCancel(context.Background())
		go store.RunSweeper(sweepCtx, cfg.Store.SweepInterval)
		b.store = store
		b.closers = append(b.closers, func(context.Context) error { cancel(); return nil })
	}

	logger.WithField("backend", cfg.Store.Backend).Info("Challenge store initialized")
	return b, nil
}

func initDynamoDB(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*dynamodb.Client, error) {
	var awsCfg aws.Config
	var err error

	if cfg.DynamoDB.Endpoint != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.DynamoDB.Region),
			awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
				func(service, region string, options ...interface{}) (aws.Endpoint, error) {
					return aws.Endpoint{
						URL:           cfg.DynamoDB.Endpoint,
						SigningRegion: cfg.DynamoDB.Region,
					}, nil
				})),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg)
	logger.Info("DynamoDB client initialized")
	return client, nil
}

// initGateway returns the configured transport and a func releasing whatever
// connection it holds.
func initGateway(cfg *config.Config, logger *logrus.Logger) (delivery.Gateway, func(), error) {
	noop := func() {}

	switch cfg.Delivery.Transport {
	case config.TransportSMTP:
		g, err := delivery.NewSMTPGateway(delivery.SMTPConfig{
			Host:     cfg.Delivery.SMTP.Host,
			Port:     cfg.Delivery.SMTP.Port,
			Username: cfg.Delivery.SMTP.Username,
			Password: cfg.Delivery.SMTP.Password,
			From:     cfg.Delivery.From,
		})
		return g, noop, err

	case config.TransportResend:
		g, err := delivery.NewResendGateway(delivery.ResendConfig{
			APIKey:   cfg.Delivery.Resend.APIKey,
			From:     cfg.Delivery.From,
			Endpoint: cfg.Delivery.Resend.Endpoint,
		})
		return g, noop, err

	case config.TransportNATS:
		conn, err := delivery.ConnectNATS(cfg.Delivery.NATS.URL)
		if err != nil {
			return nil, noop, err
		}
		return delivery.NewNATSGateway(conn, cfg.Delivery.NATS.Subject), func() { conn.Drain() }, nil

	default:
		logger.Warn("Using log delivery transport; OTP codes will appear in logs")
		return delivery.NewLogGateway(logger), noop, nil
	}
}
