package backend

import (
	"context"
	"fmt"

	"tally/internal/amqp"
	"tally/internal/events"
	"tally/internal/events/kafka"
	"tally/internal/log"
	"tally/internal/storage"
	"tally/internal/storage/memory"
	"tally/internal/storage/postgres"
	"tally/internal/storage/sqlite"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Default()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var (
		store storage.Store
		err   error
	)
	switch config.Type {
	case SQLiteBackend:
		store, err = sqlite.New(ctx, config.SQLiteDBPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		f.logger.Info("Initialized SQLite backend", "db_path", config.SQLiteDBPath)
	case PostgresBackend:
		store, err = postgres.Open(ctx, config.DatabaseURL, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres store: %w", err)
		}
		f.logger.Info("Initialized Postgres backend")
	case MemoryBackend:
		store = memory.New()
		f.logger.Warn("Initialized memory backend; fingerprints and totals are lost on restart")
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}

	result := &BackendResult{Store: store, Cleanup: store.Close}
	if config.CacheSize > 0 && config.Type != MemoryBackend {
		result.Cached = storage.NewCachedStore(store, config.CacheSize, config.CacheTTL)
		result.Store = result.Cached
		f.logger.Info("Enabled fingerprint cache", "size", config.CacheSize, "ttl", config.CacheTTL)
	}
	return result, nil
}

// CreatePublisher returns the publisher for config.Events. An unreachable
// broker degrades to events.Nop; the ledger stays authoritative.
func (f *DefaultFactory) CreatePublisher(config Config) (events.Publisher, error) {
	switch config.Events {
	case "", NoEvents:
		return events.Nop{}, nil
	case AMQPEvents:
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
		if err != nil {
			f.logger.Warn("Failed to initialize AMQP client, continuing without events", log.FieldError, err)
			return events.Nop{}, nil
		}
		f.logger.Info("Initialized AMQP client",
			"exchange", config.AMQPExchange,
			"queue", config.AMQPQueue)
		return client, nil
	case KafkaEvents:
		f.logger.Info("Initialized Kafka publisher", "topic", config.KafkaTopic)
		return kafka.NewPublisher(config.KafkaBrokers, config.KafkaTopic, f.logger), nil
	default:
		return nil, fmt.Errorf("unsupported events backend: %s", config.Events)
	}
}

// CreateConsumer returns the consumer for config.Events. Unlike
// CreatePublisher, a broker that cannot be reached is an error.
func (f *DefaultFactory) CreateConsumer(config Config) (events.Consumer, error) {
	switch config.Events {
	case AMQPEvents:
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
		}
		return client, nil
	case KafkaEvents:
		return kafka.NewConsumer(config.KafkaBrokers, config.KafkaTopic, config.KafkaGroupID, f.logger), nil
	default:
		return nil, fmt.Errorf("events backend %q has no consumer", config.Events)
	}
}
