// Package mongodb provides a stache container backed by a MongoDB collection.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

// MongoDBAdapter stores one document per entry, keyed by {ns, k}.
type MongoDBAdapter struct {
	client     *mongo.Client
	collection *mongo.Collection
	prefix     string
	logger     logger.Logger
	timeout    time.Duration
	mu         sync.RWMutex
	closed     bool
}

var (
	_ stache.Container = (*MongoDBAdapter)(nil)
	_ stache.Clearer   = (*MongoDBAdapter)(nil)
)

// Config holds MongoDB adapter configuration.
type Config struct {
	URL              string
	Database         string
	Collection       string
	Prefix           string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

type entryID struct {
	NS  string `bson:"ns"`
	Key string `bson:"k"`
}

type entry struct {
	ID    entryID `bson:"_id"`
	Value string  `bson:"v"`
}

// NewMongoDBAdapter connects, pings the primary and ensures the namespace index exists.
func NewMongoDBAdapter(cfg Config, log logger.Logger) (*MongoDBAdapter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mongodb URL is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("mongodb database is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("mongodb collection is required")
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	a, err := newAdapter(ctx, client, cfg, log)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info("MongoDB connection established",
		"database", cfg.Database,
		"collection", cfg.Collection,
		"prefix", cfg.Prefix,
	)
	return a, nil
}

func newAdapter(ctx context.Context, client *mongo.Client, cfg Config, log logger.Logger) (*MongoDBAdapter, error) {
	a := &MongoDBAdapter{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		prefix:     cfg.Prefix,
		logger:     log,
		timeout:    cfg.OperationTimeout,
	}

	_, err := a.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "_id.ns", Value: 1}, {Key: "_id.k", Value: 1}},
		Options: options.Index().SetName("ns_k"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb index: %w", err)
	}
	return a, nil
}

// Client returns the underlying client.
func (a *MongoDBAdapter) Client() *mongo.Client {
	return a.client
}

func (a *MongoDBAdapter) idFilter(key string) bson.D {
	return bson.D{{Key: "_id", Value: entryID{NS: a.prefix, Key: key}}}
}

func (a *MongoDBAdapter) nsFilter() bson.D {
	return bson.D{{Key: "_id.ns", Value: a.prefix}}
}

// Get implements stache.Container.
func (a *MongoDBAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	if err := a.ensureOpen(); err != nil {
		return "", false, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	var e entry
	err := a.collection.FindOne(opCtx, a.idFilter(key)).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return e.Value, true, nil
}

// Set implements stache.Container with an upserting replace.
func (a *MongoDBAdapter) Set(ctx context.Context, key, value string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	doc := entry{ID: entryID{NS: a.prefix, Key: key}, Value: value}
	if _, err := a.collection.ReplaceOne(opCtx, a.idFilter(key), doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete implements stache.Container.
func (a *MongoDBAdapter) Delete(ctx context.Context, key string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	if _, err := a.collection.DeleteOne(opCtx, a.idFilter(key)); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys implements stache.Container.
func (a *MongoDBAdapter) Keys(ctx context.Context) ([]string, error) {
	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetSort(bson.D{{Key: "_id.k", Value: 1}})
	cursor, err := a.collection.Find(opCtx, a.nsFilter(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer cursor.Close(opCtx)

	var keys []string
	for cursor.Next(opCtx) {
		var e entry
		if err := cursor.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode key: %w", err)
		}
		keys = append(keys, e.ID.Key)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Clear implements stache.Clearer by deleting every document of the namespace.
func (a *MongoDBAdapter) Clear(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	res, err := a.collection.DeleteMany(opCtx, a.nsFilter())
	if err != nil {
		return fmt.Errorf("failed to clear prefix %q: %w", a.prefix, err)
	}
	a.logger.Debug("MongoDB namespace cleared", "prefix", a.prefix, "deleted", res.DeletedCount)
	return nil
}

// Ping checks the primary is reachable.
func (a *MongoDBAdapter) Ping(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	return a.client.Ping(ctx, readpref.Primary())
}

// HealthCheck pings with a 2s timeout.
func (a *MongoDBAdapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("MongoDB health check failed", "error", err)
		return fmt.Errorf("mongodb health check failed: %w", err)
	}
	return nil
}

// Close disconnects the client. Closing twice is a no-op.
func (a *MongoDBAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to close mongodb connection: %w", err)
	}
	a.logger.Info("MongoDB connection closed")
	return nil
}

func (a *MongoDBAdapter) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("mongodb adapter is closed")
	}
	return nil
}

func (a *MongoDBAdapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}
