// Package dynamodb provides a stache container backed by a DynamoDB table.
//
// The table must exist with a string partition key "pk" and a string sort key "sk".
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/stache/pkg/observability/logger"
	"github.com/nimburion/stache/pkg/stache"
)

const (
	attrPartition = "pk"
	attrSort      = "sk"
	attrValue     = "v"

	// DynamoDB rejects empty key attributes, so both carry a fixed marker.
	partitionMarker = "ns:"
	sortMarker      = "k:"

	batchWriteLimit   = 25
	maxBatchAttempts  = 5
	batchRetryBackoff = 50 * time.Millisecond
)

// API is the subset of the DynamoDB client used by the adapter.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBAdapter stores one item per entry under partition "ns:<prefix>".
type DynamoDBAdapter struct {
	client    API
	table     string
	partition string
	logger    logger.Logger
	timeout   time.Duration
	mu        sync.RWMutex
	closed    bool
}

var (
	_ stache.Container = (*DynamoDBAdapter)(nil)
	_ stache.Clearer   = (*DynamoDBAdapter)(nil)
)

// Config holds DynamoDB adapter configuration.
type Config struct {
	Table            string
	Prefix           string
	Region           string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
}

// NewDynamoDBAdapter builds an AWS SDK v2 client, honouring a custom endpoint, and checks the table exists.
func NewDynamoDBAdapter(cfg Config, log logger.Logger) (*DynamoDBAdapter, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	adapter := NewWithClient(dynamodb.NewFromConfig(awsCfg, opts...), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		return nil, err
	}

	log.Info("DynamoDB adapter initialized",
		"region", cfg.Region,
		"endpoint", cfg.Endpoint,
		"table", cfg.Table,
		"prefix", cfg.Prefix,
	)
	return adapter, nil
}

// NewWithClient wraps an existing client without contacting DynamoDB.
func NewWithClient(client API, cfg Config, log logger.Logger) *DynamoDBAdapter {
	return &DynamoDBAdapter{
		client:    client,
		table:     cfg.Table,
		partition: partitionMarker + cfg.Prefix,
		logger:    log,
		timeout:   cfg.OperationTimeout,
	}
}

func (a *DynamoDBAdapter) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPartition: &types.AttributeValueMemberS{Value: a.partition},
		attrSort:      &types.AttributeValueMemberS{Value: sortMarker + key},
	}
}

// Get implements stache.Container with a strongly consistent read.
func (a *DynamoDBAdapter) Get(ctx context.Context, key string) (string, bool, error) {
	if err := a.ensureOpen(); err != nil {
		return "", false, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	out, err := a.client.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.table),
		Key:            a.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if out.Item == nil {
		return "", false, nil
	}
	v, ok := out.Item[attrValue].(*types.AttributeValueMemberS)
	if !ok {
		return "", false, fmt.Errorf("item for key %s has no string value", key)
	}
	return v.Value, true, nil
}

// Set implements stache.Container.
func (a *DynamoDBAdapter) Set(ctx context.Context, key, value string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	item := a.itemKey(key)
	item[attrValue] = &types.AttributeValueMemberS{Value: value}
	if _, err := a.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete implements stache.Container.
func (a *DynamoDBAdapter) Delete(ctx context.Context, key string) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	if _, err := a.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName: aws.String(a.table),
		Key:       a.itemKey(key),
	}); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys implements stache.Container by querying the whole partition, following pagination.
func (a *DynamoDBAdapter) Keys(ctx context.Context) ([]string, error) {
	if err := a.ensureOpen(); err != nil {
		return nil, err
	}
	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	paginator := dynamodb.NewQueryPaginator(a.client, &dynamodb.QueryInput{
		TableName:                aws.String(a.table),
		KeyConditionExpression:   aws.String("#pk = :pk"),
		ProjectionExpression:     aws.String("#sk"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPartition, "#sk": attrSort},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: a.partition},
		},
		ConsistentRead: aws.Bool(true),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(opCtx)
		if err != nil {
			return nil, fmt.Errorf("failed to list keys: %w", err)
		}
		for _, item := range page.Items {
			sk, ok := item[attrSort].(*types.AttributeValueMemberS)
			if !ok || !strings.HasPrefix(sk.Value, sortMarker) {
				continue
			}
			keys = append(keys, strings.TrimPrefix(sk.Value, sortMarker))
		}
	}
	return keys, nil
}

// Clear implements stache.Clearer with batched deletes of the partition.
func (a *DynamoDBAdapter) Clear(ctx context.Context) error {
	keys, err := a.Keys(ctx)
	if err != nil {
		return err
	}

	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()

	for start := 0; start < len(keys); start += batchWriteLimit {
		end := start + batchWriteLimit
		if end > len(keys) {
			end = len(keys)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: a.itemKey(k)},
			})
		}
		if err := a.batchWrite(opCtx, requests); err != nil {
			return fmt.Errorf("failed to clear partition %q: %w", a.partition, err)
		}
	}

	a.logger.Debug("DynamoDB partition cleared", "partition", a.partition, "deleted", len(keys))
	return nil
}

// batchWrite submits requests, resubmitting unprocessed items and throttled batches.
func (a *DynamoDBAdapter) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{a.table: requests}
	for attempt := 1; ; attempt++ {
		out, err := a.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		switch {
		case err != nil && !IsThrottlingError(err):
			return err
		case err == nil && len(out.UnprocessedItems[a.table]) == 0:
			return nil
		case err == nil:
			pending = map[string][]types.WriteRequest{a.table: out.UnprocessedItems[a.table]}
		}

		if attempt == maxBatchAttempts {
			if err != nil {
				return err
			}
			return fmt.Errorf("%d delete requests left unprocessed", len(pending[a.table]))
		}

		a.logger.Warn("DynamoDB batch write incomplete, retrying", "attempt", attempt, "pending", len(pending[a.table]))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * batchRetryBackoff):
		}
	}
}

// Ping describes the configured table.
func (a *DynamoDBAdapter) Ping(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}

	opCtx, cancel := a.withOperationTimeout(ctx)
	defer cancel()
	_, err := a.client.DescribeTable(opCtx, &dynamodb.DescribeTableInput{TableName: aws.String(a.table)})
	if err != nil {
		return fmt.Errorf("dynamodb ping failed: %w", err)
	}
	return nil
}

// HealthCheck pings with a 2s timeout.
func (a *DynamoDBAdapter) HealthCheck(ctx context.Context) error {
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Ping(hcCtx); err != nil {
		a.logger.Error("DynamoDB health check failed", "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

// Close marks the adapter closed. The SDK client holds no connections to release.
func (a *DynamoDBAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *DynamoDBAdapter) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return fmt.Errorf("dynamodb adapter is closed")
	}
	return nil
}

func (a *DynamoDBAdapter) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// IsThrottlingError reports whether err is a provisioned throughput rejection.
func IsThrottlingError(err error) bool {
	if err == nil {
		return false
	}
	var pte *types.ProvisionedThroughputExceededException
	return errors.As(err, &pte)
}
