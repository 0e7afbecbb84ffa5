package mutex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	DefaultDynamoDBTable = "jobcoord_locks"

	// dynamoMaxTransactItems is the TransactWriteItems limit.
	dynamoMaxTransactItems = 100
	// dynamoPurgeGrace delays the native TTL sweep past the lease expiry.
	dynamoPurgeGrace = time.Minute
)

var validDynamoTableName = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,255}$`)

// dynamoAPI is the subset of *dynamodb.Client the node uses.
type dynamoAPI interface {
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBNodeConfig configures a lock node backed by a DynamoDB table whose
// partition key is the string attribute lock_key.
type DynamoDBNodeConfig struct {
	Name             string
	Region           string
	Endpoint         string
	Table            string
	OperationTimeout time.Duration
}

func (c *DynamoDBNodeConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = DefaultDynamoDBTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
}

// DynamoDBNode stores one item per key and takes a key set with a single
// transaction. Expiry is compared against the replica clock, so clock skew
// between replicas must stay inside the mutex drift allowance. Items carry a
// purge_after epoch attribute for the table's native TTL sweep.
type DynamoDBNode struct {
	name   string
	client dynamoAPI
	table  string
	now    func() time.Time
}

// NewDynamoDBNode loads the AWS configuration and checks that the table exists.
// The table itself is provisioned outside the coordinator.
func NewDynamoDBNode(cfg DynamoDBNodeConfig) (*DynamoDBNode, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, mutexError(ErrInvalidArgument, "dynamodb region is required")
	}
	cfg.normalize()
	if !validDynamoTableName.MatchString(cfg.Table) {
		return nil, mutexError(ErrInvalidArgument, fmt.Sprintf("invalid dynamodb lock table name %q", cfg.Table))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	name := cfg.Name
	if strings.TrimSpace(name) == "" {
		name = "dynamodb://" + cfg.Region + "/" + cfg.Table
	}
	node, err := newDynamoDBNodeWithClient(name, dynamodb.NewFromConfig(awsCfg, opts...), cfg)
	if err != nil {
		return nil, err
	}
	if err := node.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return node, nil
}

func newDynamoDBNodeWithClient(name string, client dynamoAPI, cfg DynamoDBNodeConfig) (*DynamoDBNode, error) {
	if client == nil {
		return nil, mutexError(ErrNotInitialized, "dynamodb client is required")
	}
	cfg.normalize()
	if !validDynamoTableName.MatchString(cfg.Table) {
		return nil, mutexError(ErrInvalidArgument, fmt.Sprintf("invalid dynamodb lock table name %q", cfg.Table))
	}
	return &DynamoDBNode{name: name, client: client, table: cfg.Table, now: time.Now}, nil
}

func (n *DynamoDBNode) Name() string { return n.name }

// Table returns the lock table name.
func (n *DynamoDBNode) Table() string { return n.table }

// Acquire puts every key in one transaction, each conditioned on the key
// being absent or expired.
func (n *DynamoDBNode) Acquire(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := n.ready(keys); err != nil {
		return false, err
	}
	now := n.now()
	expires := now.Add(ttl)
	items := make([]types.TransactWriteItem, len(keys))
	for i, key := range keys {
		items[i] = types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(n.table),
			Item: map[string]types.AttributeValue{
				"lock_key":    &types.AttributeValueMemberS{Value: key},
				"token":       &types.AttributeValueMemberS{Value: token},
				"expires_at":  unixMillis(expires),
				"purge_after": unixSeconds(expires.Add(dynamoPurgeGrace)),
			},
			ConditionExpression:       aws.String("attribute_not_exists(lock_key) OR expires_at <= :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":now": unixMillis(now)},
		}}
	}
	_, err := n.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	return conditionalOutcome(err, "dynamodb acquire failed")
}

// Extend resets the expiry of every key in one transaction, each conditioned
// on the key still being owned by token.
func (n *DynamoDBNode) Extend(ctx context.Context, keys []string, token string, ttl time.Duration) (bool, error) {
	if err := n.ready(keys); err != nil {
		return false, err
	}
	now := n.now()
	expires := now.Add(ttl)
	items := make([]types.TransactWriteItem, len(keys))
	for i, key := range keys {
		items[i] = types.TransactWriteItem{Update: &types.Update{
			TableName:                aws.String(n.table),
			Key:                      map[string]types.AttributeValue{"lock_key": &types.AttributeValueMemberS{Value: key}},
			UpdateExpression:         aws.String("SET expires_at = :expires, purge_after = :purge"),
			ConditionExpression:      aws.String("#tok = :token AND expires_at > :now"),
			ExpressionAttributeNames: map[string]string{"#tok": "token"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expires": unixMillis(expires),
				":purge":   unixSeconds(expires.Add(dynamoPurgeGrace)),
				":token":   &types.AttributeValueMemberS{Value: token},
				":now":     unixMillis(now),
			},
		}}
	}
	_, err := n.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	return conditionalOutcome(err, "dynamodb extend failed")
}

// Release deletes each key still owned by token. Keys owned by someone else
// are left alone.
func (n *DynamoDBNode) Release(ctx context.Context, keys []string, token string) error {
	if err := n.ready(keys); err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		_, err := n.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(n.table),
			Key:                       map[string]types.AttributeValue{"lock_key": &types.AttributeValueMemberS{Value: key}},
			ConditionExpression:       aws.String("#tok = :token"),
			ExpressionAttributeNames:  map[string]string{"#tok": "token"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":token": &types.AttributeValueMemberS{Value: token}},
		})
		var conditionFailed *types.ConditionalCheckFailedException
		if err != nil && !errors.As(err, &conditionFailed) {
			errs = append(errs, fmt.Errorf("key %s: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return errors.Join(mutexError(ErrQuorumUnreachable, "dynamodb release failed"), err)
	}
	return nil
}

func (n *DynamoDBNode) HealthCheck(ctx context.Context) error {
	if n == nil || n.client == nil {
		return mutexError(ErrNotInitialized, "dynamodb node is not initialized")
	}
	if _, err := n.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(n.table)}); err != nil {
		return errors.Join(mutexError(ErrQuorumUnreachable, "dynamodb healthcheck failed"), err)
	}
	return nil
}

// Close is a no-op: the SDK client holds no resources to release.
func (n *DynamoDBNode) Close() error { return nil }

func (n *DynamoDBNode) ready(keys []string) error {
	if n == nil || n.client == nil {
		return mutexError(ErrNotInitialized, "dynamodb node is not initialized")
	}
	if len(keys) > dynamoMaxTransactItems {
		return mutexError(ErrInvalidArgument, fmt.Sprintf("dynamodb locks at most %d resources at once", dynamoMaxTransactItems))
	}
	return nil
}

// conditionalOutcome maps a transaction whose condition failed to a refusal,
// and any other failure to an unavailable node.
func conditionalOutcome(err error, msg string) (bool, error) {
	if err == nil {
		return true, nil
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return false, nil
			}
		}
	}
	return false, errors.Join(mutexError(ErrQuorumUnreachable, msg), err)
}

func unixMillis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

func unixSeconds(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}
