package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"knowledge-agent/internal/domain"
)

const (
	skTurns          = "TURNS"
	skCounter        = "COUNTER"
	DefaultMaxTurns  = 10
	DefaultTTL       = 30 * time.Minute
	maxAppendRetries = 3
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores session turn history and rate limit counters in one
// DynamoDB table. Each session is a single item holding its turns as JSON,
// guarded by an optimistic version number.
type Client struct {
	api       dynamodbAPI
	tableName string
	maxTurns  int
	ttl       time.Duration
	now       func() time.Time
}

// New creates a new repository Client. maxTurns and ttl fall back to
// DefaultMaxTurns and DefaultTTL when not positive.
func New(api dynamodbAPI, tableName string, maxTurns int, ttl time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{api: api, tableName: tableName, maxTurns: maxTurns, ttl: ttl, now: time.Now}, nil
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func counterPK(key string) string {
	return "COUNTER#" + key
}

func (c *Client) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// sessionItem is the decoded session record.
type sessionItem struct {
	turns   []domain.ConversationTurn
	version int
	exists  bool
}

func (c *Client) load(ctx context.Context, sessionID string) (sessionItem, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(sessionPK(sessionID), skTurns),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return sessionItem{}, fmt.Errorf("repository: get session: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return sessionItem{}, nil
	}

	version, err := intAttr(out.Item, "version")
	if err != nil {
		return sessionItem{}, fmt.Errorf("repository: decode version: %w", err)
	}
	item := sessionItem{version: version, exists: true}

	// DynamoDB deletes expired items lazily, so expiry is checked on read.
	if ttl, err := intAttr(out.Item, "ttl"); err == nil && int64(ttl) <= c.now().Unix() {
		return item, nil
	}

	raw, err := strAttr(out.Item, "turns")
	if err != nil {
		return sessionItem{}, err
	}
	if err := json.Unmarshal([]byte(raw), &item.turns); err != nil {
		return sessionItem{}, fmt.Errorf("repository: decode turns: %w", err)
	}
	return item, nil
}

// Get returns the session's turns oldest first. Unknown and expired
// sessions read as empty.
func (c *Client) Get(ctx context.Context, sessionID string) ([]domain.ConversationTurn, error) {
	item, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return item.turns, nil
}

// Append adds turn to the session, evicting the oldest turns beyond the
// configured capacity and refreshing the expiry. Concurrent appends to the
// same session are serialized through a conditional write on the version.
func (c *Client) Append(ctx context.Context, sessionID string, turn domain.ConversationTurn) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: Append: session id is required")
	}

	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		item, err := c.load(ctx, sessionID)
		if err != nil {
			return err
		}

		turns := append(item.turns, turn)
		if len(turns) > c.maxTurns {
			turns = turns[len(turns)-c.maxTurns:]
		}
		encoded, err := json.Marshal(turns)
		if err != nil {
			return fmt.Errorf("repository: encode turns: %w", err)
		}

		now := c.now().UTC()
		in := &dynamodb.PutItemInput{
			TableName: aws.String(c.tableName),
			Item: map[string]types.AttributeValue{
				"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
				"SK":        &types.AttributeValueMemberS{Value: skTurns},
				"sessionId": &types.AttributeValueMemberS{Value: sessionID},
				"turns":     &types.AttributeValueMemberS{Value: string(encoded)},
				"version":   numAttr(int64(item.version + 1)),
				"updatedAt": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
				"ttl":       numAttr(now.Add(c.ttl).Unix()),
			},
		}
		if item.exists {
			in.ConditionExpression = aws.String("version = :v")
			in.ExpressionAttributeValues = map[string]types.AttributeValue{":v": numAttr(int64(item.version))}
		} else {
			in.ConditionExpression = aws.String("attribute_not_exists(PK)")
		}

		_, err = c.api.PutItem(ctx, in)
		if err == nil {
			return nil
		}
		var ccf *types.ConditionalCheckFailedException
		if !errors.As(err, &ccf) {
			return fmt.Errorf("repository: Append: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("repository: Append: concurrent updates to session: %w", lastErr)
}

// Clear removes the session. Clearing an unknown session is not an error.
func (c *Client) Clear(ctx context.Context, sessionID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(sessionPK(sessionID), skTurns),
	})
	if err != nil {
		return fmt.Errorf("repository: Clear: %w", err)
	}
	return nil
}

// Incr atomically adds one to the counter and returns the new value. The
// expiry is set only when the counter is created.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return c.add(ctx, key, 1, ttl)
}

// Decr atomically subtracts one from the counter. A counter that is already
// gone is left alone.
func (c *Client) Decr(ctx context.Context, key string) error {
	_, err := c.add(ctx, key, -1, 0)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return nil
	}
	return err
}

func (c *Client) add(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	update := "ADD #count :n"
	values := map[string]types.AttributeValue{":n": numAttr(delta)}
	names := map[string]string{"#count": "count"}
	if ttl > 0 {
		update += " SET #ttl = if_not_exists(#ttl, :ttl)"
		values[":ttl"] = numAttr(c.now().Add(ttl).Unix())
		names["#ttl"] = "ttl"
	}

	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       c.key(counterPK(key), skCounter),
		UpdateExpression:          aws.String(update),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	}
	if delta < 0 {
		in.ConditionExpression = aws.String("attribute_exists(PK)")
	}
	out, err := c.api.UpdateItem(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("repository: update counter %q: %w", key, err)
	}
	if out == nil || out.Attributes == nil {
		return 0, nil
	}
	n, err := intAttr(out.Attributes, "count")
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// Count returns the counter's current value, zero when absent or expired.
func (c *Client) Count(ctx context.Context, key string) (int64, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(counterPK(key), skCounter),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: get counter %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	if ttl, err := intAttr(out.Item, "ttl"); err == nil && int64(ttl) <= c.now().Unix() {
		return 0, nil
	}
	n, err := intAttr(out.Item, "count")
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func numAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
