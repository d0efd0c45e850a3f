// Package repository is the DynamoDB row store. Everything lives in one table
// keyed by PK/SK.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkInbox  = "INBOX"
	pkOutbox = "OUTBOX"

	skProfile   = "PROFILE"
	skPrefixMsg = "MSG#"
	skPrefixDue = "DUE#"
	skPrefixTop = "TOPIC#"
	skPrefixMem = "MEM#"
	skPrefixRow = "ROW#"

	// sortTime is fixed width so sort keys order chronologically.
	sortTime = "2006-01-02T15:04:05.000000000Z"

	outboxTTL = 7 * 24 * time.Hour

	// maxTransactItems is the DynamoDB limit for one TransactWriteItems call.
	maxTransactItems = 100
)

// ErrConflict is returned when a write lost a race with another writer.
var ErrConflict = errors.New("repository: conflicting write")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding inbox, users, dialogue, outbox,
// memory and live table rows.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func userPK(userID string) string     { return "USER#" + userID }
func dialoguePK(userID string) string { return "DIALOGUE#" + userID }
func tablePK(table string) string     { return "TABLE#" + table }

func inboxUserPrefix(userID string) string {
	return skPrefixMsg + userID + "#"
}

func inboxSK(userID string, at time.Time, messageID string) string {
	return inboxUserPrefix(userID) + sortStamp(at) + "#" + messageID
}

func dialogueSK(at time.Time, messageID string) string {
	return skPrefixMsg + sortStamp(at) + "#" + messageID
}

func outboxSK(at time.Time, id string) string {
	return skPrefixDue + sortStamp(at) + "#" + id
}

func sortStamp(t time.Time) string {
	return t.UTC().Format(sortTime)
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// queryAll follows LastEvaluatedKey until the query is exhausted or stop
// returns true for an item.
func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput, visit func(map[string]types.AttributeValue) (stop bool, err error)) error {
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		for _, item := range out.Items {
			stop, err := visit(item)
			if err != nil || stop {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	var tce *types.TransactionCanceledException
	return errors.As(err, &ccf) || errors.As(err, &tce)
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

// optStrAttr returns "" for missing or NULL attributes.
func optStrAttr(item map[string]types.AttributeValue, key string) string {
	if s, ok := item[key].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
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

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	n, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	f, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return f, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	b, ok := item[key].(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

// optTimeAttr returns the zero time for missing or empty attributes.
func optTimeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	if optStrAttr(item, key) == "" {
		return time.Time{}, nil
	}
	return timeAttr(item, key)
}

func vectorAttr(item map[string]types.AttributeValue, key string) ([]float64, error) {
	l, ok := item[key].(*types.AttributeValueMemberL)
	if !ok {
		return nil, nil
	}
	out := make([]float64, 0, len(l.Value))
	for i, v := range l.Value {
		n, ok := v.(*types.AttributeValueMemberN)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q[%d] is not a number", key, i)
		}
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("repository: parse attribute %q[%d]: %w", key, i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

func sAttr(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func nAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func fAttr(v float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(v, 'g', -1, 64)}
}

func tAttr(t time.Time) types.AttributeValue {
	if t.IsZero() {
		return sAttr("")
	}
	return sAttr(t.UTC().Format(time.RFC3339Nano))
}

func vAttr(v []float64) types.AttributeValue {
	l := make([]types.AttributeValue, len(v))
	for i, f := range v {
		l[i] = fAttr(f)
	}
	return &types.AttributeValueMemberL{Value: l}
}

func nullAttr() types.AttributeValue { return &types.AttributeValueMemberNULL{Value: true} }
