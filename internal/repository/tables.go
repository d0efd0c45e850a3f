package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pinecone-agent/internal/domain"
)

// FetchTable reads every row of a live table, projecting columns in order.
// Missing and NULL attributes become null fields.
func (c *Client) FetchTable(ctx context.Context, table string, columns []string) ([]domain.Record, error) {
	if table == "" || len(columns) == 0 {
		return nil, errors.New("repository: FetchTable: table and columns are required")
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(tablePK(table)),
			":prefix": sAttr(skPrefixRow),
		},
	}
	var records []domain.Record
	err := c.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		rec := make(domain.Record, len(columns))
		for i, col := range columns {
			rec[i] = field(col, item[col])
		}
		records = append(records, rec)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FetchTable %s: %w", table, err)
	}
	return records, nil
}

// PutTableRow writes one live table row. Empty values are stored as NULL.
func (c *Client) PutTableRow(ctx context.Context, table, rowID string, values map[string]string) error {
	if table == "" || rowID == "" {
		return errors.New("repository: PutTableRow: table and row id are required")
	}
	item := map[string]types.AttributeValue{
		"PK": sAttr(tablePK(table)),
		"SK": sAttr(skPrefixRow + rowID),
	}
	for col, v := range values {
		if col == "PK" || col == "SK" {
			return fmt.Errorf("repository: PutTableRow: column name %q is reserved", col)
		}
		if v == "" {
			item[col] = nullAttr()
			continue
		}
		item[col] = sAttr(v)
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutTableRow: %w", err)
	}
	return nil
}

func field(name string, v types.AttributeValue) domain.Field {
	switch tv := v.(type) {
	case *types.AttributeValueMemberS:
		return domain.Field{Name: name, Value: tv.Value, Valid: true}
	case *types.AttributeValueMemberN:
		return domain.Field{Name: name, Value: tv.Value, Valid: true}
	case *types.AttributeValueMemberBOOL:
		return domain.Field{Name: name, Value: strconv.FormatBool(tv.Value), Valid: true}
	default:
		return domain.Field{Name: name}
	}
}
