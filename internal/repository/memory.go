package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pinecone-agent/internal/domain"
)

// ListTopics returns every memory topic of the user.
func (c *Client) ListTopics(ctx context.Context, userID string) ([]domain.Topic, error) {
	var topics []domain.Topic
	err := c.queryAll(ctx, c.userPrefixQuery(userID, skPrefixTop), func(item map[string]types.AttributeValue) (bool, error) {
		t, err := itemToTopic(item)
		if err != nil {
			return false, err
		}
		topics = append(topics, t)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListTopics: %w", err)
	}
	return topics, nil
}

// PutTopic creates or replaces a topic.
func (c *Client) PutTopic(ctx context.Context, t domain.Topic) error {
	if t.UserID == "" || t.ID == "" {
		return errors.New("repository: PutTopic: user and topic id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        sAttr(userPK(t.UserID)),
			"SK":        sAttr(skPrefixTop + t.ID),
			"topicId":   sAttr(t.ID),
			"userId":    sAttr(t.UserID),
			"name":      sAttr(t.Name),
			"embedding": vAttr(t.Embedding),
			"createdAt": tAttr(t.CreatedAt),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutTopic: %w", err)
	}
	return nil
}

// ListMemories returns the user's memories filed under topicID.
func (c *Client) ListMemories(ctx context.Context, userID, topicID string) ([]domain.Memory, error) {
	in := c.userPrefixQuery(userID, skPrefixMem)
	in.FilterExpression = aws.String("topicId = :topic")
	in.ExpressionAttributeValues[":topic"] = sAttr(topicID)

	var memories []domain.Memory
	err := c.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		m, err := itemToMemory(item)
		if err != nil {
			return false, err
		}
		memories = append(memories, m)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListMemories: %w", err)
	}
	return memories, nil
}

// PutMemory creates or replaces a memory.
func (c *Client) PutMemory(ctx context.Context, m domain.Memory) error {
	if m.UserID == "" || m.ID == "" {
		return errors.New("repository: PutMemory: user and memory id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             sAttr(userPK(m.UserID)),
			"SK":             sAttr(skPrefixMem + m.ID),
			"memoryId":       sAttr(m.ID),
			"userId":         sAttr(m.UserID),
			"topicId":        sAttr(m.TopicID),
			"text":           sAttr(m.Text),
			"embedding":      vAttr(m.Embedding),
			"importance":     fAttr(m.Importance),
			"frequency":      nAttr(int64(m.Frequency)),
			"createdAt":      tAttr(m.CreatedAt),
			"lastRecalledAt": tAttr(m.LastRecalledAt),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutMemory: %w", err)
	}
	return nil
}

// DeleteMemory removes a memory. Deleting a missing memory is not an error.
func (c *Client) DeleteMemory(ctx context.Context, userID, memoryID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(userPK(userID), skPrefixMem+memoryID),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteMemory: %w", err)
	}
	return nil
}

func (c *Client) userPrefixQuery(userID, prefix string) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(userPK(userID)),
			":prefix": sAttr(prefix),
		},
	}
}

func itemToTopic(item map[string]types.AttributeValue) (domain.Topic, error) {
	id, err := strAttr(item, "topicId")
	if err != nil {
		return domain.Topic{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Topic{}, err
	}
	emb, err := vectorAttr(item, "embedding")
	if err != nil {
		return domain.Topic{}, err
	}
	created, err := optTimeAttr(item, "createdAt")
	if err != nil {
		return domain.Topic{}, err
	}
	return domain.Topic{
		ID:        id,
		UserID:    userID,
		Name:      optStrAttr(item, "name"),
		Embedding: emb,
		CreatedAt: created,
	}, nil
}

func itemToMemory(item map[string]types.AttributeValue) (domain.Memory, error) {
	id, err := strAttr(item, "memoryId")
	if err != nil {
		return domain.Memory{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Memory{}, err
	}
	emb, err := vectorAttr(item, "embedding")
	if err != nil {
		return domain.Memory{}, err
	}
	importance, err := floatAttr(item, "importance")
	if err != nil {
		return domain.Memory{}, err
	}
	freq, err := intAttr(item, "frequency")
	if err != nil {
		return domain.Memory{}, err
	}
	created, err := optTimeAttr(item, "createdAt")
	if err != nil {
		return domain.Memory{}, err
	}
	recalled, err := optTimeAttr(item, "lastRecalledAt")
	if err != nil {
		return domain.Memory{}, err
	}
	return domain.Memory{
		ID:             id,
		UserID:         userID,
		TopicID:        optStrAttr(item, "topicId"),
		Text:           optStrAttr(item, "text"),
		Embedding:      emb,
		Importance:     importance,
		Frequency:      freq,
		CreatedAt:      created,
		LastRecalledAt: recalled,
	}, nil
}
