package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pinecone-agent/internal/domain"
)

// PushPending stores an inbound message. Redelivered messages are ignored.
func (c *Client) PushPending(ctx context.Context, m domain.PendingMessage) error {
	if m.UserID == "" || m.MessageID == "" {
		return errors.New("repository: PushPending: user and message id are required")
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = c.now()
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                pendingItem(m),
		ConditionExpression: aws.String("attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailure(err) {
			return nil
		}
		return fmt.Errorf("repository: PushPending: %w", err)
	}
	return nil
}

// ListWaitingUsers returns users with at least one undispatched message, in
// first-seen order.
func (c *Client) ListWaitingUsers(ctx context.Context) ([]string, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("dispatched = :f"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": sAttr(pkInbox),
			":f":  &types.AttributeValueMemberBOOL{Value: false},
		},
		ConsistentRead: aws.Bool(true),
	}
	seen := make(map[string]bool)
	var users []string
	err := c.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		u, err := strAttr(item, "userId")
		if err != nil {
			return false, err
		}
		if !seen[u] {
			seen[u] = true
			users = append(users, u)
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListWaitingUsers: %w", err)
	}
	return users, nil
}

// ClaimPending returns every inbox row of the user in arrival order and marks
// the undispatched ones as dispatched. Rows from an earlier failed batch are
// included so they are processed again.
func (c *Client) ClaimPending(ctx context.Context, userID string) ([]domain.PendingMessage, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(pkInbox),
			":prefix": sAttr(inboxUserPrefix(userID)),
		},
		ConsistentRead: aws.Bool(true),
	}
	var rows []domain.PendingMessage
	err := c.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		m, err := itemToPending(item)
		if err != nil {
			return false, err
		}
		rows = append(rows, m)
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ClaimPending query: %w", err)
	}

	claimed := rows[:0]
	for _, m := range rows {
		if !m.Dispatched {
			_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(c.tableName),
				Key:                 key(pkInbox, inboxSK(m.UserID, m.ReceivedAt, m.MessageID)),
				UpdateExpression:    aws.String("SET dispatched = :t"),
				ConditionExpression: aws.String("attribute_exists(SK)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":t": &types.AttributeValueMemberBOOL{Value: true},
				},
			})
			if err != nil {
				if isConditionFailure(err) {
					continue
				}
				return nil, fmt.Errorf("repository: ClaimPending mark dispatched: %w", err)
			}
			m.Dispatched = true
		}
		claimed = append(claimed, m)
	}
	return claimed, nil
}

// EnsureUser creates the user profile row when it does not exist yet.
func (c *Client) EnsureUser(ctx context.Context, userID string) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":        sAttr(userPK(userID)),
			"SK":        sAttr(skProfile),
			"userId":    sAttr(userID),
			"createdAt": tAttr(c.now()),
			"schedule":  nullAttr(),
			"stage":     nullAttr(),
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil && !isConditionFailure(err) {
		return fmt.Errorf("repository: EnsureUser: %w", err)
	}
	return nil
}

// LoadFlowState returns the persisted flow and stage, or nil when the user is
// not in a flow.
func (c *Client) LoadFlowState(ctx context.Context, userID string) (*domain.FlowState, int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(userID), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("repository: LoadFlowState get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, 0, nil
	}
	raw := optStrAttr(out.Item, "schedule")
	if raw == "" {
		return nil, 0, nil
	}
	var state domain.FlowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, 0, fmt.Errorf("repository: LoadFlowState decode schedule: %w", err)
	}
	stage := 0
	if _, ok := out.Item["stage"].(*types.AttributeValueMemberN); ok {
		if stage, err = intAttr(out.Item, "stage"); err != nil {
			return nil, 0, fmt.Errorf("repository: LoadFlowState: %w", err)
		}
	}
	return &state, stage, nil
}

// SaveFlowState persists the flow and stage. A nil state clears both.
func (c *Client) SaveFlowState(ctx context.Context, userID string, state *domain.FlowState, stage int) error {
	schedule, stageAttr := nullAttr(), nullAttr()
	if state != nil {
		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("repository: SaveFlowState encode schedule: %w", err)
		}
		schedule, stageAttr = sAttr(string(raw)), nAttr(int64(stage))
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(userPK(userID), skProfile),
		UpdateExpression: aws.String("SET #sc = :sc, #st = :st, userId = :u"),
		ExpressionAttributeNames: map[string]string{
			"#sc": "schedule",
			"#st": "stage",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sc": schedule,
			":st": stageAttr,
			":u":  sAttr(userID),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveFlowState: %w", err)
	}
	return nil
}

// History returns up to limit most recent dialogue turns, oldest first.
func (c *Client) History(ctx context.Context, userID string, limit int) ([]domain.DialogueTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(dialoguePK(userID)),
			":prefix": sAttr(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: History query: %w", err)
	}
	if out == nil {
		return nil, nil
	}
	turns := make([]domain.DialogueTurn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: History unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// LookupMessage finds a dialogue turn by message id. It returns nil when the
// message is unknown.
func (c *Client) LookupMessage(ctx context.Context, userID, messageID string) (*domain.DialogueTurn, error) {
	if messageID == "" {
		return nil, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("messageId = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     sAttr(dialoguePK(userID)),
			":prefix": sAttr(skPrefixMsg),
			":id":     sAttr(messageID),
		},
	}
	var found *domain.DialogueTurn
	err := c.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		t, err := itemToTurn(item)
		if err != nil {
			return false, err
		}
		found = &t
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: LookupMessage: %w", err)
	}
	return found, nil
}

// CommitTurn deletes the consumed inbox rows, appends the dialogue turns and
// enqueues the reply in one transaction. ErrConflict means another worker
// already consumed one of the rows.
func (c *Client) CommitTurn(ctx context.Context, tc domain.TurnCommit) error {
	if tc.UserID == "" || tc.Reply.ID == "" {
		return errors.New("repository: CommitTurn: user and reply id are required")
	}
	items := make([]types.TransactWriteItem, 0, len(tc.Consumed)+len(tc.Turns)+1)
	for _, m := range tc.Consumed {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName:           aws.String(c.tableName),
				Key:                 key(pkInbox, inboxSK(m.UserID, m.ReceivedAt, m.MessageID)),
				ConditionExpression: aws.String("attribute_exists(SK)"),
			},
		})
	}
	for _, t := range tc.Turns {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                turnItem(t),
				ConditionExpression: aws.String("attribute_not_exists(SK)"),
			},
		})
	}
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(c.tableName),
			Item:      c.replyItem(tc.Reply),
		},
	})
	if len(items) > maxTransactItems {
		return fmt.Errorf("repository: CommitTurn: %d writes exceed the transaction limit of %d", len(items), maxTransactItems)
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: CommitTurn: %w: %w", ErrConflict, err)
		}
		return fmt.Errorf("repository: CommitTurn: %w", err)
	}
	return nil
}

// NextDue returns the earliest unsent reply whose send time is not after now,
// or nil when nothing is due.
func (c *Client) NextDue(ctx context.Context, now time.Time) (*domain.ScheduledReply, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :lo AND :hi"),
		FilterExpression:       aws.String("sent = :f"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": sAttr(pkOutbox),
			":lo": sAttr(skPrefixDue),
			":hi": sAttr(skPrefixDue + sortStamp(now) + "#~"),
			":f":  &types.AttributeValueMemberBOOL{Value: false},
		},
		ConsistentRead: aws.Bool(true),
	}
	var due *domain.ScheduledReply
	err := c.queryAll(ctx, in, func(item map[string]types.AttributeValue) (bool, error) {
		r, err := itemToReply(item)
		if err != nil {
			return false, err
		}
		due = &r
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("repository: NextDue: %w", err)
	}
	return due, nil
}

// MarkSent claims a reply for delivery. It reports false when the reply was
// already claimed by someone else.
func (c *Client) MarkSent(ctx context.Context, r domain.ScheduledReply) (bool, error) {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(pkOutbox, outboxSK(r.SendAt, r.ID)),
		UpdateExpression:    aws.String("SET sent = :t, sentAt = :now"),
		ConditionExpression: aws.String("sent = :f"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":   &types.AttributeValueMemberBOOL{Value: true},
			":f":   &types.AttributeValueMemberBOOL{Value: false},
			":now": tAttr(c.now()),
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			return false, nil
		}
		return false, fmt.Errorf("repository: MarkSent: %w", err)
	}
	return true, nil
}

func pendingItem(m domain.PendingMessage) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":         sAttr(pkInbox),
		"SK":         sAttr(inboxSK(m.UserID, m.ReceivedAt, m.MessageID)),
		"userId":     sAttr(m.UserID),
		"messageId":  sAttr(m.MessageID),
		"text":       sAttr(m.Text),
		"replyTo":    sAttr(m.ReplyTo),
		"replyToken": sAttr(m.ReplyToken),
		"receivedAt": tAttr(m.ReceivedAt),
		"dispatched": &types.AttributeValueMemberBOOL{Value: m.Dispatched},
	}
}

func itemToPending(item map[string]types.AttributeValue) (domain.PendingMessage, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.PendingMessage{}, err
	}
	msgID, err := strAttr(item, "messageId")
	if err != nil {
		return domain.PendingMessage{}, err
	}
	at, err := timeAttr(item, "receivedAt")
	if err != nil {
		return domain.PendingMessage{}, err
	}
	return domain.PendingMessage{
		UserID:     userID,
		MessageID:  msgID,
		Text:       optStrAttr(item, "text"),
		ReplyTo:    optStrAttr(item, "replyTo"),
		ReplyToken: optStrAttr(item, "replyToken"),
		ReceivedAt: at,
		Dispatched: boolAttr(item, "dispatched"),
	}, nil
}

func turnItem(t domain.DialogueTurn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        sAttr(dialoguePK(t.UserID)),
		"SK":        sAttr(dialogueSK(t.CreatedAt, t.MessageID)),
		"userId":    sAttr(t.UserID),
		"messageId": sAttr(t.MessageID),
		"role":      sAttr(t.Role),
		"content":   sAttr(t.Content),
		"replyTo":   sAttr(t.ReplyTo),
		"createdAt": tAttr(t.CreatedAt),
	}
}

func itemToTurn(item map[string]types.AttributeValue) (domain.DialogueTurn, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.DialogueTurn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.DialogueTurn{}, err
	}
	at, err := optTimeAttr(item, "createdAt")
	if err != nil {
		return domain.DialogueTurn{}, err
	}
	return domain.DialogueTurn{
		UserID:    userID,
		MessageID: optStrAttr(item, "messageId"),
		Role:      role,
		Content:   optStrAttr(item, "content"),
		ReplyTo:   optStrAttr(item, "replyTo"),
		CreatedAt: at,
	}, nil
}

func (c *Client) replyItem(r domain.ScheduledReply) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":               sAttr(pkOutbox),
		"SK":               sAttr(outboxSK(r.SendAt, r.ID)),
		"replyId":          sAttr(r.ID),
		"userId":           sAttr(r.UserID),
		"text":             sAttr(r.Text),
		"sendAt":           tAttr(r.SendAt),
		"sent":             &types.AttributeValueMemberBOOL{Value: r.Sent},
		"replyToken":       sAttr(r.ReplyToken),
		"replyTokenExpiry": tAttr(r.ReplyTokenExpiry),
		"ttl":              nAttr(r.SendAt.Add(outboxTTL).Unix()),
	}
}

func itemToReply(item map[string]types.AttributeValue) (domain.ScheduledReply, error) {
	id, err := strAttr(item, "replyId")
	if err != nil {
		return domain.ScheduledReply{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.ScheduledReply{}, err
	}
	sendAt, err := timeAttr(item, "sendAt")
	if err != nil {
		return domain.ScheduledReply{}, err
	}
	expiry, err := optTimeAttr(item, "replyTokenExpiry")
	if err != nil {
		return domain.ScheduledReply{}, err
	}
	return domain.ScheduledReply{
		ID:               id,
		UserID:           userID,
		Text:             optStrAttr(item, "text"),
		SendAt:           sendAt,
		Sent:             boolAttr(item, "sent"),
		ReplyToken:       optStrAttr(item, "replyToken"),
		ReplyTokenExpiry: expiry,
	}, nil
}

