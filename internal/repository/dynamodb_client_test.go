package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"pinecone-agent/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateErr error
	deleteErr error
	queryOuts []*dynamodb.QueryOutput
	queryErr  error
	txErr     error

	lastGetInput *dynamodb.GetItemInput
	putInputs    []*dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	lastDeleteIn *dynamodb.DeleteItemInput
	queryInputs  []dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteIn = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

// Query returns queued outputs in order; the input is copied because the
// client reuses it while paginating.
func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, *in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 123, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return t0 }
	return c
}

func sOf(t *testing.T, item map[string]types.AttributeValue, k string) string {
	t.Helper()
	v, err := strAttr(item, k)
	require.NoError(t, err)
	return v
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

// ── Inbox ─────────────────────────────────────────────────────────────────────

func TestPushPending_WritesConditionalItem(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.PushPending(context.Background(), domain.PendingMessage{
		UserID: "U1", MessageID: "m1", Text: "hi", ReplyToken: "rt", ReceivedAt: t0,
	})
	require.NoError(t, err)
	require.Len(t, db.putInputs, 1)
	in := db.putInputs[0]
	require.Equal(t, "attribute_not_exists(SK)", aws.ToString(in.ConditionExpression))
	require.Equal(t, pkInbox, sOf(t, in.Item, "PK"))
	require.Equal(t, "MSG#U1#2025-03-01T09:00:00.000000123Z#m1", sOf(t, in.Item, "SK"))
	require.False(t, boolAttr(in.Item, "dispatched"))
}

func TestPushPending_DuplicateIgnored(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)
	require.NoError(t, c.PushPending(context.Background(), domain.PendingMessage{UserID: "U1", MessageID: "m1"}))
}

func TestPushPending_RequiresIDs(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.PushPending(context.Background(), domain.PendingMessage{UserID: "U1"}))
}

func TestListWaitingUsers_DistinctAcrossPages(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items: []map[string]types.AttributeValue{
				pendingItem(domain.PendingMessage{UserID: "U1", MessageID: "a", ReceivedAt: t0}),
				pendingItem(domain.PendingMessage{UserID: "U2", MessageID: "b", ReceivedAt: t0}),
			},
			LastEvaluatedKey: key(pkInbox, "x"),
		},
		{Items: []map[string]types.AttributeValue{
			pendingItem(domain.PendingMessage{UserID: "U1", MessageID: "c", ReceivedAt: t0}),
		}},
	}}
	c := mustNewClient(t, db)

	users, err := c.ListWaitingUsers(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"U1", "U2"}, users)
	require.Len(t, db.queryInputs, 2)
	require.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
	require.Equal(t, "dispatched = :f", aws.ToString(db.queryInputs[0].FilterExpression))
}

func TestClaimPending_MarksOnlyUndispatched(t *testing.T) {
	old := domain.PendingMessage{UserID: "U1", MessageID: "m0", Text: "earlier", ReceivedAt: t0, Dispatched: true}
	fresh := domain.PendingMessage{UserID: "U1", MessageID: "m1", Text: "now", ReceivedAt: t0.Add(time.Second)}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{
		Items: []map[string]types.AttributeValue{pendingItem(old), pendingItem(fresh)},
	}}}
	c := mustNewClient(t, db)

	rows, err := c.ClaimPending(context.Background(), "U1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "earlier", rows[0].Text)
	require.Equal(t, "now", rows[1].Text)
	require.True(t, rows[1].Dispatched)
	require.True(t, rows[1].ReceivedAt.Equal(fresh.ReceivedAt))

	require.Len(t, db.updateInputs, 1)
	require.Equal(t, "MSG#U1#2025-03-01T09:00:01.000000123Z#m1", sOf(t, db.updateInputs[0].Key, "SK"))
	require.Equal(t, "MSG#U1#", sOf(t, db.queryInputs[0].ExpressionAttributeValues, ":prefix"))
}

func TestClaimPending_VanishedRowSkipped(t *testing.T) {
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
			pendingItem(domain.PendingMessage{UserID: "U1", MessageID: "m1", ReceivedAt: t0}),
		}}},
		updateErr: &types.ConditionalCheckFailedException{},
	}
	c := mustNewClient(t, db)
	rows, err := c.ClaimPending(context.Background(), "U1")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestClaimPending_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("throttled")})
	_, err := c.ClaimPending(context.Background(), "U1")
	require.ErrorContains(t, err, "throttled")
}

// ── Users and flow state ──────────────────────────────────────────────────────

func TestEnsureUser_ExistingIsFine(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)
	require.NoError(t, c.EnsureUser(context.Background(), "U1"))
	require.Equal(t, "USER#U1", sOf(t, db.putInputs[0].Item, "PK"))
}

func TestEnsureUser_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("boom")})
	require.ErrorContains(t, c.EnsureUser(context.Background(), "U1"), "boom")
}

func TestLoadFlowState(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":       sAttr("USER#U1"),
		"SK":       sAttr(skProfile),
		"schedule": sAttr(`{"intent":"pricing","steps":[{"name":"ask","content":"Ask budget"}]}`),
		"stage":    nAttr(1),
	}}}
	c := mustNewClient(t, db)

	state, stage, err := c.LoadFlowState(context.Background(), "U1")
	require.NoError(t, err)
	require.Equal(t, 1, stage)
	require.Equal(t, &domain.FlowState{Intent: "pricing", Steps: []domain.Step{{Name: "ask", Content: "Ask budget"}}}, state)
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
}

func TestLoadFlowState_NullAndMissing(t *testing.T) {
	for name, out := range map[string]*dynamodb.GetItemOutput{
		"missing item": {},
		"null schedule": {Item: map[string]types.AttributeValue{
			"schedule": nullAttr(), "stage": nullAttr(),
		}},
	} {
		t.Run(name, func(t *testing.T) {
			c := mustNewClient(t, &fakeDynamo{getOut: out})
			state, stage, err := c.LoadFlowState(context.Background(), "U1")
			require.NoError(t, err)
			require.Nil(t, state)
			require.Zero(t, stage)
		})
	}
}

func TestLoadFlowState_CorruptSchedule(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"schedule": sAttr("{not json"),
	}}})
	_, _, err := c.LoadFlowState(context.Background(), "U1")
	require.ErrorContains(t, err, "decode schedule")
}

func TestSaveFlowState(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.SaveFlowState(context.Background(), "U1", &domain.FlowState{Intent: "pricing"}, 2))
	vals := db.updateInputs[0].ExpressionAttributeValues
	require.Equal(t, `{"intent":"pricing","steps":null}`, sOf(t, vals, ":sc"))
	n, err := intAttr(vals, ":st")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, c.SaveFlowState(context.Background(), "U1", nil, 5))
	vals = db.updateInputs[1].ExpressionAttributeValues
	require.IsType(t, &types.AttributeValueMemberNULL{}, vals[":sc"])
	require.IsType(t, &types.AttributeValueMemberNULL{}, vals[":st"])
}

// ── Dialogue ──────────────────────────────────────────────────────────────────

func TestHistory_ReversesToChronological(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		turnItem(domain.DialogueTurn{UserID: "U1", MessageID: "b", Role: domain.RoleAssistant, Content: "second", CreatedAt: t0.Add(time.Minute)}),
		turnItem(domain.DialogueTurn{UserID: "U1", MessageID: "a", Role: domain.RoleUser, Content: "first", CreatedAt: t0}),
	}}}}
	c := mustNewClient(t, db)

	turns, err := c.History(context.Background(), "U1", 50)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	require.Equal(t, "first", turns[0].Content)
	require.Equal(t, "second", turns[1].Content)
	require.False(t, aws.ToBool(db.queryInputs[0].ScanIndexForward))
	require.Equal(t, int32(50), aws.ToInt32(db.queryInputs[0].Limit))
}

func TestHistory_ZeroLimit(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	turns, err := c.History(context.Background(), "U1", 0)
	require.NoError(t, err)
	require.Nil(t, turns)
	require.Empty(t, db.queryInputs)
}

func TestLookupMessage(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{LastEvaluatedKey: key("DIALOGUE#U1", "x")},
		{Items: []map[string]types.AttributeValue{
			turnItem(domain.DialogueTurn{UserID: "U1", MessageID: "m9", Role: domain.RoleUser, Content: "quoted", CreatedAt: t0}),
		}},
	}}
	c := mustNewClient(t, db)

	turn, err := c.LookupMessage(context.Background(), "U1", "m9")
	require.NoError(t, err)
	require.NotNil(t, turn)
	require.Equal(t, "quoted", turn.Content)
	require.Len(t, db.queryInputs, 2)

	none, err := c.LookupMessage(context.Background(), "U1", "")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestCommitTurn_SingleTransaction(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.CommitTurn(context.Background(), domain.TurnCommit{
		UserID: "U1",
		Consumed: []domain.PendingMessage{
			{UserID: "U1", MessageID: "m1", ReceivedAt: t0},
			{UserID: "U1", MessageID: "m2", ReceivedAt: t0.Add(time.Second)},
		},
		Turns: []domain.DialogueTurn{
			{UserID: "U1", MessageID: "m1", Role: domain.RoleUser, Content: "a", CreatedAt: t0},
			{UserID: "U1", MessageID: "r1", Role: domain.RoleAssistant, Content: "b", CreatedAt: t0.Add(2 * time.Second)},
		},
		Reply: domain.ScheduledReply{ID: "r1", UserID: "U1", Text: "b", SendAt: t0.Add(3 * time.Minute)},
	})
	require.NoError(t, err)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 5)
	require.NotNil(t, items[0].Delete)
	require.Equal(t, "MSG#U1#2025-03-01T09:00:00.000000123Z#m1", sOf(t, items[0].Delete.Key, "SK"))
	require.NotNil(t, items[1].Delete)
	require.Equal(t, "DIALOGUE#U1", sOf(t, items[2].Put.Item, "PK"))
	require.Equal(t, "DIALOGUE#U1", sOf(t, items[3].Put.Item, "PK"))
	require.Equal(t, pkOutbox, sOf(t, items[4].Put.Item, "PK"))
	require.Equal(t, "DUE#2025-03-01T09:03:00.000000123Z#r1", sOf(t, items[4].Put.Item, "SK"))
	require.False(t, boolAttr(items[4].Put.Item, "sent"))
}

func TestCommitTurn_Conflict(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{txErr: &types.TransactionCanceledException{}})
	err := c.CommitTurn(context.Background(), domain.TurnCommit{
		UserID: "U1",
		Reply:  domain.ScheduledReply{ID: "r1", UserID: "U1", SendAt: t0},
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestCommitTurn_TooManyWrites(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	consumed := make([]domain.PendingMessage, maxTransactItems)
	for i := range consumed {
		consumed[i] = domain.PendingMessage{UserID: "U1", MessageID: "m", ReceivedAt: t0}
	}
	err := c.CommitTurn(context.Background(), domain.TurnCommit{
		UserID: "U1", Consumed: consumed, Reply: domain.ScheduledReply{ID: "r1"},
	})
	require.ErrorContains(t, err, "transaction limit")
	require.Nil(t, db.lastTxInput)
}

func TestCommitTurn_RequiresIDs(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.CommitTurn(context.Background(), domain.TurnCommit{UserID: "U1"}))
}

// ── Outbox ────────────────────────────────────────────────────────────────────

func TestNextDue(t *testing.T) {
	reply := domain.ScheduledReply{
		ID: "r1", UserID: "U1", Text: "hello", SendAt: t0,
		ReplyToken: "rt", ReplyTokenExpiry: t0.Add(time.Minute),
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		(&Client{}).replyItem(reply),
	}}}}
	c := mustNewClient(t, db)

	got, err := c.NextDue(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "r1", got.ID)
	require.True(t, got.SendAt.Equal(t0))
	require.True(t, got.CanReply(t0))
	require.Equal(t, "DUE#2025-03-01T10:00:00.000000123Z#~", sOf(t, db.queryInputs[0].ExpressionAttributeValues, ":hi"))
}

func TestNextDue_Nothing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	got, err := c.NextDue(context.Background(), t0)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMarkSent(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ok, err := c.MarkSent(context.Background(), domain.ScheduledReply{ID: "r1", SendAt: t0})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sent = :f", aws.ToString(db.updateInputs[0].ConditionExpression))
	require.Equal(t, "DUE#2025-03-01T09:00:00.000000123Z#r1", sOf(t, db.updateInputs[0].Key, "SK"))
}

func TestMarkSent_AlreadyClaimed(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{}})
	ok, err := c.MarkSent(context.Background(), domain.ScheduledReply{ID: "r1", SendAt: t0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkSent_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("boom")})
	_, err := c.MarkSent(context.Background(), domain.ScheduledReply{ID: "r1", SendAt: t0})
	require.ErrorContains(t, err, "boom")
}

// ── Memory ────────────────────────────────────────────────────────────────────

func TestTopicsAndMemories(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ctx := context.Background()

	topic := domain.Topic{ID: "t1", UserID: "U1", Name: "pets", Embedding: []float64{0.5, -1}, CreatedAt: t0}
	require.NoError(t, c.PutTopic(ctx, topic))
	mem := domain.Memory{
		ID: "m1", UserID: "U1", TopicID: "t1", Text: "has a cat", Embedding: []float64{1},
		Importance: 0.75, Frequency: 2, CreatedAt: t0, LastRecalledAt: t0,
	}
	require.NoError(t, c.PutMemory(ctx, mem))

	db.queryOuts = []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{db.putInputs[0].Item}},
		{Items: []map[string]types.AttributeValue{db.putInputs[1].Item}},
	}
	topics, err := c.ListTopics(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, topics, 1)
	require.Equal(t, topic.ID, topics[0].ID)
	require.Equal(t, topic.Name, topics[0].Name)
	require.Equal(t, topic.Embedding, topics[0].Embedding)
	require.True(t, topics[0].CreatedAt.Equal(t0))

	memories, err := c.ListMemories(ctx, "U1", "t1")
	require.NoError(t, err)
	require.Len(t, memories, 1)
	require.Equal(t, mem.Text, memories[0].Text)
	require.Equal(t, 0.75, memories[0].Importance)
	require.Equal(t, 2, memories[0].Frequency)
	require.True(t, memories[0].LastRecalledAt.Equal(t0))
	require.Equal(t, "topicId = :topic", aws.ToString(db.queryInputs[1].FilterExpression))

	require.NoError(t, c.DeleteMemory(ctx, "U1", "m1"))
	require.Equal(t, "MEM#m1", sOf(t, db.lastDeleteIn.Key, "SK"))
}

func TestPutMemory_RequiresIDs(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.PutMemory(context.Background(), domain.Memory{UserID: "U1"}))
	require.Error(t, c.PutTopic(context.Background(), domain.Topic{ID: "t"}))
}

// ── Live tables ───────────────────────────────────────────────────────────────

func TestFetchTable_ProjectsColumnsInOrder(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		{
			"PK":    sAttr("TABLE#plans"),
			"SK":    sAttr("ROW#1"),
			"name":  sAttr("Basic"),
			"price": &types.AttributeValueMemberN{Value: "9.5"},
			"note":  nullAttr(),
		},
	}}}}
	c := mustNewClient(t, db)

	recs, err := c.FetchTable(context.Background(), "plans", []string{"price", "name", "note", "absent"})
	require.NoError(t, err)
	require.Equal(t, []domain.Record{{
		{Name: "price", Value: "9.5", Valid: true},
		{Name: "name", Value: "Basic", Valid: true},
		{Name: "note"},
		{Name: "absent"},
	}}, recs)
}

func TestFetchTable_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.FetchTable(context.Background(), "plans", nil)
	require.Error(t, err)
}

func TestPutTableRow(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutTableRow(context.Background(), "plans", "1", map[string]string{"name": "Basic", "note": ""}))
	item := db.putInputs[0].Item
	require.Equal(t, "TABLE#plans", sOf(t, item, "PK"))
	require.IsType(t, &types.AttributeValueMemberNULL{}, item["note"])

	require.Error(t, c.PutTableRow(context.Background(), "plans", "1", map[string]string{"PK": "x"}))
}
