package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pinecone-agent/internal/domain"
)

var (
	pendingColumns  = []string{"user_id", "message_id", "text", "reply_to", "reply_token", "received_at", "is_dispatched"}
	dialogueColumns = []string{"user_id", "message_id", "role", "content", "reply_to", "created_at"}
)

const (
	waitingUsersSQL = "SELECT user_id FROM pending_messages WHERE is_dispatched = ? GROUP BY user_id ORDER BY MIN(id)"
	nextDueSQL      = "SELECT id, user_id, text, send_at, reply_token, reply_token_expiry FROM scheduled_replies " +
		"WHERE sent = ? AND send_at <= ? ORDER BY send_at ASC, id ASC LIMIT 1"
	ensureUserSQL = "INSERT IGNORE INTO users (user_id, created_at) VALUES (?, ?)"
)

// PushPending stores an inbound message. Redelivered messages are ignored.
func (s *Store) PushPending(ctx context.Context, m domain.PendingMessage) error {
	if m.UserID == "" || m.MessageID == "" {
		return errors.New("sqlstore: PushPending: user and message id are required")
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = s.now()
	}
	_, err := s.push(ctx, s.db, tablePending, map[string]any{
		"user_id":       m.UserID,
		"message_id":    m.MessageID,
		"text":          m.Text,
		"reply_to":      nullable(m.ReplyTo),
		"reply_token":   nullable(m.ReplyToken),
		"received_at":   m.ReceivedAt.UTC(),
		"is_dispatched": false,
	})
	if err != nil && !isDuplicateEntry(err) {
		return fmt.Errorf("sqlstore: PushPending: %w", err)
	}
	return nil
}

// ListWaitingUsers returns users with at least one undispatched message, in
// first-arrival order.
func (s *Store) ListWaitingUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, waitingUsersSQL, false)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: ListWaitingUsers: %w", err)
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("sqlstore: ListWaitingUsers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: ListWaitingUsers: %w", err)
	}
	return users, nil
}

// ClaimPending returns every pending row of the user in arrival order and
// marks the batch dispatched. Rows left over from a failed batch are included.
func (s *Store) ClaimPending(ctx context.Context, userID string) ([]domain.PendingMessage, error) {
	var out []domain.PendingMessage
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query, args, err := s.selectSQL(Select{
			Table:     tablePending,
			Columns:   pendingColumns,
			Where:     Where{"user_id": userID},
			OrderBy:   []string{"received_at", "id"},
			ForUpdate: true,
		})
		if err != nil {
			return err
		}
		if out, err = queryPending(ctx, tx, query, args); err != nil {
			return fmt.Errorf("sqlstore: ClaimPending select: %w", err)
		}
		if len(out) == 0 {
			return nil
		}
		_, err = s.update(ctx, tx, tablePending,
			map[string]any{"is_dispatched": true},
			Where{"user_id": userID, "is_dispatched": false})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// queryPending reads pending rows and closes the cursor before returning so
// the transaction can issue further statements.
func queryPending(ctx context.Context, q querier, query string, args []any) ([]domain.PendingMessage, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PendingMessage
	for rows.Next() {
		var (
			m                   domain.PendingMessage
			replyTo, replyToken sql.NullString
		)
		if err := rows.Scan(&m.UserID, &m.MessageID, &m.Text, &replyTo, &replyToken, &m.ReceivedAt, &m.Dispatched); err != nil {
			return nil, err
		}
		m.ReplyTo, m.ReplyToken = replyTo.String, replyToken.String
		m.Dispatched = true
		out = append(out, m)
	}
	return out, rows.Err()
}

// EnsureUser creates the user row when it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, ensureUserSQL, userID, s.now().UTC()); err != nil {
		return fmt.Errorf("sqlstore: EnsureUser: %w", err)
	}
	return nil
}

// LoadFlowState returns the persisted flow and stage, or nil when the user is
// not in a flow.
func (s *Store) LoadFlowState(ctx context.Context, userID string) (*domain.FlowState, int, error) {
	query, args, err := s.selectSQL(Select{
		Table:   tableUsers,
		Columns: []string{"schedule", "stage"},
		Where:   Where{"user_id": userID},
	})
	if err != nil {
		return nil, 0, err
	}
	var (
		schedule sql.NullString
		stage    sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&schedule, &stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("sqlstore: LoadFlowState: %w", err)
	}
	if !schedule.Valid || schedule.String == "" {
		return nil, 0, nil
	}
	var state domain.FlowState
	if err := json.Unmarshal([]byte(schedule.String), &state); err != nil {
		return nil, 0, fmt.Errorf("sqlstore: LoadFlowState decode schedule: %w", err)
	}
	return &state, int(stage.Int64), nil
}

// SaveFlowState persists the flow and stage. A nil state clears both to NULL.
func (s *Store) SaveFlowState(ctx context.Context, userID string, state *domain.FlowState, stage int) error {
	set := map[string]any{"schedule": nil, "stage": nil}
	if state != nil {
		raw, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("sqlstore: SaveFlowState encode schedule: %w", err)
		}
		set = map[string]any{"schedule": string(raw), "stage": stage}
	}
	if _, err := s.update(ctx, s.db, tableUsers, set, Where{"user_id": userID}); err != nil {
		return fmt.Errorf("sqlstore: SaveFlowState: %w", err)
	}
	return nil
}

// History returns up to limit most recent dialogue turns, oldest first.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]domain.DialogueTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	turns, err := s.queryTurns(ctx, Select{
		Table:   tableDialogue,
		Columns: dialogueColumns,
		Where:   Where{"user_id": userID},
		OrderBy: []string{"created_at", "id"},
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: History: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// LookupMessage finds a dialogue turn by message id, or nil when unknown.
func (s *Store) LookupMessage(ctx context.Context, userID, messageID string) (*domain.DialogueTurn, error) {
	if messageID == "" {
		return nil, nil
	}
	turns, err := s.queryTurns(ctx, Select{
		Table:   tableDialogue,
		Columns: dialogueColumns,
		Where:   Where{"user_id": userID, "message_id": messageID},
		Limit:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: LookupMessage: %w", err)
	}
	if len(turns) == 0 {
		return nil, nil
	}
	return &turns[0], nil
}

func (s *Store) queryTurns(ctx context.Context, sel Select) ([]domain.DialogueTurn, error) {
	query, args, err := s.selectSQL(sel)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []domain.DialogueTurn
	for rows.Next() {
		var (
			t       domain.DialogueTurn
			replyTo sql.NullString
		)
		if err := rows.Scan(&t.UserID, &t.MessageID, &t.Role, &t.Content, &replyTo, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.ReplyTo = replyTo.String
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CommitTurn deletes the consumed pending rows, appends the dialogue turns and
// enqueues the reply in one transaction. ErrConflict means a consumed row was
// already gone.
func (s *Store) CommitTurn(ctx context.Context, tc domain.TurnCommit) error {
	if tc.UserID == "" || tc.Reply.ID == "" {
		return errors.New("sqlstore: CommitTurn: user and reply id are required")
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range tc.Consumed {
			n, err := s.delete(ctx, tx, tablePending, Where{"user_id": m.UserID, "message_id": m.MessageID})
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: pending message %s already consumed", ErrConflict, m.MessageID)
			}
		}
		for _, t := range tc.Turns {
			if _, err := s.push(ctx, tx, tableDialogue, map[string]any{
				"user_id":    t.UserID,
				"message_id": t.MessageID,
				"role":       t.Role,
				"content":    t.Content,
				"reply_to":   nullable(t.ReplyTo),
				"created_at": t.CreatedAt.UTC(),
			}); err != nil {
				return err
			}
		}
		_, err := s.push(ctx, tx, tableReplies, map[string]any{
			"id":                 tc.Reply.ID,
			"user_id":            tc.Reply.UserID,
			"text":               tc.Reply.Text,
			"send_at":            tc.Reply.SendAt.UTC(),
			"sent":               tc.Reply.Sent,
			"reply_token":        nullable(tc.Reply.ReplyToken),
			"reply_token_expiry": nullableTime(tc.Reply.ReplyTokenExpiry),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlstore: CommitTurn: %w", err)
	}
	return nil
}

// NextDue returns the earliest unsent reply whose send time is not after now,
// or nil when nothing is due.
func (s *Store) NextDue(ctx context.Context, now time.Time) (*domain.ScheduledReply, error) {
	var (
		r          domain.ScheduledReply
		replyToken sql.NullString
		expiry     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, nextDueSQL, false, now.UTC()).
		Scan(&r.ID, &r.UserID, &r.Text, &r.SendAt, &replyToken, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: NextDue: %w", err)
	}
	r.ReplyToken = replyToken.String
	if expiry.Valid {
		r.ReplyTokenExpiry = expiry.Time
	}
	return &r, nil
}

// MarkSent claims a reply for delivery. It reports false when the reply was
// already claimed.
func (s *Store) MarkSent(ctx context.Context, r domain.ScheduledReply) (bool, error) {
	n, err := s.update(ctx, s.db, tableReplies,
		map[string]any{"sent": true, "sent_at": s.now().UTC()},
		Where{"id": r.ID, "sent": false})
	if err != nil {
		return false, fmt.Errorf("sqlstore: MarkSent: %w", err)
	}
	return n == 1, nil
}

// FetchTable reads a whitelisted live table.
func (s *Store) FetchTable(ctx context.Context, table string, columns []string) ([]domain.Record, error) {
	recs, err := s.Fetch(ctx, Select{Table: table, Columns: columns})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: FetchTable: %w", err)
	}
	return recs, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
