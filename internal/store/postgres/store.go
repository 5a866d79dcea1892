package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const foreignKeyViolation = "23503"

const tokenColumns = `token_id, display_id, queue_id, organisation_id, user_id, status, priority,
	position, estimated_wait_minutes, issued_at, called_at, served_at, cancelled_at, missed_at, caller_id`

// querier is satisfied by both the pool and a single acquired connection.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	db   querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetQueue(ctx context.Context, queueID string) (models.Queue, error) {
	row := s.db.QueryRow(ctx, `
		SELECT queue_id, organisation_id, name, average_time, max_tokens, is_active
		FROM queues
		WHERE queue_id = $1
	`, queueID)
	return scanQueue(row)
}

func (s *Store) SetQueueActive(ctx context.Context, queueID string, active bool) (models.Queue, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE queues SET is_active = $2
		WHERE queue_id = $1
		RETURNING queue_id, organisation_id, name, average_time, max_tokens, is_active
	`, queueID, active)
	return scanQueue(row)
}

func (s *Store) CreateToken(ctx context.Context, token models.Token) (models.Token, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO tokens (
			token_id, display_id, queue_id, organisation_id, user_id, status, priority,
			position, estimated_wait_minutes, issued_at, called_at, served_at, cancelled_at, missed_at, caller_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING `+tokenColumns,
		token.ID, token.DisplayID, token.QueueID, token.OrganisationID, token.UserID, token.Status, token.Priority,
		token.Position, token.EstimatedWaitMinutes, token.IssuedAt, token.CalledAt, token.ServedAt, token.CancelledAt, token.MissedAt, token.CallerID)
	created, err := scanToken(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return models.Token{}, store.ErrQueueNotFound
		}
		return models.Token{}, err
	}
	return created, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1`, tokenID)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, err
}

func (s *Store) ListPending(ctx context.Context, queueID string) ([]models.Token, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE queue_id = $1 AND status = $2
		ORDER BY issued_at ASC, token_id ASC
	`, queueID, models.StatusPending)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

func (s *Store) UpdateToken(ctx context.Context, tokenID string, update store.TokenUpdate) (models.Token, error) {
	query, args := buildTokenUpdate(tokenID, update)
	token, err := scanToken(s.db.QueryRow(ctx, query, args...))
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, err
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE token_id = $1)`, tokenID).Scan(&exists); err != nil {
		return models.Token{}, err
	}
	if !exists {
		return models.Token{}, store.ErrTokenNotFound
	}
	return models.Token{}, store.ErrInvalidTransition
}

func (s *Store) CountTokens(ctx context.Context, queueID string, statuses ...string) (int, error) {
	query := `SELECT COUNT(*) FROM tokens WHERE queue_id = $1`
	args := []interface{}{queueID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statuses)
	}
	var count int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListStaleCalled(ctx context.Context, calledBefore time.Time, limit int) ([]models.Token, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE status = $1 AND called_at <= $2
		ORDER BY called_at ASC
		LIMIT $3
	`, models.StatusCalled, calledBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectTokens(rows)
}

// LockQueue takes a session-level advisory lock keyed by the queue id on a
// dedicated connection, so engines in other processes wait for it too. The
// returned store runs on that same connection: work done under the lock
// never needs a second connection from the pool.
func (s *Store) LockQueue(ctx context.Context, queueID string) (store.TokenStore, func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, queueID); err != nil {
		conn.Release()
		return nil, nil, err
	}
	bound := &Store{pool: s.pool, db: conn}
	return bound, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, queueID); err != nil {
			// A connection that may still hold the lock must not go back to the pool.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.db.QueryRow(ctx, `
		SELECT s.session_id, s.user_id, s.expires_at, u.organisation_id, r.name
		FROM sessions s
		JOIN users u ON u.user_id = s.user_id
		JOIN roles r ON r.role_id = u.role_id
		WHERE s.session_id = $1 AND s.expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.UserID, &session.ExpiresAt, &session.OrganisationID, &session.Role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

// Publish appends the event to outbox_events for consumers that poll.
func (s *Store) Publish(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.Type, err)
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO outbox_events (event_id, organisation_id, channel, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), event.OrganisationID, event.Channel, event.Type, payload, createdAt)
	return err
}

func (s *Store) ListOutboxEvents(ctx context.Context, organisationID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, organisation_id, channel, type, payload_json, created_at
		FROM outbox_events
		WHERE organisation_id = $1
	`
	args := []interface{}{organisationID}
	if !after.IsZero() {
		query += " AND created_at > $2 ORDER BY created_at ASC LIMIT $3"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.OrganisationID, &event.Channel, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// buildTokenUpdate renders the guarded UPDATE for a TokenUpdate. $1 is always
// the token id; the status guard, when present, is the last argument.
func buildTokenUpdate(tokenID string, update store.TokenUpdate) (string, []interface{}) {
	args := []interface{}{tokenID}
	var sets []string
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.Position != nil {
		add("position", *update.Position)
	}
	if update.CalledAt != nil {
		add("called_at", *update.CalledAt)
	}
	if update.ServedAt != nil {
		add("served_at", *update.ServedAt)
	}
	if update.CancelledAt != nil {
		add("cancelled_at", *update.CancelledAt)
	}
	if update.MissedAt != nil {
		add("missed_at", *update.MissedAt)
	}
	if update.CallerID != nil {
		add("caller_id", *update.CallerID)
	}
	if len(sets) == 0 {
		sets = append(sets, "token_id = token_id")
	}

	query := "UPDATE tokens SET " + strings.Join(sets, ", ") + " WHERE token_id = $1"
	if update.FromStatus != "" {
		args = append(args, update.FromStatus)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	return query + " RETURNING " + tokenColumns, args
}

func scanQueue(row pgx.Row) (models.Queue, error) {
	var queue models.Queue
	var maxTokens sql.NullInt64
	if err := row.Scan(&queue.ID, &queue.OrganisationID, &queue.Name, &queue.AverageTime, &maxTokens, &queue.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Queue{}, store.ErrQueueNotFound
		}
		return models.Queue{}, err
	}
	if maxTokens.Valid {
		queue.MaxTokens = store.IntPtr(int(maxTokens.Int64))
	}
	return queue, nil
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var userID, callerID sql.NullString
	var calledAt, servedAt, cancelledAt, missedAt sql.NullTime
	if err := row.Scan(
		&token.ID, &token.DisplayID, &token.QueueID, &token.OrganisationID, &userID, &token.Status, &token.Priority,
		&token.Position, &token.EstimatedWaitMinutes, &token.IssuedAt, &calledAt, &servedAt, &cancelledAt, &missedAt, &callerID,
	); err != nil {
		return models.Token{}, err
	}
	token.IssuedAt = token.IssuedAt.UTC()
	token.UserID = nullStringPtr(userID)
	token.CallerID = nullStringPtr(callerID)
	token.CalledAt = nullTimePtr(calledAt)
	token.ServedAt = nullTimePtr(servedAt)
	token.CancelledAt = nullTimePtr(cancelledAt)
	token.MissedAt = nullTimePtr(missedAt)
	return token, nil
}

func collectTokens(rows pgx.Rows) ([]models.Token, error) {
	defer rows.Close()
	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
