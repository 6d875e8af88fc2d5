package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	owner_id   TEXT        NOT NULL,
	tbl        TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, tbl, id)
);
CREATE INDEX IF NOT EXISTS records_owner_tbl_idx ON records (owner_id, tbl, created_at);

CREATE TABLE IF NOT EXISTS applied_adjustments (
	owner_id   TEXT        NOT NULL,
	op_key     TEXT        NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, op_key)
);

CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT UNIQUE NOT NULL,
	password   TEXT NOT NULL,
	role       TEXT NOT NULL,
	owner_id   TEXT NOT NULL DEFAULT '',
	active     BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return nil
}

func (s *Store) Fetch(ctx context.Context, table string, q store.Query) ([]json.RawMessage, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return nil, err
	}

	args := []any{owner, table}
	clauses := []string{"owner_id = $1", "tbl = $2"}
	keys := make([]string, 0, len(q.Where))
	for key := range q.Where {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !fieldPattern.MatchString(key) {
			return nil, store.Invalid("invalid filter field %q", key)
		}
		args = append(args, q.Where[key])
		clauses = append(clauses, fmt.Sprintf("data->>'%s' = $%d", key, len(args)))
	}

	order := "created_at"
	if q.OrderBy != "" {
		if !fieldPattern.MatchString(q.OrderBy) {
			return nil, store.Invalid("invalid order field %q", q.OrderBy)
		}
		order = fmt.Sprintf("data->>'%s'", q.OrderBy)
	}
	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}

	query := fmt.Sprintf(`SELECT data FROM records WHERE %s ORDER BY %s %s, created_at ASC`,
		strings.Join(clauses, " AND "), order, direction)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0, 32)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, table string, id string, doc any) (store.PermissionDecision, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return store.DecisionDenied, nil
	}
	payload, err := withOwner(doc, owner)
	if err != nil {
		return store.DecisionUnknown, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (owner_id, tbl, id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`, owner, table, id, string(payload))
	if err != nil {
		if isUniqueViolation(err) {
			return store.DecisionAllowed, fmt.Errorf("%w: %s %s already exists", store.ErrConflict, table, id)
		}
		return decide(err)
	}
	return store.DecisionAllowed, nil
}

func (s *Store) Update(ctx context.Context, table string, id string, doc any) (store.PermissionDecision, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return store.DecisionDenied, nil
	}
	payload, err := withOwner(doc, owner)
	if err != nil {
		return store.DecisionUnknown, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET data = $4, updated_at = now()
		WHERE owner_id = $1 AND tbl = $2 AND id = $3
	`, owner, table, id, string(payload))
	if err != nil {
		return decide(err)
	}
	return affected(result, table, id)
}

func (s *Store) Delete(ctx context.Context, table string, id string) (store.PermissionDecision, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return store.DecisionDenied, nil
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE owner_id = $1 AND tbl = $2 AND id = $3
	`, owner, table, id)
	if err != nil {
		return decide(err)
	}
	return affected(result, table, id)
}

// Adjust adds each delta to the stored numeric field in a single statement,
// so concurrent devices accumulate rather than overwrite. A keyed
// adjustment claims its key in the same transaction as the update.
func (s *Store) Adjust(ctx context.Context, table string, id string, key string, deltas map[string]decimal.Decimal) (store.PermissionDecision, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return store.DecisionDenied, nil
	}
	if len(deltas) == 0 {
		return store.DecisionAllowed, nil
	}

	fields := make([]string, 0, len(deltas))
	for field := range deltas {
		if !fieldPattern.MatchString(field) {
			return store.DecisionUnknown, store.Invalid("invalid adjust field %q", field)
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	expr := "data"
	args := []any{owner, table, id}
	for _, field := range fields {
		args = append(args, deltas[field].String())
		expr = fmt.Sprintf("jsonb_set(%s, '{%s}', to_jsonb(COALESCE((data->>'%s')::numeric, 0) + $%d::numeric))",
			expr, field, field, len(args))
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return decide(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if key != "" {
		claimed, err := tx.ExecContext(ctx, `
			INSERT INTO applied_adjustments (owner_id, op_key) VALUES ($1, $2)
			ON CONFLICT (owner_id, op_key) DO NOTHING
		`, owner, key)
		if err != nil {
			return decide(err)
		}
		if n, err := claimed.RowsAffected(); err == nil && n == 0 {
			return store.DecisionAllowed, nil
		}
	}

	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE records SET data = %s, updated_at = now()
		WHERE owner_id = $1 AND tbl = $2 AND id = $3
	`, expr), args...)
	if err != nil {
		return decide(err)
	}
	decision, err := affected(result, table, id)
	if err != nil {
		return decision, err
	}
	if err := tx.Commit(); err != nil {
		return decide(err)
	}
	return store.DecisionAllowed, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password, role, owner_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.ID, user.Username, user.Password, user.Role, user.OwnerID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password, role, owner_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.Role, &u.OwnerID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func withOwner(doc any, owner string) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	ownerRaw, _ := json.Marshal(owner)
	fields["owner_id"] = ownerRaw
	return json.Marshal(fields)
}

func affected(result sql.Result, table string, id string) (store.PermissionDecision, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return store.DecisionUnknown, err
	}
	if n == 0 {
		return store.DecisionAllowed, fmt.Errorf("%w: %s %s", store.ErrNotFound, table, id)
	}
	return store.DecisionAllowed, nil
}

// decide turns a failed write into a decision. Access rule rejections are a
// definite Denied; anything else leaves the outcome unknown.
func decide(err error) (store.PermissionDecision, error) {
	if isPermissionDenied(err) {
		return store.DecisionDenied, nil
	}
	return store.DecisionUnknown, classify(err)
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 is connection exceptions, 57P0x is operator shutdown
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0") {
			return fmt.Errorf("%w: %v", store.ErrTransient, err)
		}
		if pgErr.Code == "42501" {
			return fmt.Errorf("%w: %v", store.ErrPermission, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", store.ErrTransient, err)
	}
	return err
}

func isPermissionDenied(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "42501" || strings.Contains(strings.ToLower(pgErr.Message), "row-level security")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
