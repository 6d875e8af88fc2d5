package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
)

const (
	TableProducts  = "products"
	TableCustomers = "customers"
	TableInvoices  = "invoices"
	TableDebts     = "debts"
	TablePartners  = "partners"
	TableExpenses  = "expenses"
	TableUsers     = "users"
)

// PermissionDecision is the remote store's verdict on a write.
// Unknown means the request may or may not have been applied.
type PermissionDecision int

const (
	DecisionUnknown PermissionDecision = iota
	DecisionAllowed
	DecisionDenied
)

func (d PermissionDecision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Query narrows a fetch. Where matches top-level string fields exactly.
type Query struct {
	Where      map[string]string
	OrderBy    string
	Descending bool
	Limit      int
}

func Where(field string, value string) Query {
	return Query{Where: map[string]string{field: value}}
}

// Remote is the shared ledger every device reconciles against. Rows are
// JSON documents scoped to the caller's effective owner.
type Remote interface {
	Fetch(ctx context.Context, table string, q Query) ([]json.RawMessage, error)
	Insert(ctx context.Context, table string, id string, doc any) (PermissionDecision, error)
	Update(ctx context.Context, table string, id string, doc any) (PermissionDecision, error)
	Delete(ctx context.Context, table string, id string) (PermissionDecision, error)
}

// Adjuster applies additive deltas to numeric fields without a read. A
// non-empty key makes the adjustment apply at most once per owner; a
// repeat with the same key reports Allowed and changes nothing.
type Adjuster interface {
	Adjust(ctx context.Context, table string, id string, key string, deltas map[string]decimal.Decimal) (PermissionDecision, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Require folds a write outcome into a single error for callers that
// cannot proceed unless the write was accepted.
func Require(decision PermissionDecision, err error) error {
	if err != nil {
		return err
	}
	switch decision {
	case DecisionAllowed:
		return nil
	case DecisionDenied:
		return ErrPermission
	default:
		return fmt.Errorf("%w: write outcome unknown", ErrTransient)
	}
}

func DecodeRows[T any](rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// OwnerFromContext resolves the tenant a remote call is scoped to.
func OwnerFromContext(ctx context.Context) (string, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("%w: no actor in context", ErrPermission)
	}
	owner := actor.EffectiveOwnerID()
	if owner == "" {
		return "", fmt.Errorf("%w: actor has no owner", ErrPermission)
	}
	return owner, nil
}
