package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

type document struct {
	seq    int64
	fields map[string]any
}

// Store is an in-process stand-in for the remote ledger. It keeps the same
// owner scoping and permission semantics as the postgres store.
type Store struct {
	mu      sync.RWMutex
	seq     int64
	tables  map[string]map[string]map[string]*document
	users   map[string]domain.UserAccount
	offline bool
	denied  map[string]bool
	applied map[string]bool
}

func New() *Store {
	return &Store{
		tables: make(map[string]map[string]map[string]*document),
		users:  make(map[string]domain.UserAccount),
		denied:  make(map[string]bool),
		applied: make(map[string]bool),
	}
}

// NewSeeded returns a store with demo users and a small catalogue for the
// given owner.
func NewSeeded(ownerID string) *Store {
	s := New()
	for _, u := range seedUsers(ownerID) {
		s.users[u.Username] = u
	}

	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prd-phone-a1", Name: "Phone A1", Category: "Phones", Price: decimal.NewFromInt(250), CostPrice: decimal.NewFromInt(190), Quantity: 12},
		{ID: "prd-case-01", Name: "Silicone Case", Category: "Accessories", Price: decimal.NewFromInt(15), CostPrice: decimal.NewFromInt(6), Quantity: 80},
		{ID: "prd-charger-20w", Name: "Charger 20W", Category: "Accessories", Price: decimal.NewFromInt(25), CostPrice: decimal.NewFromInt(12), Quantity: 40},
		{ID: "prd-sim-prepaid", Name: "Prepaid SIM", Category: "Services", Price: decimal.NewFromInt(5), CostPrice: decimal.NewFromInt(2), Quantity: 200},
	}
	for _, p := range products {
		p.UpdatedAt = now
		fields, err := toFields(p)
		if err != nil {
			continue
		}
		s.put(store.TableProducts, ownerID, p.ID, fields)
	}
	return s
}

func seedUsers(ownerID string) []domain.UserAccount {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_OWNER_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
		id       string
		owner    string
	}{
		{"owner", ownerPwd, domain.RoleOwner, ownerID, ""},
		{"cashier", cashierPwd, domain.RoleCashier, "cashier-1", ownerID},
	} {
		hashed, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			continue
		}
		users = append(users, domain.UserAccount{
			ID:        u.id,
			Username:  u.username,
			Password:  string(hashed),
			Role:      u.role,
			OwnerID:   u.owner,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users
}

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SetOffline makes every call fail as if the network were down.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// DenyWrites makes the access rules reject writes to table.
func (s *Store) DenyWrites(table string, deny bool) {
	s.mu.Lock()
	s.denied[table] = deny
	s.mu.Unlock()
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return store.ErrTransient
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) Fetch(ctx context.Context, table string, q store.Query) ([]json.RawMessage, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return nil, store.ErrTransient
	}

	docs := make([]*document, 0)
	for _, doc := range s.tables[table][owner] {
		if matches(doc.fields, q.Where) {
			docs = append(docs, doc)
		}
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if q.OrderBy != "" {
			cmp := compareField(docs[i].fields[q.OrderBy], docs[j].fields[q.OrderBy])
			if cmp != 0 {
				if q.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return docs[i].seq < docs[j].seq
	})
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}

	rows := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		raw, err := json.Marshal(doc.fields)
		if err != nil {
			return nil, err
		}
		rows = append(rows, raw)
	}
	return rows, nil
}

func (s *Store) Insert(ctx context.Context, table string, id string, doc any) (store.PermissionDecision, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return store.DecisionDenied, nil
	}
	fields, err := toFields(doc)
	if err != nil {
		return store.DecisionUnknown, err
	}
	fields["owner_id"] = owner

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return store.DecisionUnknown, store.ErrTransient
	}
	if s.denied[table] {
		return store.DecisionDenied, nil
	}
	if _, exists := s.tables[table][owner][id]; exists {
		return store.DecisionAllowed, fmt.Errorf("%w: %s %s already exists", store.ErrConflict, table, id)
	}
	s.put(table, owner, id, fields)
	return store.DecisionAllowed, nil
}

func (s *Store) Update(ctx context.Context, table string, id string, doc any) (store.PermissionDecision, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return store.DecisionDenied, nil
	}
	fields, err := toFields(doc)
	if err != nil {
		return store.DecisionUnknown, err
	}
	fields["owner_id"] = owner

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return store.DecisionUnknown, store.ErrTransient
	}
	if s.denied[table] {
		return store.DecisionDenied, nil
	}
	existing, ok := s.tables[table][owner][id]
	if !ok {
		return store.DecisionAllowed, fmt.Errorf("%w: %s %s", store.ErrNotFound, table, id)
	}
	existing.fields = fields
	return store.DecisionAllowed, nil
}

func (s *Store) Delete(ctx context.Context, table string, id string) (store.PermissionDecision, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return store.DecisionDenied, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return store.DecisionUnknown, store.ErrTransient
	}
	if s.denied[table] {
		return store.DecisionDenied, nil
	}
	if _, ok := s.tables[table][owner][id]; !ok {
		return store.DecisionAllowed, fmt.Errorf("%w: %s %s", store.ErrNotFound, table, id)
	}
	delete(s.tables[table][owner], id)
	return store.DecisionAllowed, nil
}

func (s *Store) Adjust(ctx context.Context, table string, id string, key string, deltas map[string]decimal.Decimal) (store.PermissionDecision, error) {
	owner, err := store.OwnerFromContext(ctx)
	if err != nil {
		return store.DecisionDenied, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return store.DecisionUnknown, store.ErrTransient
	}
	if s.denied[table] {
		return store.DecisionDenied, nil
	}
	appliedKey := owner + "\x00" + key
	if key != "" && s.applied[appliedKey] {
		return store.DecisionAllowed, nil
	}
	existing, ok := s.tables[table][owner][id]
	if !ok {
		return store.DecisionAllowed, fmt.Errorf("%w: %s %s", store.ErrNotFound, table, id)
	}
	next := make(map[string]json.Number, len(deltas))
	for field, delta := range deltas {
		current, err := numericField(existing.fields[field])
		if err != nil {
			return store.DecisionAllowed, fmt.Errorf("adjust %s.%s: %w", table, field, err)
		}
		next[field] = json.Number(current.Add(delta).String())
	}
	for field, v := range next {
		existing.fields[field] = v
	}
	if key != "" {
		s.applied[appliedKey] = true
	}
	return store.DecisionAllowed, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Username]; exists {
		return store.ErrConflict
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = password
	s.users[username] = u
	return nil
}

func (s *Store) put(table string, owner string, id string, fields map[string]any) {
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]map[string]*document)
	}
	if s.tables[table][owner] == nil {
		s.tables[table][owner] = make(map[string]*document)
	}
	s.seq++
	s.tables[table][owner][id] = &document{seq: s.seq, fields: fields}
}

func toFields(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	fields := make(map[string]any)
	if err := decoder.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func matches(fields map[string]any, where map[string]string) bool {
	for key, want := range where {
		got, ok := fields[key]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func numericField(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, nil
	case json.Number:
		return decimal.NewFromString(val.String())
	case string:
		if strings.TrimSpace(val) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(val)
	case float64:
		return decimal.NewFromFloat(val), nil
	default:
		return decimal.Zero, fmt.Errorf("field is not numeric: %T", v)
	}
}

func compareField(a any, b any) int {
	da, errA := numericField(a)
	db, errB := numericField(b)
	if errA == nil && errB == nil && a != nil && b != nil {
		if _, isStr := a.(string); !isStr {
			return da.Cmp(db)
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}
