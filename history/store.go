package history

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"
)

// Operation is one finalized adapter action. Rows are append-only; the store
// is an audit trail, not authoritative state.
type Operation struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Kind      string    `gorm:"size:64;index" json:"kind"`
	Caller    string    `gorm:"size:90;index" json:"caller"`
	Details   string    `gorm:"type:text" json:"details"`
	Receipt   string    `gorm:"size:64;uniqueIndex" json:"receipt"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists operations in SQLite for single-node deployments or
// Postgres when a postgres DSN is configured.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by dsn and migrates the schema. DSNs
// beginning with postgres:// or postgresql:// select the Postgres driver;
// anything else is treated as a SQLite path.
func Open(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("history: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if err := db.AutoMigrate(&Operation{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one operation. The receipt digest commits to the row's
// identity and full payload so exported rows can be checked for tampering.
func (s *Store) Record(kind, caller string, attributes map[string]string) (*Operation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history: store not open")
	}
	op := &Operation{
		ID:        uuid.New(),
		Kind:      kind,
		Caller:    caller,
		Details:   encodeDetails(attributes),
		CreatedAt: time.Now().UTC(),
	}
	op.Receipt = receipt(op)
	if err := s.db.Create(op).Error; err != nil {
		return nil, fmt.Errorf("history: record operation: %w", err)
	}
	return op, nil
}

// List returns operations newest first. Limit is clamped to 100.
func (s *Store) List(limit, offset int) ([]Operation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history: store not open")
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var ops []Operation
	err := s.db.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("history: list operations: %w", err)
	}
	return ops, nil
}

// ListByCaller returns one account's operations newest first.
func (s *Store) ListByCaller(caller string, limit, offset int) ([]Operation, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history: store not open")
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var ops []Operation
	err := s.db.Where("caller = ?", caller).
		Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("history: list operations: %w", err)
	}
	return ops, nil
}

// Verify recomputes a row's receipt digest.
func Verify(op *Operation) bool {
	if op == nil {
		return false
	}
	return receipt(op) == op.Receipt
}

func encodeDetails(attributes map[string]string) string {
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+attributes[key])
	}
	return strings.Join(parts, "&")
}

func receipt(op *Operation) string {
	payload := strings.Join([]string{
		op.ID.String(),
		op.Kind,
		op.Caller,
		op.Details,
		op.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	digest := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(digest[:])
}
