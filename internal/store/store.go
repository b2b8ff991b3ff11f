// Package store provides storage backends for RiskPipe.
//
// It persists completed assessments and delivery receipts. Conversation
// progress is never stored here; sessions live only in memory.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

// ErrAssessmentNotFound is returned when no assessment has the requested ID.
var ErrAssessmentNotFound = errors.New("assessment not found")

// Store is implemented by every storage backend.
type Store interface {
	AddAssessment(a models.Assessment) error
	GetAssessment(id string) (*models.Assessment, error)
	ListAssessments() ([]models.Assessment, error)
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	Close() error
}

// Opts holds configuration for the database-backed stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns the database/sql driver name for a DSN:
// "postgres" for URLs and key=value connection strings, "sqlite3" for file paths.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	for _, key := range []string{"host=", "user=", "dbname=", "password=", "sslmode="} {
		if strings.Contains(dsn, key) {
			return "postgres"
		}
	}
	return "sqlite3"
}

// InMemoryStore keeps assessments and receipts for the life of the process.
type InMemoryStore struct {
	mu          sync.RWMutex
	assessments []models.Assessment
	receipts    []models.Receipt
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) AddAssessment(a models.Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments = append(s.assessments, a)
	return nil
}

func (s *InMemoryStore) GetAssessment(id string) (*models.Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.assessments {
		if s.assessments[i].ID == id {
			a := s.assessments[i]
			return &a, nil
		}
	}
	return nil, ErrAssessmentNotFound
}

// ListAssessments returns assessments oldest first.
func (s *InMemoryStore) ListAssessments() ([]models.Assessment, error) {
	s.mu.RLock()
	out := make([]models.Assessment, len(s.assessments))
	copy(out, s.assessments)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
