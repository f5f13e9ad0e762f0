package pricing

import (
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fairness"
)

// TableStore holds the active band rule table. Readers take a snapshot;
// a swap replaces the whole table so a decision never sees two versions.
type TableStore struct {
	active atomic.Pointer[domain.BandRuleTable]
}

// NewTableStore validates and installs the initial table.
func NewTableStore(initial *domain.BandRuleTable) (*TableStore, error) {
	s := &TableStore{}
	if _, err := s.Swap(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// ActiveTable returns the current table snapshot.
func (s *TableStore) ActiveTable() *domain.BandRuleTable {
	return s.active.Load()
}

// Swap validates a table and makes it active. An invalid table is rejected and the
// previous table stays active. It returns the advisory warnings for the new table.
func (s *TableStore) Swap(t *domain.BandRuleTable) ([]string, error) {
	if err := fairness.ValidateTable(t); err != nil {
		return nil, err
	}
	next := t.Clone()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}
	s.active.Store(next)
	return fairness.Warnings(next), nil
}
