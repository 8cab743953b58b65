package domain

import (
	"sort"
	"time"
)

// Enrichment is the routing metadata attached to a matched counterparty.
type Enrichment struct {
	DepartmentCode     string `json:"department_code" yaml:"department_code"`
	AllocationSchedule string `json:"allocation_schedule" yaml:"allocation_schedule"`
	LedgerCode         string `json:"ledger_code" yaml:"ledger_code"`
	BillingEntity      string `json:"billing_entity" yaml:"billing_entity"`
}

// CounterpartyRecord is a vendor entry in the counterparty directory. It is
// owned by the directory management process; the pipeline only reads it.
type CounterpartyRecord struct {
	Identifier  string     `json:"identifier" yaml:"identifier"`
	DisplayName string     `json:"display_name" yaml:"display_name"`
	Enrichment  Enrichment `json:"enrichment" yaml:"enrichment"`
	Active      bool       `json:"active" yaml:"active"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"-"`
}

// DirectorySnapshot is an immutable view of the directory taken at one point
// in time. Matching is evaluated against a snapshot so that the same input
// always produces the same result.
type DirectorySnapshot struct {
	byIdentifier map[string]CounterpartyRecord
	active       []CounterpartyRecord
	TakenAt      time.Time
}

// NewDirectorySnapshot indexes records by identifier. Identifiers must already
// be normalized. Active records are kept sorted by identifier.
func NewDirectorySnapshot(records []CounterpartyRecord, takenAt time.Time) *DirectorySnapshot {
	s := &DirectorySnapshot{
		byIdentifier: make(map[string]CounterpartyRecord, len(records)),
		TakenAt:      takenAt,
	}
	for _, r := range records {
		s.byIdentifier[r.Identifier] = r
		if r.Active {
			s.active = append(s.active, r)
		}
	}
	sort.Slice(s.active, func(i, j int) bool {
		return s.active[i].Identifier < s.active[j].Identifier
	})
	return s
}

// LookupExact returns the active record stored under identifier.
func (s *DirectorySnapshot) LookupExact(identifier string) (CounterpartyRecord, bool) {
	if s == nil {
		return CounterpartyRecord{}, false
	}
	r, ok := s.byIdentifier[identifier]
	if !ok || !r.Active {
		return CounterpartyRecord{}, false
	}
	return r, true
}

// Active returns the active records ordered by identifier.
func (s *DirectorySnapshot) Active() []CounterpartyRecord {
	if s == nil {
		return nil
	}
	return s.active
}

// Len returns the number of records, active or not.
func (s *DirectorySnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byIdentifier)
}
