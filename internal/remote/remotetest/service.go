// Package remotetest provides an in-memory record service for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
)

// Call describes one request observed by the fake.
type Call struct {
	Method  string
	Table   string
	ID      int64
	Payload remote.Record
	Filters []remote.Filter
}

// FailureFunc decides whether a call must fail; a nil return lets it through.
type FailureFunc func(call Call) error

// Service is a thread-safe fake record service.
type Service struct {
	mu      sync.Mutex
	tables  map[string]map[int64]remote.Record
	nextID  int64
	calls   []Call
	failure FailureFunc
}

// NewService returns an empty fake whose ids start at firstID.
func NewService(firstID int64) *Service {
	if firstID <= 0 {
		firstID = 1
	}
	return &Service{
		tables: make(map[string]map[int64]remote.Record),
		nextID: firstID,
	}
}

// Seed inserts records with their own ids, replacing existing ones.
func (s *Service) Seed(table string, records ...remote.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tableLocked(table)
	for _, record := range records {
		copied := copyRecord(record)
		id := copied.ID()
		rows[id] = copied
		if id >= s.nextID {
			s.nextID = id + 1
		}
	}
}

// Remove deletes a record directly, simulating a server side deletion.
func (s *Service) Remove(table string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tableLocked(table), id)
}

// FailWhen installs a failure hook.
func (s *Service) FailWhen(failure FailureFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = failure
}

// Calls returns a copy of every observed call.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CountCalls counts observed calls by method, optionally narrowed to one table.
func (s *Service) CountCalls(method, table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, call := range s.calls {
		if call.Method == method && (table == "" || call.Table == table) {
			count++
		}
	}
	return count
}

// ResetCalls forgets recorded calls.
func (s *Service) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Records returns the table content ordered by id.
func (s *Service) Records(table string) []remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(table)
}

func (s *Service) List(_ context.Context, table string, filters ...remote.Filter) ([]remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordLocked(Call{Method: "GET", Table: table, Filters: filters}); err != nil {
		return nil, err
	}
	matching := make([]remote.Record, 0)
	for _, record := range s.sortedLocked(table) {
		if matches(record, filters) {
			matching = append(matching, record)
		}
	}
	return matching, nil
}

func (s *Service) Get(_ context.Context, table string, id int64) (remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordLocked(Call{Method: "GET", Table: table, ID: id}); err != nil {
		return nil, err
	}
	record, ok := s.tableLocked(table)[id]
	if !ok {
		return nil, notFound("remote.get", table, id)
	}
	return copyRecord(record), nil
}

func (s *Service) Create(_ context.Context, table string, payload remote.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordLocked(Call{Method: "POST", Table: table, Payload: copyRecord(payload)}); err != nil {
		return 0, err
	}
	id := s.nextID
	s.nextID++
	stored := copyRecord(payload)
	stored["id"] = id
	s.tableLocked(table)[id] = stored
	return id, nil
}

func (s *Service) Update(_ context.Context, table string, id int64, payload remote.Record) (remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordLocked(Call{Method: "PUT", Table: table, ID: id, Payload: copyRecord(payload)}); err != nil {
		return nil, err
	}
	existing, ok := s.tableLocked(table)[id]
	if !ok {
		return nil, notFound("remote.update", table, id)
	}
	for key, value := range payload {
		if key == "id" {
			continue
		}
		existing[key] = value
	}
	return copyRecord(existing), nil
}

func (s *Service) Delete(_ context.Context, table string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recordLocked(Call{Method: "DELETE", Table: table, ID: id}); err != nil {
		return err
	}
	delete(s.tableLocked(table), id)
	return nil
}

func (s *Service) recordLocked(call Call) error {
	s.calls = append(s.calls, call)
	if s.failure == nil {
		return nil
	}
	return s.failure(call)
}

func (s *Service) tableLocked(table string) map[int64]remote.Record {
	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[int64]remote.Record)
		s.tables[table] = rows
	}
	return rows
}

func (s *Service) sortedLocked(table string) []remote.Record {
	rows := s.tableLocked(table)
	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	records := make([]remote.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, copyRecord(rows[id]))
	}
	return records
}

func matches(record remote.Record, filters []remote.Filter) bool {
	for _, filter := range filters {
		if filter.Operator != "eq" {
			return false
		}
		if record.String(filter.Column) != filter.Value {
			return false
		}
	}
	return true
}

func copyRecord(record remote.Record) remote.Record {
	copied := make(remote.Record, len(record))
	for key, value := range record {
		copied[key] = value
	}
	return copied
}

func notFound(operation, table string, id int64) error {
	return syncerr.New(syncerr.KindRejected, operation, "status",
		&syncerr.Rejection{Status: 404, Body: fmt.Sprintf("%s %d not found", table, id)})
}

// NetworkError builds an error classified like a transport failure.
func NetworkError(operation string) error {
	return syncerr.New(syncerr.KindNetwork, operation, "request_failed", fmt.Errorf("connection refused"))
}

// Rejected builds an error classified like a non-2xx response.
func Rejected(operation string, status int, body string) error {
	return syncerr.New(syncerr.KindRejected, operation, "status", &syncerr.Rejection{Status: status, Body: body})
}
