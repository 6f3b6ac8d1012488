// Package records stores schemaless JSON records grouped by collection. It backs
// the reference record server.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "records.service.new"
	opList       = "records.list"
	opGet        = "records.get"
	opCreate     = "records.create"
	opUpdate     = "records.update"
	opDelete     = "records.delete"

	idField = "id"
)

var (
	// ErrNotFound reports a record id absent from its collection.
	ErrNotFound = errors.New("records: not found")
	// ErrInvalidCollection reports a collection name that is not a lowercase identifier.
	ErrInvalidCollection = errors.New("records: invalid collection")
	// ErrInvalidFilter reports a filter outside the "column,eq,value" form.
	ErrInvalidFilter = errors.New("records: invalid filter")
	// ErrInvalidPayload reports a body that is not a JSON object.
	ErrInvalidPayload = errors.New("records: invalid payload")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries an "operation.reason" code and its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Record is a decoded payload with its id.
type Record map[string]any

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// List returns the records of collection matching every filter, oldest first.
func (s *Service) List(ctx context.Context, collection string, filters []Filter) ([]Record, error) {
	if !validCollection(collection) {
		return nil, newServiceError(opList, "invalid_collection", ErrInvalidCollection)
	}

	query := s.db.WithContext(ctx).Where("collection = ?", collection)
	for _, filter := range filters {
		if filter.Column == idField {
			id, err := strconv.ParseInt(filter.Value, 10, 64)
			if err != nil {
				return nil, newServiceError(opList, "invalid_filter", fmt.Errorf("%w: id %q", ErrInvalidFilter, filter.Value))
			}
			query = query.Where("id = ?", id)
			continue
		}
		if !identifierPattern.MatchString(filter.Column) {
			return nil, newServiceError(opList, "invalid_filter", fmt.Errorf("%w: column %q", ErrInvalidFilter, filter.Column))
		}
		query = query.Where("CAST(json_extract(payload_json, ?) AS TEXT) = ?", "$."+filter.Column, filter.Value)
	}

	var rows []Row
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("collection", collection))
		return nil, newServiceError(opList, "query_failed", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		record, err := row.record()
		if err != nil {
			s.logError(opList, "decode_failed", err, zap.Int64("id", row.ID))
			return nil, newServiceError(opList, "decode_failed", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Get returns a single record.
func (s *Service) Get(ctx context.Context, collection string, id int64) (Record, error) {
	if !validCollection(collection) {
		return nil, newServiceError(opGet, "invalid_collection", ErrInvalidCollection)
	}
	row, err := s.find(s.db.WithContext(ctx), opGet, collection, id)
	if err != nil {
		return nil, err
	}
	record, err := row.record()
	if err != nil {
		return nil, newServiceError(opGet, "decode_failed", err)
	}
	return record, nil
}

// Create stores payload under a fresh id. A client supplied id is ignored.
func (s *Service) Create(ctx context.Context, collection string, payload Record) (Record, error) {
	if !validCollection(collection) {
		return nil, newServiceError(opCreate, "invalid_collection", ErrInvalidCollection)
	}
	if payload == nil {
		return nil, newServiceError(opCreate, "invalid_payload", ErrInvalidPayload)
	}

	fields := payload.withoutID()
	encoded, err := json.Marshal(fields)
	if err != nil {
		return nil, newServiceError(opCreate, "encode_failed", fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	now := s.clock().UTC().Unix()
	row := Row{
		Collection:       collection,
		PayloadJSON:      string(encoded),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("collection", collection))
		return nil, newServiceError(opCreate, "insert_failed", err)
	}

	fields[idField] = row.ID
	return fields, nil
}

// Update merges payload into the stored record and returns the result.
func (s *Service) Update(ctx context.Context, collection string, id int64, payload Record) (Record, error) {
	if !validCollection(collection) {
		return nil, newServiceError(opUpdate, "invalid_collection", ErrInvalidCollection)
	}
	if payload == nil {
		return nil, newServiceError(opUpdate, "invalid_payload", ErrInvalidPayload)
	}

	var merged Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.find(tx, opUpdate, collection, id)
		if err != nil {
			return err
		}
		current, err := decodePayload(row.PayloadJSON)
		if err != nil {
			return newServiceError(opUpdate, "decode_failed", err)
		}
		for key, value := range payload.withoutID() {
			current[key] = value
		}
		encoded, err := json.Marshal(current)
		if err != nil {
			return newServiceError(opUpdate, "encode_failed", fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		}
		updates := map[string]any{
			"payload_json": string(encoded),
			"updated_at_s": s.clock().UTC().Unix(),
		}
		if err := tx.Model(&Row{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			s.logError(opUpdate, "update_failed", err, zap.String("collection", collection), zap.Int64("id", id))
			return newServiceError(opUpdate, "update_failed", err)
		}
		current[idField] = row.ID
		merged = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Delete removes a record.
func (s *Service) Delete(ctx context.Context, collection string, id int64) error {
	if !validCollection(collection) {
		return newServiceError(opDelete, "invalid_collection", ErrInvalidCollection)
	}
	result := s.db.WithContext(ctx).Where("collection = ? AND id = ?", collection, id).Delete(&Row{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error, zap.String("collection", collection), zap.Int64("id", id))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, "not_found", ErrNotFound)
	}
	return nil
}

func (s *Service) find(db *gorm.DB, operation, collection string, id int64) (Row, error) {
	var row Row
	err := db.Where("collection = ? AND id = ?", collection, id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Row{}, newServiceError(operation, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "select_failed", err, zap.String("collection", collection), zap.Int64("id", id))
		return Row{}, newServiceError(operation, "select_failed", err)
	}
	return row, nil
}

func (r Row) record() (Record, error) {
	record, err := decodePayload(r.PayloadJSON)
	if err != nil {
		return nil, err
	}
	record[idField] = r.ID
	return record, nil
}

func (r Record) withoutID() Record {
	fields := make(Record, len(r))
	for key, value := range r {
		if key == idField {
			continue
		}
		fields[key] = value
	}
	return fields
}

// DecodeObject reads a JSON object keeping numbers exact.
func DecodeObject(body []byte) (Record, error) {
	record, err := decodePayload(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return record, nil
}

func decodePayload(raw string) (Record, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var record Record
	if err := decoder.Decode(&record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, errors.New("payload is not an object")
	}
	return record, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records service error", attrs...)
}
