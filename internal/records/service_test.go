package records

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "records.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open records database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Date(2026, time.March, 1, 18, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("build service: %v", err)
	}
	return service
}

func mustCreate(t *testing.T, service *Service, collection string, payload Record) int64 {
	t.Helper()
	created, err := service.Create(context.Background(), collection, payload)
	if err != nil {
		t.Fatalf("create %s: %v", collection, err)
	}
	id, ok := created["id"].(int64)
	if !ok || id <= 0 {
		t.Fatalf("expected a positive id, got %#v", created["id"])
	}
	return id
}

func TestServiceCreateIgnoresClientID(t *testing.T) {
	service := newTestService(t)
	first := mustCreate(t, service, "skills", Record{"id": int64(999), "name": "Stealth"})
	second := mustCreate(t, service, "skills", Record{"name": "Lore"})
	if first != 1 || second != 2 {
		t.Fatalf("expected sequential ids 1 and 2, got %d and %d", first, second)
	}

	record, err := service.Get(context.Background(), "skills", first)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record["name"] != "Stealth" || record["id"] != first {
		t.Fatalf("unexpected record %#v", record)
	}
}

func TestServiceListFiltersOnPayloadColumns(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	mustCreate(t, service, "characters", Record{"user_id": "user-1", "name": "Alpha", "level": 3})
	bravo := mustCreate(t, service, "characters", Record{"user_id": "user-1", "name": "Bravo", "level": 5})
	mustCreate(t, service, "characters", Record{"user_id": "user-2", "name": "Charlie", "level": 5})
	mustCreate(t, service, "skills", Record{"user_id": "user-1", "name": "Not a character"})

	all, err := service.List(ctx, "characters", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 characters, got %d", len(all))
	}

	mine, err := service.List(ctx, "characters", []Filter{{Column: "user_id", Value: "user-1"}})
	if err != nil {
		t.Fatalf("list by user: %v", err)
	}
	if len(mine) != 2 || mine[0]["name"] != "Alpha" || mine[1]["name"] != "Bravo" {
		t.Fatalf("unexpected filtered records %#v", mine)
	}

	numeric, err := service.List(ctx, "characters", []Filter{
		{Column: "user_id", Value: "user-1"},
		{Column: "level", Value: "5"},
	})
	if err != nil {
		t.Fatalf("list by level: %v", err)
	}
	if len(numeric) != 1 || numeric[0]["id"] != bravo {
		t.Fatalf("expected only Bravo, got %#v", numeric)
	}
	if level, ok := numeric[0]["level"].(json.Number); !ok || level.String() != "5" {
		t.Fatalf("expected exact numeric level, got %#v", numeric[0]["level"])
	}

	byID, err := service.List(ctx, "characters", []Filter{{Column: "id", Value: "2"}})
	if err != nil {
		t.Fatalf("list by id: %v", err)
	}
	if len(byID) != 1 || byID[0]["name"] != "Bravo" {
		t.Fatalf("expected Bravo by id, got %#v", byID)
	}

	if _, err := service.List(ctx, "characters", []Filter{{Column: "id", Value: "two"}}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("expected invalid filter error, got %v", err)
	}
}

func TestServiceUpdateMergesFields(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, service, "characters", Record{"name": "Alpha", "level": 1, "notes": "keep"})

	updated, err := service.Update(ctx, "characters", id, Record{"id": int64(50), "level": 2})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated["id"] != id || updated["notes"] != "keep" {
		t.Fatalf("unexpected merged record %#v", updated)
	}

	stored, err := service.Get(ctx, "characters", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored["level"].(json.Number).String() != "2" || stored["name"] != "Alpha" {
		t.Fatalf("expected merged fields to persist, got %#v", stored)
	}

	if _, err := service.Update(ctx, "characters", 404, Record{"level": 3}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceDelete(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	id := mustCreate(t, service, "decks", Record{"suit": "hearts"})

	if err := service.Delete(ctx, "skills", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected delete in another collection to miss, got %v", err)
	}
	if err := service.Delete(ctx, "decks", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := service.Get(ctx, "decks", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted record to be gone, got %v", err)
	}

	var serviceErr *ServiceError
	err := service.Delete(ctx, "decks", id)
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "records.delete.not_found" {
		t.Fatalf("expected coded not found error, got %v", err)
	}
}

func TestServiceRejectsInvalidCollection(t *testing.T) {
	service := newTestService(t)
	if _, err := service.List(context.Background(), "Robert'); DROP TABLE records;--", nil); !errors.Is(err, ErrInvalidCollection) {
		t.Fatalf("expected invalid collection error, got %v", err)
	}
}

func TestParseFilter(t *testing.T) {
	testCases := []struct {
		raw      string
		expected Filter
		valid    bool
	}{
		{raw: "user_id,eq,user-1", expected: Filter{Column: "user_id", Value: "user-1"}, valid: true},
		{raw: "notes,eq,a,b", expected: Filter{Column: "notes", Value: "a,b"}, valid: true},
		{raw: "name,eq,", expected: Filter{Column: "name", Value: ""}, valid: true},
		{raw: "level,gt,3"},
		{raw: "user_id"},
		{raw: "$.user,eq,1"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.raw, func(t *testing.T) {
			filter, err := ParseFilter(testCase.raw)
			if !testCase.valid {
				if !errors.Is(err, ErrInvalidFilter) {
					t.Fatalf("expected invalid filter error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if filter != testCase.expected {
				t.Fatalf("expected %+v, got %+v", testCase.expected, filter)
			}
		})
	}
}

func TestDecodeObjectRejectsNonObjects(t *testing.T) {
	for _, body := range []string{`[1,2]`, `null`, `"text"`, `{`} {
		if _, err := DecodeObject([]byte(body)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected invalid payload for %s, got %v", body, err)
		}
	}
	record, err := DecodeObject([]byte(`{"id":12345678901234567,"name":"x"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if record["id"].(json.Number).String() != "12345678901234567" {
		t.Fatalf("expected exact id, got %#v", record["id"])
	}
}
