package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/records"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type recordServer struct {
	handler http.Handler
	store   *records.Service
	token   string
}

func newRecordServer(t *testing.T) recordServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := records.OpenSQLite(filepath.Join(t.TempDir(), "records.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open records database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store, err := records.NewService(records.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("build records service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-secret"),
		Issuer:        "companion-sync",
		Audience:      "companion-records",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("build token issuer: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{Tokens: issuer, Records: store, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return recordServer{handler: handler, store: store, token: token}
}

func (s recordServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	request.Header.Set("Authorization", "Bearer "+s.token)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s recordServer) mustSeed(t *testing.T, collection string, payload records.Record) int64 {
	t.Helper()
	created, err := s.store.Create(context.Background(), collection, payload)
	if err != nil {
		t.Fatalf("seed %s: %v", collection, err)
	}
	return created["id"].(int64)
}

func (s recordServer) list(t *testing.T, target string) []map[string]any {
	t.Helper()
	recorder := s.do(t, http.MethodGet, target, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for %s, got %d: %s", target, recorder.Code, recorder.Body.String())
	}
	var envelope struct {
		Records []map[string]any `json:"records"`
	}
	decodeJSON(t, recorder, &envelope)
	return envelope.Records
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
}

func TestRecordRoutesRoundTrip(t *testing.T) {
	server := newRecordServer(t)

	created := server.do(t, http.MethodPost, "/records/characters", `{"user_id":"user-1","name":"Alpha","level":2}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var createdRecord map[string]any
	decodeJSON(t, created, &createdRecord)
	if createdRecord["id"] != float64(1) {
		t.Fatalf("expected id 1, got %#v", createdRecord)
	}
	server.mustSeed(t, "characters", records.Record{"user_id": "user-2", "name": "Other"})

	listed := server.do(t, http.MethodGet, "/records/characters?filter=user_id,eq,user-1", "")
	if listed.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", listed.Code, listed.Body.String())
	}
	var envelope struct {
		Records []map[string]any `json:"records"`
	}
	decodeJSON(t, listed, &envelope)
	if len(envelope.Records) != 1 || envelope.Records[0]["name"] != "Alpha" {
		t.Fatalf("unexpected listing %#v", envelope.Records)
	}

	updated := server.do(t, http.MethodPut, "/records/characters/1", `{"level":3}`)
	if updated.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", updated.Code, updated.Body.String())
	}
	fetched := server.do(t, http.MethodGet, "/records/characters/1", "")
	var fetchedRecord map[string]any
	decodeJSON(t, fetched, &fetchedRecord)
	if fetchedRecord["level"] != float64(3) || fetchedRecord["name"] != "Alpha" {
		t.Fatalf("expected merged record, got %#v", fetchedRecord)
	}

	deleted := server.do(t, http.MethodDelete, "/records/characters/1", "")
	if deleted.Code != http.StatusOK || strings.TrimSpace(deleted.Body.String()) != "1" {
		t.Fatalf("expected delete to answer 1, got %d %q", deleted.Code, deleted.Body.String())
	}
	missing := server.do(t, http.MethodGet, "/records/characters/1", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
	if strings.HasPrefix(missing.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected a plain text error, got %q", missing.Header().Get("Content-Type"))
	}
}

func TestRecordRoutesScopeUserDataToTokenSubject(t *testing.T) {
	server := newRecordServer(t)
	foreignID := server.mustSeed(t, "characters", records.Record{"user_id": "user-2", "name": "Other"})
	server.mustSeed(t, "character_decks", records.Record{"character_id": foreignID, "suit": "clubs"})
	server.mustSeed(t, "skills", records.Record{"name": "Stealth"})

	created := server.do(t, http.MethodPost, "/records/characters", `{"user_id":"user-2","name":"Alpha"}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var own map[string]any
	decodeJSON(t, created, &own)
	if own["user_id"] != "user-1" {
		t.Fatalf("expected the character to be bound to the token subject, got %#v", own)
	}
	ownID := int64(own["id"].(float64))

	deck := server.do(t, http.MethodPost, "/records/character_decks", fmt.Sprintf(`{"character_id":%d,"suit":"hearts"}`, ownID))
	if deck.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a deck of an owned character, got %d: %s", deck.Code, deck.Body.String())
	}

	foreign := fmt.Sprintf("/records/characters/%d", foreignID)
	testCases := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{name: "get foreign character", method: http.MethodGet, target: foreign},
		{name: "update foreign character", method: http.MethodPut, target: foreign, body: `{"level":9}`},
		{name: "delete foreign character", method: http.MethodDelete, target: foreign},
		{name: "deck under foreign character", method: http.MethodPost, target: "/records/character_decks", body: fmt.Sprintf(`{"character_id":%d,"suit":"spades"}`, foreignID)},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, testCase.method, testCase.target, testCase.body)
			if recorder.Code != http.StatusNotFound {
				t.Fatalf("expected 404, got %d: %s", recorder.Code, recorder.Body.String())
			}
		})
	}

	if hidden := server.list(t, "/records/characters?filter=user_id,eq,user-2"); len(hidden) != 0 {
		t.Fatalf("expected another user's characters to stay hidden, got %#v", hidden)
	}
	if decks := server.list(t, "/records/character_decks"); len(decks) != 1 || decks[0]["suit"] != "hearts" {
		t.Fatalf("expected only the owned deck, got %#v", decks)
	}
	if skills := server.list(t, "/records/skills"); len(skills) != 1 {
		t.Fatalf("expected catalog rows to be shared, got %#v", skills)
	}

	stored, err := server.store.Get(context.Background(), "characters", foreignID)
	if err != nil {
		t.Fatalf("load foreign character: %v", err)
	}
	if _, changed := stored["level"]; changed {
		t.Fatalf("expected the foreign character to be untouched, got %#v", stored)
	}
}

func TestRecordRoutesRejectBadInput(t *testing.T) {
	server := newRecordServer(t)

	testCases := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{name: "unsupported operator", method: http.MethodGet, target: "/records/characters?filter=level,gt,3"},
		{name: "invalid table", method: http.MethodGet, target: "/records/Characters"},
		{name: "non object body", method: http.MethodPost, target: "/records/characters", body: `[1,2]`},
		{name: "non numeric id", method: http.MethodGet, target: "/records/characters/abc"},
		{name: "zero id", method: http.MethodDelete, target: "/records/characters/0"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := server.do(t, testCase.method, testCase.target, testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestRecordRoutesRequireToken(t *testing.T) {
	server := newRecordServer(t)

	request := httptest.NewRequest(http.MethodGet, "/records/characters", http.NoBody)
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/records/characters", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+server.token+"tampered")
	recorder = httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a tampered token, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingTokenValidator {
		t.Fatalf("expected missing token validator, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Tokens: stubTokenValidator{}}); err != errMissingRecordStore {
		t.Fatalf("expected missing record store, got %v", err)
	}
}
