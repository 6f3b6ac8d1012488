package integration_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/catalog"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/characters"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/database"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/records"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/server"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncengine"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	integrationSecret = "integration-secret"
	integrationUserID = "user-abc"
)

type recordBackend struct {
	url     string
	records *records.Service
	issuer  *auth.TokenIssuer
}

func startRecordBackend(t *testing.T) recordBackend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := records.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	recordService, err := records.NewService(records.ServiceConfig{Database: db})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        "companion-sync",
		Audience:      "companion-records",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{Tokens: issuer, Records: recordService})
	require.NoError(t, err)
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)

	return recordBackend{url: testServer.URL + "/records", records: recordService, issuer: issuer}
}

func (b recordBackend) seed(t *testing.T, collection string, payload records.Record) int64 {
	t.Helper()
	created, err := b.records.Create(context.Background(), collection, payload)
	require.NoError(t, err)
	return created["id"].(int64)
}

func (b recordBackend) list(t *testing.T, collection string, filters ...records.Filter) []records.Record {
	t.Helper()
	found, err := b.records.List(context.Background(), collection, filters)
	require.NoError(t, err)
	return found
}

type device struct {
	store        *database.Store
	catalog      *catalog.Syncer
	repository   *characters.Repository
	orchestrator *syncengine.Orchestrator
}

func newDevice(t *testing.T, baseURL, token string) device {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "device.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client, err := remote.NewClient(remote.ClientConfig{BaseURL: baseURL, Token: remote.StaticToken(token)})
	require.NoError(t, err)

	catalogSyncer, err := catalog.NewSyncer(catalog.Config{Store: store, Remote: client})
	require.NoError(t, err)
	ownedSyncer, err := characters.NewSyncer(characters.SyncerConfig{Store: store, Remote: client})
	require.NoError(t, err)
	resolver, err := syncengine.NewResolver(syncengine.ResolverConfig{Store: store, Remote: client})
	require.NoError(t, err)
	orchestrator, err := syncengine.NewOrchestrator(syncengine.Config{
		Catalog:  catalogSyncer,
		Owned:    ownedSyncer,
		Resolver: resolver,
		UserID:   integrationUserID,
	})
	require.NoError(t, err)
	repository, err := characters.NewRepository(characters.RepositoryConfig{
		Store:      store,
		IDProvider: characters.NewUUIDProvider(),
	})
	require.NoError(t, err)

	return device{store: store, catalog: catalogSyncer, repository: repository, orchestrator: orchestrator}
}

func TestCharacterTravelsBetweenDevices(t *testing.T) {
	backend := startRecordBackend(t)
	ctx := context.Background()

	stealthID := backend.seed(t, schema.TableSkills, records.Record{"name": "Stealth", "characteristic": "agility"})
	detectiveID := backend.seed(t, schema.TableProfessions, records.Record{"name": "Detective"})
	backend.seed(t, schema.TableProfessionSkills, records.Record{"profession_id": detectiveID, "skill_id": stealthID})

	token, _, err := backend.issuer.IssueToken(ctx, integrationUserID)
	require.NoError(t, err)

	laptop := newDevice(t, backend.url, token)
	require.True(t, laptop.orchestrator.Run(ctx, syncengine.ReasonColdStart))
	coldStart := laptop.orchestrator.LastReport()
	require.Equal(t, syncengine.Push, coldStart.Direction)
	require.Zero(t, coldStart.Failures)

	var skill schema.Skill
	require.NoError(t, laptop.store.DB(ctx).First(&skill, stealthID).Error)
	require.Equal(t, "Stealth", skill.Name)
	require.Equal(t, stealthID, skill.DistantID)

	archivistLocalID, err := laptop.catalog.AddProfession(ctx, catalog.Addition{Name: "Archivist", SkillIDs: []int64{stealthID}})
	require.NoError(t, err)
	require.Negative(t, archivistLocalID)

	characterID, err := laptop.repository.CreateCharacter(ctx, characters.NewCharacter{
		UserID:       integrationUserID,
		Name:         "Alma",
		Level:        2,
		ProfessionID: archivistLocalID,
		Health:       10,
		MaxHealth:    12,
	})
	require.NoError(t, err)
	_, err = laptop.repository.LearnSkill(ctx, characterID, stealthID, 3)
	require.NoError(t, err)

	require.True(t, laptop.orchestrator.Run(ctx, syncengine.ReasonFocus))
	pushed := laptop.orchestrator.LastReport()
	require.Equal(t, syncengine.Push, pushed.Direction)
	require.Zero(t, pushed.Failures)
	require.Equal(t, 1, pushed.CharactersCreated)

	archivists := backend.list(t, schema.TableProfessions, records.Filter{Column: "name", Value: "Archivist"})
	require.Len(t, archivists, 1)
	archivistRemoteID := archivists[0]["id"].(int64)

	remoteCharacters := backend.list(t, schema.TableCharacters, records.Filter{Column: "user_id", Value: integrationUserID})
	require.Len(t, remoteCharacters, 1)
	remoteCharacter := remote.Record(remoteCharacters[0])
	require.Equal(t, "Alma", remoteCharacter.String("name"))
	require.Equal(t, archivistRemoteID, remoteCharacter.Int64("profession_id"))
	require.NotEmpty(t, remoteCharacter.String("last_sync_at"))

	remoteSkills := backend.list(t, schema.TableCharacterSkills)
	require.Len(t, remoteSkills, 1)
	require.Equal(t, remoteCharacter.ID(), remote.Record(remoteSkills[0]).Int64("character_id"))
	require.Equal(t, stealthID, remote.Record(remoteSkills[0]).Int64("skill_id"))

	var local schema.Character
	require.NoError(t, laptop.store.DB(ctx).First(&local, "id = ?", characterID).Error)
	require.Equal(t, remoteCharacter.ID(), local.RemoteID)
	require.Equal(t, archivistRemoteID, local.ProfessionID)

	phone := newDevice(t, backend.url, token)
	require.True(t, phone.orchestrator.Run(ctx, syncengine.ReasonColdStart))
	pulled := phone.orchestrator.LastReport()
	require.Equal(t, syncengine.Pull, pulled.Direction)
	require.Equal(t, 1, pulled.Imported)
	require.Zero(t, pulled.Failures)

	var imported schema.Character
	require.NoError(t, phone.store.DB(ctx).Preload("Skills").First(&imported, "remote_id = ?", remoteCharacter.ID()).Error)
	require.Equal(t, "Alma", imported.Name)
	require.Equal(t, archivistRemoteID, imported.ProfessionID)
	require.Len(t, imported.Skills, 1)
	require.Equal(t, stealthID, imported.Skills[0].SkillID)
	require.Equal(t, int64(3), imported.Skills[0].Level)
}

func TestRejectedTokenLeavesLocalStateIntact(t *testing.T) {
	backend := startRecordBackend(t)
	ctx := context.Background()
	backend.seed(t, schema.TableSkills, records.Record{"name": "Stealth"})

	intruder := newDevice(t, backend.url, "not-a-token")
	require.NoError(t, intruder.store.DB(ctx).Create(&schema.Skill{ID: 9, DistantID: 9, Name: "Cached"}).Error)

	require.True(t, intruder.orchestrator.Run(ctx, syncengine.ReasonManual))
	report := intruder.orchestrator.LastReport()
	require.Equal(t, len(catalog.Tables()), report.TablesSkipped)
	require.Equal(t, syncengine.Push, report.Direction)
	require.Equal(t, syncengine.StateIdle, intruder.orchestrator.State())

	var cached []schema.Skill
	require.NoError(t, intruder.store.DB(ctx).Find(&cached).Error)
	require.Len(t, cached, 1)
	require.Equal(t, "Cached", cached[0].Name)
}
