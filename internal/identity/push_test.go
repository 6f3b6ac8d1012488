package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/database"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote/remotetest"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var skillSpec = Spec{
	Table:          schema.TableSkills,
	RemoteIDColumn: schema.ColumnDistantID,
	Fields:         []string{"name", "description", "characteristic"},
}

func TestPushUnsyncedIsIdempotent(t *testing.T) {
	store, service, pusher := newTestPusher(t)
	seedSkills(t, store,
		schema.Skill{ID: -1, Name: "Stealth"},
		schema.Skill{ID: -2, Name: "Occultism"},
		schema.Skill{ID: 5, DistantID: 5, Name: "Athletics"},
	)

	first := pusher.PushUnsynced(context.Background(), skillSpec)
	if first.Selected != 2 || first.Created != 2 || first.Failed() {
		t.Fatalf("unexpected first result %+v", first)
	}
	if calls := service.CountCalls("POST", schema.TableSkills); calls != 2 {
		t.Fatalf("expected 2 create calls, got %d", calls)
	}

	service.ResetCalls()
	second := pusher.PushUnsynced(context.Background(), skillSpec)
	if second.Selected != 0 || second.Created != 0 {
		t.Fatalf("expected nothing to push on second run, got %+v", second)
	}
	if len(service.Calls()) != 0 {
		t.Fatalf("expected zero remote calls on second run, got %d", len(service.Calls()))
	}

	for _, skill := range loadSkills(t, store) {
		if skill.DistantID == 0 {
			t.Fatalf("skill %d left unsynced", skill.ID)
		}
	}
}

func TestPushUnsyncedPayloadContainsExactlyFields(t *testing.T) {
	store, service, pusher := newTestPusher(t)
	seedSkills(t, store, schema.Skill{ID: -1, Name: "Stealth", Description: "quiet", Characteristic: "DEX"})

	pusher.PushUnsynced(context.Background(), skillSpec)

	calls := service.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	payload := calls[0].Payload
	if len(payload) != 3 {
		t.Fatalf("expected exactly 3 payload fields, got %#v", payload)
	}
	if payload["name"] != "Stealth" || payload["characteristic"] != "DEX" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if _, ok := payload["id"]; ok {
		t.Fatalf("local id must not leak into the payload")
	}
}

func TestPushUnsyncedIsolatesRowFailures(t *testing.T) {
	store, service, pusher := newTestPusher(t)
	seedSkills(t, store,
		schema.Skill{ID: -3, Name: "Stealth"},
		schema.Skill{ID: -2, Name: "Occultism"},
		schema.Skill{ID: -1, Name: "Medicine"},
	)
	service.FailWhen(func(call remotetest.Call) error {
		if call.Method == "POST" && call.Payload["name"] == "Occultism" {
			return remotetest.Rejected("remote.create", 500, "boom")
		}
		return nil
	})

	result := pusher.PushUnsynced(context.Background(), skillSpec)
	if result.Created != 2 || len(result.Failures) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Failures[0].Kind != syncerr.KindRejected {
		t.Fatalf("expected rejected failure, got %s", result.Failures[0].Kind)
	}

	byName := map[string]schema.Skill{}
	for _, skill := range loadSkills(t, store) {
		byName[skill.Name] = skill
	}
	if byName["Stealth"].DistantID == 0 || byName["Medicine"].DistantID == 0 {
		t.Fatalf("expected neighbours of the failed row to be synced: %+v", byName)
	}
	if byName["Occultism"].DistantID != 0 {
		t.Fatalf("expected failed row to stay at the sentinel, got %d", byName["Occultism"].DistantID)
	}

	service.FailWhen(nil)
	retry := pusher.PushUnsynced(context.Background(), skillSpec)
	if retry.Selected != 1 || retry.Created != 1 {
		t.Fatalf("expected failed row to be retried, got %+v", retry)
	}
}

func TestPushUnsyncedTreatsMalformedResponsesAsFailures(t *testing.T) {
	store, service, pusher := newTestPusher(t)
	seedSkills(t, store, schema.Skill{ID: -1, Name: "Stealth"})
	service.FailWhen(func(call remotetest.Call) error {
		return syncerr.New(syncerr.KindMalformed, "remote.create", "unexpected_shape", errors.New("no id"))
	})

	result := pusher.PushUnsynced(context.Background(), skillSpec)
	if result.Created != 0 || len(result.Failures) != 1 || result.Failures[0].Kind != syncerr.KindMalformed {
		t.Fatalf("unexpected result %+v", result)
	}
	if loadSkills(t, store)[0].DistantID != 0 {
		t.Fatalf("expected row to remain unsynced")
	}
}

func TestPushUnsyncedHonoursScopePrepareAndOnCreated(t *testing.T) {
	store, service, pusher := newTestPusher(t)
	seedSkills(t, store,
		schema.Skill{ID: -2, Name: "Stealth", Characteristic: "DEX"},
		schema.Skill{ID: -1, Name: "Occultism", Characteristic: "INT"},
	)

	var created []int64
	spec := skillSpec
	spec.Scope = func(db *gorm.DB) *gorm.DB {
		return db.Where("characteristic = ?", "DEX")
	}
	spec.Prepare = func(_ context.Context, _ *gorm.DB, row Row, payload remote.Record) error {
		payload["name"] = "Sneak"
		return nil
	}
	spec.OnCreated = func(_ context.Context, _ *gorm.DB, row Row, remoteID int64) error {
		created = append(created, remoteID)
		return nil
	}

	result := pusher.PushUnsynced(context.Background(), spec)
	if result.Selected != 1 || result.Created != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(created) != 1 {
		t.Fatalf("expected OnCreated to run once, got %v", created)
	}
	if service.Calls()[0].Payload["name"] != "Sneak" {
		t.Fatalf("expected prepared payload to be sent")
	}
}

func TestPushUnsyncedSkipsRowsRefusedByPrepare(t *testing.T) {
	store, service, pusher := newTestPusher(t)
	seedSkills(t, store, schema.Skill{ID: -1, Name: "Stealth"})

	spec := skillSpec
	spec.Prepare = func(context.Context, *gorm.DB, Row, remote.Record) error {
		return syncerr.Invariant("test", "parent_unsynced", errors.New("parent has no remote id"))
	}

	result := pusher.PushUnsynced(context.Background(), spec)
	if len(result.Failures) != 1 || result.Failures[0].Kind != syncerr.KindInvariant {
		t.Fatalf("expected invariant failure, got %+v", result)
	}
	if len(service.Calls()) != 0 {
		t.Fatalf("refused rows must not reach the record service")
	}
}

func TestRemoteIDOf(t *testing.T) {
	store, _, _ := newTestPusher(t)
	seedSkills(t, store,
		schema.Skill{ID: 7, DistantID: 7, Name: "Athletics"},
		schema.Skill{ID: -1, Name: "Stealth"},
	)
	db := store.DB(context.Background())

	remoteID, err := RemoteIDOf(db, schema.TableSkills, "id", schema.ColumnDistantID, 7)
	if err != nil || remoteID != 7 {
		t.Fatalf("expected remote id 7, got %d (%v)", remoteID, err)
	}
	_, err = RemoteIDOf(db, schema.TableSkills, "id", schema.ColumnDistantID, -1)
	if syncerr.KindOf(err) != syncerr.KindInvariant || errors.Is(err, ErrMissingRow) {
		t.Fatalf("expected invariant error for unsynced row, got %v", err)
	}
	_, err = RemoteIDOf(db, schema.TableSkills, "id", schema.ColumnDistantID, 404)
	if syncerr.KindOf(err) != syncerr.KindInvariant || !errors.Is(err, ErrMissingRow) {
		t.Fatalf("expected missing row error, got %v", err)
	}
}

func newTestPusher(t *testing.T) (*database.Store, *remotetest.Service, *Pusher) {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "identity.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	service := remotetest.NewService(100)
	pusher, err := NewPusher(PusherConfig{Store: store, Remote: service})
	if err != nil {
		t.Fatalf("failed to build pusher: %v", err)
	}
	return store, service, pusher
}

func seedSkills(t *testing.T, store *database.Store, skills ...schema.Skill) {
	t.Helper()
	if err := store.DB(context.Background()).Create(&skills).Error; err != nil {
		t.Fatalf("failed to seed skills: %v", err)
	}
}

func loadSkills(t *testing.T, store *database.Store) []schema.Skill {
	t.Helper()
	var skills []schema.Skill
	if err := store.DB(context.Background()).Order("id").Find(&skills).Error; err != nil {
		t.Fatalf("failed to load skills: %v", err)
	}
	return skills
}
