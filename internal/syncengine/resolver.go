// Package syncengine sequences a synchronization pass: catalog additions are
// pushed, the catalog is pulled, and the owned characters are either pushed or
// pulled depending on which side is fresher.
package syncengine

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/freshness"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/remote"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/syncerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opDecide = "syncengine.decide"

var (
	errMissingStore  = errors.New("local store is required")
	errMissingRemote = errors.New("record service is required")
)

// Direction tells which side is authoritative for the owned characters.
type Direction int

const (
	// Push exports local state.
	Push Direction = iota
	// Pull imports the remote snapshot over local state.
	Pull
)

func (d Direction) String() string {
	if d == Pull {
		return "pull"
	}
	return "push"
}

// Decision carries the markers behind a Direction.
type Decision struct {
	Direction Direction
	LocalMax  freshness.Marker
	RemoteMax freshness.Marker
	// RemoteErr is set when the remote characters could not be fetched.
	RemoteErr error
}

// Store exposes the local database handle.
type Store interface {
	DB(ctx context.Context) *gorm.DB
}

// ResolverConfig wires the dependencies of a Resolver.
type ResolverConfig struct {
	Store  Store
	Remote remote.Service
	Logger *zap.Logger
}

// Resolver compares local and remote last_sync_at markers.
type Resolver struct {
	store  Store
	remote remote.Service
	logger *zap.Logger
}

// NewResolver validates the configuration.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: cfg.Store, remote: cfg.Remote, logger: logger}, nil
}

// Decide returns Pull only when the remote characters of userID were fetched and
// carry a strictly newer marker than every local one. Ties and fetch failures
// keep local work: Push.
func (r *Resolver) Decide(ctx context.Context, userID string) Direction {
	return r.Evaluate(ctx, userID).Direction
}

// Evaluate is Decide with the markers that led to the direction.
func (r *Resolver) Evaluate(ctx context.Context, userID string) Decision {
	var decision Decision

	var localMarkers []string
	err := r.store.DB(ctx).Model(&schema.Character{}).
		Where("user_id = ?", userID).
		Pluck("last_sync_at", &localMarkers).Error
	if err != nil {
		classified := syncerr.Storage(opDecide, "local_markers_failed", err)
		r.logger.Warn("local freshness unavailable",
			zap.String("operation", opDecide),
			zap.String("user_id", userID),
			zap.Error(classified))
		decision.Direction = Push
		return decision
	}
	for _, marker := range localMarkers {
		decision.LocalMax = freshness.Max(decision.LocalMax, marker)
	}

	records, err := r.remote.List(ctx, schema.TableCharacters, remote.Eq("user_id", userID))
	if err != nil {
		decision.RemoteErr = err
		r.logger.Warn("remote freshness unavailable, keeping local state",
			zap.String("operation", opDecide),
			zap.String("user_id", userID),
			zap.String("kind", string(syncerr.KindOf(err))),
			zap.Error(err))
	} else {
		remoteMarkers := make([]any, 0, len(records))
		for _, record := range records {
			remoteMarkers = append(remoteMarkers, record["last_sync_at"])
		}
		decision.RemoteMax = freshness.Max(remoteMarkers...)
	}

	decision.Direction = decide(decision.LocalMax, decision.RemoteMax, err == nil)
	r.logger.Debug("sync direction decided",
		zap.String("user_id", userID),
		zap.Int64("local_max", decision.LocalMax.Int64()),
		zap.Int64("remote_max", decision.RemoteMax.Int64()),
		zap.Stringer("direction", decision.Direction))
	return decision
}

func decide(localMax, remoteMax freshness.Marker, remoteFetched bool) Direction {
	if remoteFetched && remoteMax > localMax {
		return Pull
	}
	return Push
}
