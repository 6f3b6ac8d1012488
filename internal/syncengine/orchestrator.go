package syncengine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/catalog"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/characters"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/identity"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	errMissingCatalog  = errors.New("catalog syncer is required")
	errMissingOwned    = errors.New("owned syncer is required")
	errMissingResolver = errors.New("direction resolver is required")
	errMissingUserID   = errors.New("user identifier is required")
)

// State is the orchestrator's current step.
type State int32

const (
	StateIdle State = iota
	StatePushingCatalogAdditions
	StatePullingCatalog
	StateDeciding
	StatePushingOwned
	StatePullingOwned
)

func (s State) String() string {
	switch s {
	case StatePushingCatalogAdditions:
		return "pushing_catalog_additions"
	case StatePullingCatalog:
		return "pulling_catalog"
	case StateDeciding:
		return "deciding"
	case StatePushingOwned:
		return "pushing_owned"
	case StatePullingOwned:
		return "pulling_owned"
	default:
		return "idle"
	}
}

// Reason names what triggered a pass. It is only logged and counted.
type Reason string

const (
	ReasonColdStart          Reason = "cold_start"
	ReasonFocus              Reason = "focus"
	ReasonUnsyncedDependents Reason = "unsynced_dependents"
	ReasonInterval           Reason = "interval"
	ReasonManual             Reason = "manual"
)

// CatalogSyncer pushes catalog additions and pulls the reference tables.
type CatalogSyncer interface {
	PushAdditions(ctx context.Context) []identity.Result
	Pull(ctx context.Context) catalog.PullResult
}

// OwnedSyncer pushes or imports the user's characters.
type OwnedSyncer interface {
	PushOwned(ctx context.Context) characters.PushResult
	ImportOwned(ctx context.Context, userID string) (characters.ImportResult, error)
	HasUnsyncedDependents(ctx context.Context) (bool, error)
}

// DirectionDecider picks the direction for the owned characters.
type DirectionDecider interface {
	Decide(ctx context.Context, userID string) Direction
}

// Report summarizes one pass.
type Report struct {
	Reason            Reason
	Direction         Direction
	StartedAt         time.Time
	Duration          time.Duration
	CatalogCreated    int
	TablesReplaced    int
	TablesSkipped     int
	CharactersCreated int
	CharactersUpdated int
	DependentsCreated int
	Imported          int
	Removed           int
	// Failures counts rows and tables left for the next pass.
	Failures int
}

// Config wires the dependencies of an Orchestrator.
type Config struct {
	Catalog  CatalogSyncer
	Owned    OwnedSyncer
	Resolver DirectionDecider
	UserID   string
	Clock    func() time.Time
	Meter    metric.Meter
	Tracer   trace.Tracer
	Logger   *zap.Logger
	// OnStateChange observes every transition, including the return to idle.
	OnStateChange func(State)
}

// Orchestrator runs synchronization passes against one local store. At most one
// pass is in flight; a trigger arriving meanwhile is dropped.
type Orchestrator struct {
	catalog       CatalogSyncer
	owned         OwnedSyncer
	resolver      DirectionDecider
	userID        string
	clock         func() time.Time
	tracer        trace.Tracer
	logger        *zap.Logger
	onStateChange func(State)

	running atomic.Bool
	state   atomic.Int32

	reportMu   sync.Mutex
	lastReport Report

	passes       metric.Int64Counter
	skipped      metric.Int64Counter
	rowsSynced   metric.Int64Counter
	rowFailures  metric.Int64Counter
	passDuration metric.Float64Histogram
}

// NewOrchestrator validates the configuration and registers the pass metrics.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	if cfg.Owned == nil {
		return nil, errMissingOwned
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errMissingUserID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(telemetry.InstrumentationScope)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(telemetry.InstrumentationScope)
	}

	o := &Orchestrator{
		catalog:       cfg.Catalog,
		owned:         cfg.Owned,
		resolver:      cfg.Resolver,
		userID:        userID,
		clock:         clock,
		tracer:        tracer,
		logger:        logger,
		onStateChange: cfg.OnStateChange,
	}

	var err error
	if o.passes, err = meter.Int64Counter("companion_sync.passes",
		metric.WithDescription("Synchronization passes run")); err != nil {
		return nil, err
	}
	if o.skipped, err = meter.Int64Counter("companion_sync.passes.skipped",
		metric.WithDescription("Triggers dropped because a pass was already running")); err != nil {
		return nil, err
	}
	if o.rowsSynced, err = meter.Int64Counter("companion_sync.rows.synced",
		metric.WithDescription("Rows created, updated or imported")); err != nil {
		return nil, err
	}
	if o.rowFailures, err = meter.Int64Counter("companion_sync.rows.failed",
		metric.WithDescription("Rows and tables left for the next pass")); err != nil {
		return nil, err
	}
	if o.passDuration, err = meter.Float64Histogram("companion_sync.pass.duration",
		metric.WithDescription("Synchronization pass duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return o, nil
}

// State returns the current step.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// LastReport returns the summary of the most recent completed pass.
func (o *Orchestrator) LastReport() Report {
	o.reportMu.Lock()
	defer o.reportMu.Unlock()
	return o.lastReport
}

// Run executes one pass on the caller's goroutine and reports whether it ran.
// Partial failures are logged and counted; the orchestrator always returns to
// idle and never surfaces them as an error.
func (o *Orchestrator) Run(ctx context.Context, reason Reason) bool {
	reasonAttr := metric.WithAttributes(attribute.String("reason", string(reason)))
	if !o.running.CompareAndSwap(false, true) {
		o.skipped.Add(ctx, 1, reasonAttr)
		o.logger.Debug("sync pass already running, trigger dropped", zap.String("reason", string(reason)))
		return false
	}
	defer o.running.Store(false)
	defer o.setState(StateIdle)

	ctx, passSpan := o.tracer.Start(ctx, "sync.pass",
		trace.WithAttributes(attribute.String("reason", string(reason))))
	defer passSpan.End()

	report := Report{Reason: reason, StartedAt: o.clock()}
	o.passes.Add(ctx, 1, reasonAttr)
	o.logger.Info("sync pass started", zap.String("reason", string(reason)))

	// Additions must reach the server before the pull wipes the local tables.
	stepCtx, step := o.enter(ctx, StatePushingCatalogAdditions)
	for _, result := range o.catalog.PushAdditions(stepCtx) {
		report.CatalogCreated += result.Created
		report.Failures += len(result.Failures)
	}
	step.End()

	stepCtx, step = o.enter(ctx, StatePullingCatalog)
	pull := o.catalog.Pull(stepCtx)
	report.TablesReplaced = len(pull.Replaced)
	report.TablesSkipped = len(pull.Failures)
	report.Failures += len(pull.Failures)
	step.End()

	stepCtx, step = o.enter(ctx, StateDeciding)
	report.Direction = o.resolver.Decide(stepCtx, o.userID)
	step.End()

	if report.Direction == Pull {
		stepCtx, step = o.enter(ctx, StatePullingOwned)
		imported, err := o.owned.ImportOwned(stepCtx, o.userID)
		if err != nil {
			step.RecordError(err)
			report.Failures++
		}
		report.Imported = imported.Imported
		report.Removed = imported.Removed
		report.Failures += len(imported.Failures)
		step.End()
	} else {
		stepCtx, step = o.enter(ctx, StatePushingOwned)
		pushed := o.owned.PushOwned(stepCtx)
		report.CharactersCreated = pushed.Characters.Created
		report.CharactersUpdated = pushed.Updated
		for _, result := range pushed.Dependents {
			report.DependentsCreated += result.Created
		}
		report.Failures += pushed.FailureCount()
		step.End()
	}

	report.Duration = o.clock().Sub(report.StartedAt)
	passSpan.SetAttributes(
		attribute.String("direction", report.Direction.String()),
		attribute.Int("failures", report.Failures))
	if report.Failures > 0 {
		passSpan.SetStatus(codes.Error, "rows or tables left for the next pass")
	}
	o.record(ctx, report)
	return true
}

func (o *Orchestrator) enter(ctx context.Context, state State) (context.Context, trace.Span) {
	o.setState(state)
	return o.tracer.Start(ctx, "sync."+state.String())
}

func (o *Orchestrator) record(ctx context.Context, report Report) {
	directionAttr := metric.WithAttributes(attribute.String("direction", report.Direction.String()))
	synced := report.CatalogCreated + report.CharactersCreated + report.CharactersUpdated +
		report.DependentsCreated + report.Imported
	o.rowsSynced.Add(ctx, int64(synced), directionAttr)
	o.rowFailures.Add(ctx, int64(report.Failures), directionAttr)
	o.passDuration.Record(ctx, float64(report.Duration.Milliseconds()), directionAttr)

	o.reportMu.Lock()
	o.lastReport = report
	o.reportMu.Unlock()

	o.logger.Info("sync pass finished",
		zap.String("reason", string(report.Reason)),
		zap.Stringer("direction", report.Direction),
		zap.Int("rows_synced", synced),
		zap.Int("tables_replaced", report.TablesReplaced),
		zap.Int("failures", report.Failures),
		zap.Duration("duration", report.Duration))
}

func (o *Orchestrator) setState(state State) {
	o.state.Store(int32(state))
	if o.onStateChange != nil {
		o.onStateChange(state)
	}
}

// Watch runs a cold start pass, then one pass per interval until ctx is done.
// A tick that finds synced characters with unsynced dependents is logged with
// that reason.
func (o *Orchestrator) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("watch interval must be positive")
	}
	o.Run(ctx, ReasonColdStart)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Run(ctx, o.tickReason(ctx))
		}
	}
}

func (o *Orchestrator) tickReason(ctx context.Context) Reason {
	pending, err := o.owned.HasUnsyncedDependents(ctx)
	if err != nil {
		o.logger.Warn("unsynced dependents check failed", zap.Error(err))
		return ReasonInterval
	}
	if pending {
		return ReasonUnsyncedDependents
	}
	return ReasonInterval
}
