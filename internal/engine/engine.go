package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"injectline/internal/config"
	"injectline/internal/domain"
	"injectline/internal/events"
	"injectline/internal/executor"
	"injectline/internal/logger"
	"injectline/internal/repo"
)

var (
	// ErrCycleInProgress is returned when a cycle is triggered while another runs.
	ErrCycleInProgress = errors.New("orchestrator cycle already in progress")

	// ErrConflict rejects a state change the inject cannot accept right now.
	ErrConflict = errors.New("conflict")

	// ErrNotReady marks an inject whose contract misses mandatory fields.
	ErrNotReady = errors.New("inject is not ready")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = repo.ErrNotFound
)

type ExerciseStore interface {
	ListExercises(ctx context.Context, statuses ...domain.ExerciseStatus) ([]domain.Exercise, error)
	GetExercise(ctx context.Context, id string) (domain.Exercise, error)
	SetExerciseStatus(ctx context.Context, id string, status domain.ExerciseStatus, start, end *time.Time, at time.Time) error
	TouchExercise(ctx context.Context, id string, at time.Time) error
	OpenPause(ctx context.Context, exerciseID string, p domain.Pause) error
	ClosePause(ctx context.Context, exerciseID string, at time.Time) error
}

type InjectStore interface {
	ListExerciseInjects(ctx context.Context, exerciseID string) ([]domain.Inject, error)
	ListStandaloneInjects(ctx context.Context) ([]domain.Inject, error)
	GetInject(ctx context.Context, id string) (domain.Inject, error)
	GetInjectStatus(ctx context.Context, injectID string) (domain.InjectStatus, error)
	ListInjectStatuses(ctx context.Context, name domain.ExecutionStatus) ([]domain.InjectStatus, error)
	ListUncollectedStatuses(ctx context.Context) ([]domain.InjectStatus, error)
	SaveInjectStatus(ctx context.Context, st domain.InjectStatus, traces []domain.ExecutionTrace) error
}

type ExpectationStore interface {
	ListInjectExpectations(ctx context.Context, injectID string) ([]domain.InjectExpectation, error)
	ListUnresolvedInjectIDs(ctx context.Context) ([]string, error)
	GetExpectation(ctx context.Context, id string) (domain.InjectExpectation, error)
	InsertExpectations(ctx context.Context, exps []domain.InjectExpectation) error
	SaveExpectationScore(ctx context.Context, e domain.InjectExpectation) error
	ResolveExpectationScore(ctx context.Context, e domain.InjectExpectation) (bool, error)
	AddExpectationResult(ctx context.Context, expectationID string, res domain.ExpectationResult) error
}

type TopologyStore interface {
	ListAgents(ctx context.Context, ids []string) ([]domain.Agent, error)
	ListAgentsByAssets(ctx context.Context, assetIDs []string) ([]domain.Agent, error)
	ListAssets(ctx context.Context, ids []string) ([]domain.Asset, error)
	ListAssetGroups(ctx context.Context, ids []string) ([]domain.AssetGroup, error)
	ListTeams(ctx context.Context, ids []string) ([]domain.Team, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	ExerciseStore
	InjectStore
	ExpectationStore
	TopologyStore
}

// Executor performs the side effect of an inject.
type Executor interface {
	Execute(ctx context.Context, inj domain.ExecutableInject) (domain.Execution, error)
}

// Readiness reports whether an inject carries every mandatory field of its contract.
type Readiness interface {
	IsReady(inj domain.Inject) bool
}

// Notifier emits fire-and-forget notifications, optionally delayed.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification, delay time.Duration) error
}

// Engine runs the orchestrator cycle and owns every inject status transition.
type Engine struct {
	Store     Store
	Executor  Executor
	Readiness Readiness
	Notifier  Notifier
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time

	cycle       sync.Mutex
	injectLocks keyMutex
	metricsOnce sync.Once
	metrics     *instruments
}

// New wires the SQLite store, the event writer and the contract registry.
func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	registry := executor.NewRegistry(cfg)
	e := &Engine{
		Store:     repo.Repo{DB: db},
		Executor:  registry,
		Readiness: registry,
		Config:    cfg,
		Now:       time.Now,
	}
	e.Notifier = events.Writer{DB: db, Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

var defaultConfig = sync.OnceValue(config.Default)

func (e *Engine) config() *config.Config {
	if e.Config == nil {
		return defaultConfig()
	}
	return e.Config
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	base := e.Logger
	if base == nil {
		base = slog.Default()
	}
	return logger.FromContext(ctx, base).With("component", "engine")
}

func (e *Engine) notify(ctx context.Context, n domain.Notification, delay time.Duration) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, n, delay); err != nil {
		e.log(ctx).Error("notification failed", "type", n.Type, "entity_id", n.EntityID, "error", err)
	}
}
