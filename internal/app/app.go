package app

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/issm/issm/internal/artifact"
	"github.com/issm/issm/internal/authz"
	"github.com/issm/issm/internal/config"
	"github.com/issm/issm/internal/db"
	"github.com/issm/issm/internal/identity"
	"github.com/issm/issm/internal/repository"
	"github.com/issm/issm/internal/service"
	"github.com/issm/issm/internal/storage"
	"github.com/issm/issm/internal/volume"
)

type App struct {
	Cfg             *config.Config
	DB              *sqlx.DB
	Store           *repository.Store
	Gate            *authz.Gate
	Artifacts       *artifact.Store
	Identity        *identity.Issuer
	ProjectService  *service.ProjectService
	DataPoolService *service.DataPoolService
	WorkflowService *service.WorkflowService
}

func New(cfg *config.Config) (*App, error) {
	// Initialize database
	database, err := db.Init(cfg.DBDriver, cfg.DBConnection)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations
	if cfg.AutoMigrate {
		err = db.RunMigrations(database.DB, cfg.DBDriver)
		if err != nil {
			_ = db.Close(database)
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	// Storage
	volumeStorage, err := storage.New(cfg)
	if err != nil {
		_ = db.Close(database)
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	store := repository.NewStore(database)
	gate := authz.NewGate(store.Projects)
	artifacts := artifact.New(volumeStorage, volume.NewNIfTI(), cfg.MaxVolumeBytes)

	return &App{
		Cfg:             cfg,
		DB:              database,
		Store:           store,
		Gate:            gate,
		Artifacts:       artifacts,
		Identity:        identity.NewIssuer(cfg.JWTSecret, cfg.JWTExpiry),
		ProjectService:  service.NewProjectService(store, gate, artifacts),
		DataPoolService: service.NewDataPoolService(store, gate, artifacts),
		WorkflowService: service.NewWorkflowService(store, gate, artifacts),
	}, nil
}

func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
