package runstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNilRun       = errors.New("runstore: run is nil")
	ErrInvalidRunID = errors.New("runstore: run id is empty")
)

const (
	defaultPageSize = 10
	maxPageSize     = 1000
)

// Store is the run registry.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to driver (sqlite, mysql or postgres) with dsn and
// creates the runs table when it is missing.
func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("runstore: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "runstore: connect %s", driver)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrapf(err, "runstore: underlying sql.DB")
	}
	if dialector.Name() == "sqlite" {
		// Every connection to an in-memory database sees a different one.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return NewStore(db, log)
}

// NewStore wraps an open gorm connection.
func NewStore(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{db: db, logger: log.Named("runstore")}
	if err := s.ensureTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTables() error {
	if s.db.Migrator().HasTable(&Run{}) {
		return nil
	}
	if err := s.db.AutoMigrate(&Run{}); err != nil {
		return errors.Wrapf(err, "runstore: migrate runs table")
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) withContext(ctx context.Context) *gorm.DB {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.WithContext(ctx)
}

// Create inserts run.
func (s *Store) Create(ctx context.Context, run *Run) error {
	if run == nil {
		return ErrNilRun
	}
	if run.RunID == "" {
		return ErrInvalidRunID
	}
	if err := s.withContext(ctx).Create(run).Error; err != nil {
		return errors.Wrapf(err, "runstore: create run %s", run.RunID)
	}
	s.logger.Debug("run created", zap.String("run_id", run.RunID), zap.Uint("id", run.ID))
	return nil
}

// Update writes the given columns of the run with runID.
func (s *Store) Update(ctx context.Context, runID string, columns map[string]interface{}) error {
	if runID == "" {
		return ErrInvalidRunID
	}
	res := s.withContext(ctx).Model(&Run{}).Where("run_id = ?", runID).Updates(columns)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "runstore: update run %s", runID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(gorm.ErrRecordNotFound, "runstore: update run %s", runID)
	}
	return nil
}

// Find returns the run with runID.
func (s *Store) Find(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, ErrInvalidRunID
	}
	var run Run
	if err := s.withContext(ctx).Where("run_id = ?", runID).First(&run).Error; err != nil {
		return nil, errors.Wrapf(err, "runstore: find run %s", runID)
	}
	return &run, nil
}

// List returns one page of runs, newest first, and the total count.
func (s *Store) List(ctx context.Context, params QueryParams) ([]Run, int64, error) {
	params = normalizeQueryParams(params)
	q := s.withContext(ctx).Model(&Run{})
	if params.ProjectID != nil {
		q = q.Where("project_id = ?", *params.ProjectID)
	}
	if params.Status != nil {
		q = q.Where("status = ?", *params.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrapf(err, "runstore: count runs")
	}
	var runs []Run
	offset := (params.Page - 1) * params.PageSize
	if err := q.Order("id DESC").Offset(offset).Limit(params.PageSize).Find(&runs).Error; err != nil {
		return nil, 0, errors.Wrapf(err, "runstore: list runs")
	}
	return runs, total, nil
}

func normalizeQueryParams(params QueryParams) QueryParams {
	if params.Page <= 0 {
		params.Page = 1
	}
	if params.PageSize <= 0 {
		params.PageSize = defaultPageSize
	}
	if params.PageSize > maxPageSize {
		params.PageSize = maxPageSize
	}
	return params
}
