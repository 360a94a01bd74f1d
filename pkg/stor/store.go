// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

// The stor package manages the storage of analytics events.
package stor

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/edrlab/analytics-ledger/pkg/directory"
	"github.com/edrlab/analytics-ledger/pkg/ident"
)

type (

	// generic store
	dbStore struct {
		db       *gorm.DB
		dialect  string
		now      func() time.Time
		pageSize int
		initGen  ident.Generation

		// appends share the lock, evolution takes it exclusively
		mu     sync.RWMutex
		states map[Family]TableState
	}

	// entity stores
	downloadStore  dbStore
	viewStore      dbStore
	revenueStore   dbStore
	indexStore     dbStore
	evolutionStore dbStore
	reportStore    dbStore

	// Store interface, giving access to specialized interfaces
	Store interface {
		Download() DownloadRepository
		View() ViewRepository
		Revenue() RevenueRepository
		Index() IndexRepository
		Evolution() EvolutionRepository
		Report() ReportRepository
		// AppendBatch appends the rows of the three families in one transaction.
		AppendBatch(ctx context.Context, b *Batch) error
		// Check validates an event against its table without writing it.
		Check(e Event) error
		// Generation is the project reference generation accepted by a table.
		Generation(f Family) ident.Generation
		Close() error
	}

	// DownloadRepository interface, defining download operations
	DownloadRepository interface {
		Append(ctx context.Context, d *Download) error
		Scan(ctx context.Context, f Filter) iter.Seq2[Download, error]
		Count(ctx context.Context, f Filter) (int64, error)
	}

	// ViewRepository interface, defining page view operations
	ViewRepository interface {
		Append(ctx context.Context, v *View) error
		Scan(ctx context.Context, f Filter) iter.Seq2[View, error]
		Count(ctx context.Context, f Filter) (int64, error)
	}

	// RevenueRepository interface, defining revenue operations
	RevenueRepository interface {
		Append(ctx context.Context, r *Revenue) error
		Scan(ctx context.Context, f Filter) iter.Seq2[Revenue, error]
		Count(ctx context.Context, f Filter) (int64, error)
	}

	// IndexRepository interface, defining secondary index maintenance
	IndexRepository interface {
		List(ctx context.Context) ([]IndexStatus, error)
		Ensure(ctx context.Context) error
		Rebuild(ctx context.Context, f Family) error
	}

	// EvolutionRepository interface, defining project reference evolution
	EvolutionRepository interface {
		State(ctx context.Context, f Family) (*TableState, error)
		States(ctx context.Context) ([]TableState, error)
		Evolve(ctx context.Context, dir directory.Directory, opts EvolveOptions) (*EvolutionReport, error)
		Worklist(ctx context.Context, pageNum, pageSize int) ([]WorklistEntry, error)
	}

	// ReportRepository interface, defining reporting queries
	ReportRepository interface {
		TopSitePaths(ctx context.Context, family Family, f Filter, limit int) ([]TopValue, error)
		TimeSeries(ctx context.Context, family Family, f Filter, bucket Bucket) ([]TimeSeriesValue, error)
	}
)

// implementation of the different repository interfaces
func (s *dbStore) Download() DownloadRepository {
	return (*downloadStore)(s)
}

func (s *dbStore) View() ViewRepository {
	return (*viewStore)(s)
}

func (s *dbStore) Revenue() RevenueRepository {
	return (*revenueStore)(s)
}

func (s *dbStore) Index() IndexRepository {
	return (*indexStore)(s)
}

func (s *dbStore) Evolution() EvolutionRepository {
	return (*evolutionStore)(s)
}

func (s *dbStore) Report() ReportRepository {
	return (*reportStore)(s)
}

func (s *dbStore) Generation(f Family) ident.Generation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[f].Generation
}

func (s *dbStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Option customizes a store at Init time.
type Option func(*dbStore)

// WithGeneration sets the project reference generation of tables created by Init.
func WithGeneration(g ident.Generation) Option {
	return func(s *dbStore) { s.initGen = g }
}

// WithClock replaces the clock used to default the recording time.
func WithClock(now func() time.Time) Option {
	return func(s *dbStore) { s.now = now }
}

// WithPageSize sets the number of rows fetched per scan page.
func WithPageSize(n int) Option {
	return func(s *dbStore) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// Init initializes the database
func Init(dsn string, opts ...Option) (Store, error) {
	var err error

	dialect, cnx := dbFromURI(dsn)
	if dialect == "error" {
		return nil, fmt.Errorf("incorrect database source name: %q", dsn)
	}

	// add parameters specific to the dialect
	cnx = addParamsDialectSpecific(cnx, dialect)

	// database logger
	newLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second, // Slow SQL threshold
			LogLevel:                  logger.Warn, // Log level (Silent, Error, Warn, Info)
			IgnoreRecordNotFoundError: true,        // Ignore ErrRecordNotFound error for logger
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(GormDialector(cnx), &gorm.Config{
		Logger: newLogger,
	})
	if err != nil {
		log.Errorf("Failed connecting to the database: %v", err)
		return nil, err
	}

	err = performDialectSpecific(db, dialect, cnx)
	if err != nil {
		log.Errorf("Failed performing dialect specific database init: %v", err)
		return nil, err
	}

	err = db.AutoMigrate(&schemaGeneration{}, &WorklistEntry{})
	if err != nil {
		log.Errorf("Failed performing database automigrate: %v", err)
		return nil, err
	}

	stor := &dbStore{
		db:       db,
		dialect:  dialect,
		now:      time.Now,
		pageSize: 500,
		initGen:  ident.Gen2,
		states:   make(map[Family]TableState),
	}
	for _, opt := range opts {
		opt(stor)
	}

	ctx := context.Background()
	if err = stor.createTables(ctx); err != nil {
		log.Errorf("Failed creating the event tables: %v", err)
		return nil, err
	}
	if err = stor.refresh(ctx); err != nil {
		return nil, err
	}
	if err = ensureIndexes(db.WithContext(ctx), Families...); err != nil {
		log.Errorf("Failed creating the event indexes: %v", err)
		return nil, err
	}

	return stor, nil
}

// dbFromURI
func dbFromURI(uri string) (string, string) {
	parts := strings.Split(uri, "://")
	if len(parts) != 2 {
		return "error", ""
	}
	return parts[0], parts[1]
}

// addParamsDialectSpecific takes a connection string and adds parameters specific to the SQL dialect
func addParamsDialectSpecific(cnx, dialect string) string {
	addParam := func(param string) {
		key := strings.SplitN(param, "=", 2)[0] + "="
		if strings.Contains(cnx, key) {
			return
		}
		if strings.Contains(cnx, "?") {
			cnx += "&" + param
		} else {
			cnx += "?" + param
		}
	}
	switch dialect {
	case "sqlite3":
		addParam("_busy_timeout=5000")
		if isMemory(cnx) {
			addParam("cache=shared")
		}
	case "mysql":
		addParam("charset=utf8mb4")
		addParam("parseTime=True")
		addParam("loc=UTC")
	case "postgres":
		// the pgx driver parses the connection as a URL
		cnx = "postgres://" + cnx
		addParam("sslmode=disable")
	default:
		log.Warnf("Invalid dialect: %s", dialect)
	}
	return cnx
}

func isMemory(cnx string) bool {
	return strings.Contains(cnx, ":memory:") || strings.Contains(cnx, "mode=memory")
}

// performDialectSpecific
func performDialectSpecific(db *gorm.DB, dialect, cnx string) error {
	switch dialect {
	case "sqlite3":
		// a shared in-memory database is table-locked; one connection serializes access
		if isMemory(cnx) {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			sqlDB.SetMaxOpenConns(1)
		}
		err := db.Exec("PRAGMA journal_mode = WAL").Error
		if err != nil {
			return err
		}
	case "mysql":
		// nothing , so far
	case "postgres":
		// nothing , so far
	default:
		return fmt.Errorf("invalid dialect: %s", dialect)
	}
	return nil
}
