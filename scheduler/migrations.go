package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/truenas/middlewared/datastore"
	"github.com/truenas/middlewared/errors"
)

const migrationPrefix = "migration/"

// Migration is a numbered, run-once change to persistent state
type Migration struct {
	Number int
	Name   string
	Run    func(ctx context.Context, store datastore.Store) error
}

func (m Migration) key() string {
	return fmt.Sprintf("%s%06d", migrationPrefix, m.Number)
}

// ledgerRecord is stored once a migration has run
type ledgerRecord struct {
	Number  int       `json:"number"`
	Name    string    `json:"name"`
	Applied time.Time `json:"applied"`
}

// Migrations runs pending migrations in number order and records each in
// the datastore ledger
type Migrations struct {
	store  datastore.Store
	logger *slog.Logger
	list   []Migration
}

// NewMigrations creates an empty migration set over store
func NewMigrations(store datastore.Store, logger *slog.Logger) *Migrations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrations{store: store, logger: logger.With("component", "migrations")}
}

// Add registers m. Numbers must be positive and unique.
func (ms *Migrations) Add(m Migration) error {
	if m.Number <= 0 || m.Run == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Migrations", "Add", "migration validation")
	}
	for _, existing := range ms.list {
		if existing.Number == m.Number {
			return errors.Exists("Migration %d already exists", m.Number)
		}
	}
	ms.list = append(ms.list, m)
	return nil
}

// Applied returns the numbers already recorded in the ledger, ascending
func (ms *Migrations) Applied(ctx context.Context) ([]int, error) {
	entries, err := ms.store.Query(ctx, migrationPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "Migrations", "Applied", "read ledger")
	}
	numbers := make([]int, 0, len(entries))
	for _, e := range entries {
		var rec ledgerRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, errors.WrapInvalid(err, "Migrations", "Applied", "decode "+e.Key)
		}
		numbers = append(numbers, rec.Number)
	}
	sort.Ints(numbers)
	return numbers, nil
}

// Run applies every pending migration in order. The first failure stops
// the run and is fatal; later migrations stay pending.
func (ms *Migrations) Run(ctx context.Context) (int, error) {
	pending := append([]Migration(nil), ms.list...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Number < pending[j].Number })

	ran := 0
	for _, m := range pending {
		_, err := ms.store.Get(ctx, m.key())
		if err == nil {
			continue
		}
		if !datastore.IsNotFound(err) {
			return ran, errors.WrapFatal(err, "Migrations", "Run", "read ledger")
		}

		start := time.Now()
		if err := m.Run(ctx, ms.store); err != nil {
			ms.logger.Error("Migration failed", "number", m.Number, "name", m.Name, "error", err)
			return ran, errors.WrapFatal(err, "Migrations", "Run", fmt.Sprintf("migration %d %s", m.Number, m.Name))
		}
		rec := ledgerRecord{Number: m.Number, Name: m.Name, Applied: time.Now().UTC()}
		if err := datastore.PutJSON(ctx, ms.store, m.key(), rec); err != nil {
			return ran, errors.WrapFatal(err, "Migrations", "Run", "record migration")
		}
		ran++
		ms.logger.Info("Migration applied", "number", m.Number, "name", m.Name, "duration", time.Since(start))
	}
	return ran, nil
}
