package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/banshee-data/mapgen/internal/naming"
	"github.com/banshee-data/mapgen/internal/timeutil"
)

// ErrDatasetNotFound is returned when a named dataset does not exist.
var ErrDatasetNotFound = errors.New("dataset not found")

// Kind is the geometry type of a dataset.
type Kind string

const (
	KindPoint   Kind = "point"
	KindLine    Kind = "line"
	KindPolygon Kind = "polygon"
)

// Feature is one stored geometry with its source identity.
type Feature struct {
	SourceID int64
	// Symbol is the building symbol code; zero when not applicable.
	Symbol   int
	Geometry orb.Geometry
	Attrs    map[string]interface{}
}

// DatasetInfo describes a stored dataset.
type DatasetInfo struct {
	Name         string
	Stage        string
	Description  string
	Scale        string
	Kind         Kind
	RunID        string
	FeatureCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DatasetStore persists named datasets. Dataset handles come from a
// naming.Registry, which fixes the scale recorded with every dataset.
type DatasetStore struct {
	db    *DB
	scale string
	clock timeutil.Clock
}

// NewDatasetStore creates a store that records datasets at scale.
func NewDatasetStore(db *DB, scale string) *DatasetStore {
	return &DatasetStore{db: db, scale: scale, clock: timeutil.RealClock{}}
}

// SetClock replaces the clock used for created/updated timestamps.
func (s *DatasetStore) SetClock(c timeutil.Clock) { s.clock = c }

// CreateOrClear makes ds exist and be empty. An existing dataset keeps its
// creation time; its features are deleted.
func (s *DatasetStore) CreateOrClear(ctx context.Context, ds naming.Dataset, kind Kind, runID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.createOrClear(ctx, tx, ds, kind, runID)
	})
}

// Write replaces the contents of ds with features.
func (s *DatasetStore) Write(ctx context.Context, ds naming.Dataset, kind Kind, runID string, features []Feature) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.createOrClear(ctx, tx, ds, kind, runID); err != nil {
			return err
		}
		return insertFeatures(ctx, tx, ds.Name, features)
	})
}

// Append adds features to an existing dataset.
func (s *DatasetStore) Append(ctx context.Context, ds naming.Dataset, features []Feature) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := requireDataset(ctx, tx, ds.Name); err != nil {
			return err
		}
		if err := insertFeatures(ctx, tx, ds.Name, features); err != nil {
			return err
		}
		return s.touch(ctx, tx, ds.Name)
	})
}

// Copy replaces dst with the contents of src.
func (s *DatasetStore) Copy(ctx context.Context, src, dst naming.Dataset, runID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var kind Kind
		err := tx.QueryRowContext(ctx, `SELECT kind FROM datasets WHERE name = ?`, src.Name).Scan(&kind)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("copy %s: %w", src.Name, ErrDatasetNotFound)
		}
		if err != nil {
			return fmt.Errorf("copy dataset lookup: %w", err)
		}
		if err := s.createOrClear(ctx, tx, dst, kind, runID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO features (dataset, source_id, symbol, geom, attrs)
			SELECT ?, source_id, symbol, geom, attrs
			FROM features
			WHERE dataset = ?
			ORDER BY feature_id
		`, dst.Name, src.Name)
		if err != nil {
			return fmt.Errorf("copy features %s -> %s: %w", src.Name, dst.Name, err)
		}
		return nil
	})
}

// Read returns the features of ds in insertion order.
func (s *DatasetStore) Read(ctx context.Context, ds naming.Dataset) ([]Feature, error) {
	if err := requireDataset(ctx, s.db, ds.Name); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, symbol, geom, attrs
		FROM features
		WHERE dataset = ?
		ORDER BY feature_id
	`, ds.Name)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", ds.Name, err)
	}
	defer rows.Close()

	var features []Feature
	for rows.Next() {
		var (
			f      Feature
			symbol sql.NullInt64
			geom   []byte
			attrs  sql.NullString
		)
		if err := rows.Scan(&f.SourceID, &symbol, &geom, &attrs); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		if symbol.Valid {
			f.Symbol = int(symbol.Int64)
		}
		f.Geometry, err = wkb.Unmarshal(geom)
		if err != nil {
			return nil, fmt.Errorf("decode feature %d of %s: %w", f.SourceID, ds.Name, err)
		}
		if attrs.Valid {
			if err := decodeAttrs(attrs.String, &f.Attrs); err != nil {
				return nil, fmt.Errorf("decode attributes of feature %d: %w", f.SourceID, err)
			}
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// Delete removes ds and its features. Deleting a missing dataset is not an
// error.
func (s *DatasetStore) Delete(ctx context.Context, ds naming.Dataset) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE name = ?`, ds.Name); err != nil {
		return fmt.Errorf("delete dataset %s: %w", ds.Name, err)
	}
	return nil
}

// Exists reports whether ds has been created.
func (s *DatasetStore) Exists(ctx context.Context, ds naming.Dataset) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE name = ?`, ds.Name).Scan(&n); err != nil {
		return false, fmt.Errorf("check dataset %s: %w", ds.Name, err)
	}
	return n > 0, nil
}

// Info returns the metadata of ds.
func (s *DatasetStore) Info(ctx context.Context, ds naming.Dataset) (*DatasetInfo, error) {
	infos, err := s.list(ctx, `WHERE d.name = ?`, ds.Name)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%s: %w", ds.Name, ErrDatasetNotFound)
	}
	return infos[0], nil
}

// List returns every dataset ordered by name.
func (s *DatasetStore) List(ctx context.Context) ([]*DatasetInfo, error) {
	return s.list(ctx, "")
}

func (s *DatasetStore) list(ctx context.Context, where string, args ...interface{}) ([]*DatasetInfo, error) {
	query := `
		SELECT d.name, d.stage, d.description, d.scale, d.kind, d.run_id,
		       d.created_at, d.updated_at,
		       (SELECT COUNT(*) FROM features f WHERE f.dataset = d.name)
		FROM datasets d
	` + where + `
		ORDER BY d.name
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var infos []*DatasetInfo
	for rows.Next() {
		info := &DatasetInfo{}
		var runID sql.NullString
		var created, updated int64
		if err := rows.Scan(
			&info.Name, &info.Stage, &info.Description, &info.Scale, &info.Kind, &runID,
			&created, &updated, &info.FeatureCount,
		); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		if runID.Valid {
			info.RunID = runID.String
		}
		info.CreatedAt = time.Unix(0, created).UTC()
		info.UpdatedAt = time.Unix(0, updated).UTC()
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *DatasetStore) createOrClear(ctx context.Context, tx *sql.Tx, ds naming.Dataset, kind Kind, runID string) error {
	if ds.Name == "" {
		return fmt.Errorf("create dataset: empty name")
	}
	now := s.clock.Now().UnixNano()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO datasets (name, stage, description, scale, kind, run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			kind = excluded.kind,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at
	`, ds.Name, ds.Key.Stage, ds.Key.Description, s.scale, string(kind), nullString(runID), now, now)
	if err != nil {
		return fmt.Errorf("create dataset %s: %w", ds.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM features WHERE dataset = ?`, ds.Name); err != nil {
		return fmt.Errorf("clear dataset %s: %w", ds.Name, err)
	}
	return nil
}

func (s *DatasetStore) touch(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `UPDATE datasets SET updated_at = ? WHERE name = ?`, s.clock.Now().UnixNano(), name)
	if err != nil {
		return fmt.Errorf("update dataset %s: %w", name, err)
	}
	return nil
}

func (s *DatasetStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func requireDataset(ctx context.Context, q queryRower, name string) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE name = ?`, name).Scan(&n); err != nil {
		return fmt.Errorf("check dataset %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", name, ErrDatasetNotFound)
	}
	return nil
}

func insertFeatures(ctx context.Context, tx *sql.Tx, dataset string, features []Feature) error {
	if len(features) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO features (dataset, source_id, symbol, geom, attrs)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare feature insert: %w", err)
	}
	defer stmt.Close()

	for i, f := range features {
		if f.Geometry == nil {
			return fmt.Errorf("feature %d (source %d): nil geometry", i, f.SourceID)
		}
		geom, err := wkb.Marshal(f.Geometry)
		if err != nil {
			return fmt.Errorf("encode feature %d (source %d): %w", i, f.SourceID, err)
		}
		attrs, err := encodeAttrs(f.Attrs)
		if err != nil {
			return fmt.Errorf("encode attributes of feature %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, dataset, f.SourceID, nullSymbol(f.Symbol), geom, attrs); err != nil {
			return fmt.Errorf("insert feature %d into %s: %w", i, dataset, err)
		}
	}
	return nil
}

func encodeAttrs(attrs map[string]interface{}) (sql.NullString, error) {
	if len(attrs) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeAttrs(s string, dst *map[string]interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullSymbol(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}
