package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/banshee-data/mapgen/internal/config"
)

// RoadSegment is one road centerline with the N100 attributes that road class
// predicates are written against.
type RoadSegment struct {
	ID           int64
	ObjectID     int64
	SubtypeKode  int
	MotorvegType string
	Vegkategori  string
	Vegnummer    int
	Medium       string
	Geometry     orb.LineString
	Attrs        map[string]interface{}
}

// RoadStore holds the road centerlines a run selects from.
type RoadStore struct {
	db *DB
}

// NewRoadStore creates a new RoadStore.
func NewRoadStore(db *DB) *RoadStore {
	return &RoadStore{db: db}
}

// Replace swaps the stored road network for segs.
func (s *RoadStore) Replace(ctx context.Context, segs []RoadSegment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM road_segments`); err != nil {
		return fmt.Errorf("clear road segments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO road_segments (
			segment_id, OBJECTID, SUBTYPEKODE, MOTORVEGTYPE, VEGKATEGORI,
			VEGNUMMER, MEDIUM, geom, attrs
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare road insert: %w", err)
	}
	defer stmt.Close()

	for i, seg := range segs {
		if len(seg.Geometry) < 2 {
			return fmt.Errorf("road segment %d: line needs at least two vertices", seg.ID)
		}
		geom, err := wkb.Marshal(seg.Geometry)
		if err != nil {
			return fmt.Errorf("encode road segment %d: %w", seg.ID, err)
		}
		attrs, err := encodeAttrs(seg.Attrs)
		if err != nil {
			return fmt.Errorf("encode attributes of road segment %d: %w", seg.ID, err)
		}
		id := seg.ID
		if id == 0 {
			id = int64(i + 1)
		}
		if _, err := stmt.ExecContext(ctx,
			id,
			seg.ObjectID,
			seg.SubtypeKode,
			nullString(seg.MotorvegType),
			nullString(seg.Vegkategori),
			seg.Vegnummer,
			nullString(seg.Medium),
			geom,
			attrs,
		); err != nil {
			return fmt.Errorf("insert road segment %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit road segments: %w", err)
	}
	return nil
}

// Count returns the number of stored road segments.
func (s *RoadStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM road_segments`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count road segments: %w", err)
	}
	return n, nil
}

// ValidatePredicate compiles predicate against the road segment columns
// without running it. A predicate that does not compile is a configuration
// error.
func (s *RoadStore) ValidatePredicate(ctx context.Context, predicate string) error {
	if strings.TrimSpace(predicate) == "" {
		return fmt.Errorf("%w: empty road predicate", config.ErrConfiguration)
	}
	if strings.Contains(predicate, ";") {
		return fmt.Errorf("%w: road predicate %q must be a single expression", config.ErrConfiguration, predicate)
	}
	stmt, err := s.db.PrepareContext(ctx, selectRoadsQuery(predicate))
	if err != nil {
		return fmt.Errorf("%w: road predicate %q: %v", config.ErrConfiguration, predicate, err)
	}
	return stmt.Close()
}

// Select returns the segments matching predicate ordered by segment id.
func (s *RoadStore) Select(ctx context.Context, predicate string) ([]RoadSegment, error) {
	if err := s.ValidatePredicate(ctx, predicate); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, selectRoadsQuery(predicate))
	if err != nil {
		return nil, fmt.Errorf("select roads: %w", err)
	}
	defer rows.Close()

	var segs []RoadSegment
	for rows.Next() {
		var (
			seg                        RoadSegment
			objectID, subtype, vegnr   sql.NullInt64
			motorveg, kategori, medium sql.NullString
			geom                       []byte
			attrs                      sql.NullString
		)
		if err := rows.Scan(&seg.ID, &objectID, &subtype, &motorveg, &kategori, &vegnr, &medium, &geom, &attrs); err != nil {
			return nil, fmt.Errorf("scan road segment: %w", err)
		}
		seg.ObjectID = objectID.Int64
		seg.SubtypeKode = int(subtype.Int64)
		seg.Vegnummer = int(vegnr.Int64)
		seg.MotorvegType = motorveg.String
		seg.Vegkategori = kategori.String
		seg.Medium = medium.String

		g, err := wkb.Unmarshal(geom)
		if err != nil {
			return nil, fmt.Errorf("decode road segment %d: %w", seg.ID, err)
		}
		ls, ok := g.(orb.LineString)
		if !ok {
			return nil, fmt.Errorf("road segment %d: expected LineString, got %s", seg.ID, g.GeoJSONType())
		}
		seg.Geometry = ls
		if attrs.Valid {
			if err := decodeAttrs(attrs.String, &seg.Attrs); err != nil {
				return nil, fmt.Errorf("decode attributes of road segment %d: %w", seg.ID, err)
			}
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

func selectRoadsQuery(predicate string) string {
	return `
		SELECT segment_id, OBJECTID, SUBTYPEKODE, MOTORVEGTYPE, VEGKATEGORI,
		       VEGNUMMER, MEDIUM, geom, attrs
		FROM road_segments
		WHERE (` + predicate + `)
		ORDER BY segment_id
	`
}
