package db

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"routemap/internal/geo"
	"routemap/internal/transit"
)

//go:embed schema.sql
var schemaSQL string

var ErrNotFound = errors.New("not found")

// Open connects to PostgreSQL (hosted backend) or SQLite depending on dsn.
func Open(dsn string) (*sql.DB, string, error) {
	driver, source, err := Driver(dsn)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, "", err
	}
	if driver == DriverSQLite {
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(time.Hour)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	return db, driver, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Store reads route geometry, stops and live positions from the backend and
// writes what the route editor produces.
type Store struct {
	db     *sql.DB
	driver string
}

func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// EnsureSchema creates the local tables. Only meaningful for SQLite; the
// hosted backend owns its schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.driver != DriverSQLite {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) q(query string) string { return rebind(s.driver, query) }

func (s *Store) FetchRouteVariant(ctx context.Context, id transit.ID) (transit.RouteVariant, error) {
	q := s.q(`
SELECT CAST(id AS TEXT), CAST(route_id AS TEXT), COALESCE(name, ''),
       COALESCE(CAST(path AS TEXT), '[]'), COALESCE(length, 0)
FROM route_variants
WHERE CAST(id AS TEXT) = $1`)

	var v transit.RouteVariant
	var rawPath string
	err := s.db.QueryRowContext(ctx, q, string(id)).Scan(&v.ID, &v.RouteID, &v.Name, &rawPath, &v.Length)
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("route variant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return v, fmt.Errorf("query route variant: %w", err)
	}
	v.Path, err = parsePath(rawPath)
	if err != nil {
		return v, fmt.Errorf("route variant %s path: %w", id, err)
	}
	return v, nil
}

// FetchVariantStops returns the stops of a variant in route order.
func (s *Store) FetchVariantStops(ctx context.Context, variantID transit.ID) ([]transit.VariantStop, error) {
	q := s.q(`
SELECT CAST(st.id AS TEXT), st.name, CAST(st.location AS TEXT), rvs.stop_order
FROM route_variant_stops rvs
JOIN stops st ON st.id = rvs.stop_id
WHERE CAST(rvs.route_variant_id AS TEXT) = $1
ORDER BY rvs.stop_order`)

	rows, err := s.db.QueryContext(ctx, q, string(variantID))
	if err != nil {
		return nil, fmt.Errorf("query variant stops: %w", err)
	}
	defer rows.Close()

	var out []transit.VariantStop
	for rows.Next() {
		var vs transit.VariantStop
		var rawLoc string
		if err := rows.Scan(&vs.ID, &vs.Name, &rawLoc, &vs.Order); err != nil {
			return nil, err
		}
		if vs.Location, err = parseLocation(rawLoc); err != nil {
			return nil, fmt.Errorf("stop %s location: %w", vs.ID, err)
		}
		out = append(out, vs)
	}
	return out, rows.Err()
}

func (s *Store) FetchStops(ctx context.Context) ([]transit.Stop, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT CAST(id AS TEXT), name, CAST(location AS TEXT) FROM stops ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	var out []transit.Stop
	for rows.Next() {
		var st transit.Stop
		var rawLoc string
		if err := rows.Scan(&st.ID, &st.Name, &rawLoc); err != nil {
			return nil, err
		}
		if st.Location, err = parseLocation(rawLoc); err != nil {
			return nil, fmt.Errorf("stop %s location: %w", st.ID, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) FetchCompanyName(ctx context.Context, id transit.ID) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT name FROM companies WHERE CAST(id AS TEXT) = $1`), string(id)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("company %s: %w", id, ErrNotFound)
	}
	return name, err
}

// FetchLivePositions reads the current vehicle feed. Rows with an unreadable
// location are skipped.
func (s *Store) FetchLivePositions(ctx context.Context) ([]transit.Position, error) {
	q := `
SELECT CAST(bus_id AS TEXT), CAST(location_json AS TEXT),
       CAST(active_route_variant_id AS TEXT), COALESCE(CAST(company_id AS TEXT), ''),
       COALESCE(speed_kph, 0)
FROM bus_positions`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query bus positions: %w", err)
	}
	defer rows.Close()

	var out []transit.Position
	for rows.Next() {
		var p transit.Position
		var rawLoc string
		var variant sql.NullString
		if err := rows.Scan(&p.BusID, &rawLoc, &variant, &p.CompanyID, &p.SpeedKph); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rawLoc), &p.Location); err != nil {
			continue
		}
		if variant.Valid && variant.String != "" {
			id := transit.ID(variant.String)
			p.ActiveRouteVariantID = &id
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveVariantPath stores an edited path and its length.
func (s *Store) SaveVariantPath(ctx context.Context, id transit.ID, path geo.Path, length float64) error {
	b, err := json.Marshal(path)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE route_variants SET path = $1, length = $2 WHERE CAST(id AS TEXT) = $3`), string(b), length, string(id))
	if err != nil {
		return fmt.Errorf("update route variant path: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("route variant %s: %w", id, ErrNotFound)
	}
	return nil
}

// PostgreSQL types a bare parameter in a SELECT list as text, so the order
// needs an explicit cast to fit the integer column.
const insertVariantStopSQL = `
INSERT INTO route_variant_stops (route_variant_id, stop_id, stop_order)
SELECT rv.id, st.id, CAST($3 AS INTEGER)
FROM route_variants rv, stops st
WHERE CAST(rv.id AS TEXT) = $1 AND CAST(st.id AS TEXT) = $2`

// ReplaceVariantStops rewrites the ordered stop list of a variant.
func (s *Store) ReplaceVariantStops(ctx context.Context, variantID transit.ID, stopIDs []transit.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM route_variant_stops WHERE CAST(route_variant_id AS TEXT) = $1`), string(variantID)); err != nil {
		return fmt.Errorf("delete variant stops: %w", err)
	}
	ins := s.q(insertVariantStopSQL)
	for i, sid := range stopIDs {
		res, err := tx.ExecContext(ctx, ins, string(variantID), string(sid), i+1)
		if err != nil {
			return fmt.Errorf("insert variant stop %s: %w", sid, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("variant %s stop %s: %w", variantID, sid, ErrNotFound)
		}
	}
	return tx.Commit()
}

// parsePath accepts [[lon,lat],...] or [{"lat":..,"lng"|"lon":..},...].
func parsePath(raw string) (geo.Path, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var pairs [][]float64
	if err := json.Unmarshal([]byte(raw), &pairs); err == nil {
		path := make(geo.Path, 0, len(pairs))
		for _, p := range pairs {
			if len(p) < 2 {
				return nil, fmt.Errorf("coordinate with %d values", len(p))
			}
			path = append(path, geo.Coordinate{p[0], p[1]})
		}
		return path, nil
	}
	var objs []latLngObj
	if err := json.Unmarshal([]byte(raw), &objs); err != nil {
		return nil, err
	}
	path := make(geo.Path, 0, len(objs))
	for _, o := range objs {
		path = append(path, o.coordinate())
	}
	return path, nil
}

type latLngObj struct {
	Lat float64  `json:"lat"`
	Lng *float64 `json:"lng"`
	Lon *float64 `json:"lon"`
}

func (o latLngObj) coordinate() geo.Coordinate {
	lon := 0.0
	if o.Lng != nil {
		lon = *o.Lng
	} else if o.Lon != nil {
		lon = *o.Lon
	}
	return geo.Coordinate{lon, o.Lat}
}

func parseLocation(raw string) (geo.Coordinate, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "[") {
		var pair []float64
		if err := json.Unmarshal([]byte(raw), &pair); err != nil {
			return geo.Coordinate{}, err
		}
		if len(pair) < 2 {
			return geo.Coordinate{}, fmt.Errorf("coordinate with %d values", len(pair))
		}
		return geo.Coordinate{pair[0], pair[1]}, nil
	}
	var o latLngObj
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return geo.Coordinate{}, err
	}
	return o.coordinate(), nil
}
