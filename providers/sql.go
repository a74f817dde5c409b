package providers

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/signalsfoundry/coverage-zones/model"
)

// database/sql driver names registered by drivers.go.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// SQLSource reads providers from three tables: providers, zones and the
// ordered provider_zones relation. Zone geometry is stored as GeoJSON
// geometry text so the same schema works on SQLite and PostgreSQL.
type SQLSource struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens and pings a database and makes sure the schema exists.
// SQLite is pinned to one connection since the file does not tolerate
// concurrent writers.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLSource, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: driver %q", ErrUnsupportedSource, driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("open %s: empty dsn", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	src := NewSQLSource(db, driver)
	if err := src.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return src, nil
}

// NewSQLSource wraps an open database. driver selects the placeholder
// style.
func NewSQLSource(db *sql.DB, driver string) *SQLSource {
	return &SQLSource{db: db, driver: driver}
}

// Close closes the database.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// ph returns the n-th (1-based) bind placeholder.
func (s *SQLSource) ph(n int) string {
	if s.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS zones (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		geometry TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		technologies TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS provider_zones (
		provider_id TEXT NOT NULL,
		zone_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (provider_id, zone_id)
	)`,
}

// EnsureSchema creates the tables when missing.
func (s *SQLSource) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// FetchProviders implements Fetcher. Providers come back in position
// order, relations in their stored order. A relation to a zone that is
// missing or whose geometry does not parse yields a relation without a
// zone.
func (s *SQLSource) FetchProviders(ctx context.Context) ([]*model.Provider, error) {
	zones, err := s.loadZones(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, color, technologies FROM providers ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	var (
		list []*model.Provider
		byID = make(map[string]*model.Provider)
	)
	for rows.Next() {
		var p model.Provider
		var techs string
		if err := rows.Scan(&p.ID, &p.Name, &p.Color, &techs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		p.Technologies = splitList(techs)
		list = append(list, &p)
		byID[p.ID] = &p
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}

	rel, err := s.db.QueryContext(ctx,
		`SELECT provider_id, zone_id FROM provider_zones ORDER BY provider_id, position, zone_id`)
	if err != nil {
		return nil, fmt.Errorf("query provider zones: %w", err)
	}
	defer rel.Close()
	for rel.Next() {
		var providerID, zoneID string
		if err := rel.Scan(&providerID, &zoneID); err != nil {
			return nil, fmt.Errorf("scan provider zone: %w", err)
		}
		p, ok := byID[providerID]
		if !ok {
			continue
		}
		p.Zones = append(p.Zones, model.ZoneRelation{Zone: zones[zoneID]})
	}
	if err := rel.Err(); err != nil {
		return nil, fmt.Errorf("query provider zones: %w", err)
	}
	return list, nil
}

func (s *SQLSource) loadZones(ctx context.Context) (map[string]*model.Zone, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, geometry FROM zones`)
	if err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	defer rows.Close()

	zones := make(map[string]*model.Zone)
	for rows.Next() {
		var id, name, raw string
		if err := rows.Scan(&id, &name, &raw); err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		g, err := geojson.UnmarshalGeometry([]byte(raw))
		if err != nil {
			// Unparseable geometry leaves the zone out; relations to it
			// are skipped downstream.
			continue
		}
		zones[id] = &model.Zone{ID: id, Name: name, Geometry: polygonOf(g.Geometry())}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query zones: %w", err)
	}
	return zones, nil
}

// SaveProviders replaces the stored providers, zones and relations with
// list in one transaction.
func (s *SQLSource) SaveProviders(ctx context.Context, list []*model.Provider) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save providers: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range []string{"provider_zones", "providers", "zones"} {
		if _, err = tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("save providers: clear %s: %w", table, err)
		}
	}

	insertZone := fmt.Sprintf(`INSERT INTO zones (id, name, geometry) VALUES (%s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3))
	insertProvider := fmt.Sprintf(`INSERT INTO providers (id, name, color, technologies, position) VALUES (%s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	insertRel := fmt.Sprintf(`INSERT INTO provider_zones (provider_id, zone_id, position) VALUES (%s, %s, %s)`, s.ph(1), s.ph(2), s.ph(3))

	seenZones := make(map[string]bool)
	for i, p := range list {
		if p == nil || p.ID == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, insertProvider, p.ID, p.Name, p.Color, strings.Join(p.Technologies, ","), i); err != nil {
			return fmt.Errorf("save provider %s: %w", p.ID, err)
		}
		seenRel := make(map[string]bool)
		for j, rel := range p.Zones {
			z := rel.Zone
			if z == nil || z.ID == "" || seenRel[z.ID] {
				continue
			}
			seenRel[z.ID] = true
			if !seenZones[z.ID] && z.HasGeometry() {
				seenZones[z.ID] = true
				var raw []byte
				raw, err = geojson.NewGeometry(z.Geometry).MarshalJSON()
				if err != nil {
					return fmt.Errorf("save zone %s: %w", z.ID, err)
				}
				if _, err = tx.ExecContext(ctx, insertZone, z.ID, z.Name, string(raw)); err != nil {
					return fmt.Errorf("save zone %s: %w", z.ID, err)
				}
			}
			if _, err = tx.ExecContext(ctx, insertRel, p.ID, z.ID, j); err != nil {
				return fmt.Errorf("save relation %s/%s: %w", p.ID, z.ID, err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("save providers: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
