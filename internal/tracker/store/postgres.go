package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/shared/geo"
	"bustrack/internal/tracker/domain"
	"bustrack/internal/tracker/stream"
)

// Postgres is the durable store. Row-level locking on the buses table
// serializes writes per bus; change events are published on the hub after
// the write commits.
type Postgres struct {
	db  *pgxpool.Pool
	hub *stream.Hub
}

func NewPostgres(db *pgxpool.Pool, hub *stream.Hub) *Postgres {
	return &Postgres{db: db, hub: hub}
}

const schema = `
CREATE TABLE IF NOT EXISTS drivers (
	id              TEXT PRIMARY KEY,
	phone           TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL DEFAULT 'driver',
	credential_hash TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS routes (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL DEFAULT '',
	polyline JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS route_stops (
	route_id       TEXT NOT NULL REFERENCES routes(id),
	position       INT NOT NULL,
	stop_id        TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	lng            DOUBLE PRECISION NOT NULL,
	lat            DOUBLE PRECISION NOT NULL,
	est_offset_min INT NOT NULL DEFAULT 0,
	PRIMARY KEY (route_id, position)
);

CREATE TABLE IF NOT EXISTS assignments (
	id          TEXT PRIMARY KEY,
	driver_id   TEXT NOT NULL,
	bus_id      TEXT NOT NULL,
	route_id    TEXT NOT NULL,
	shift_start TIMESTAMPTZ NOT NULL,
	shift_end   TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL DEFAULT 'scheduled',
	active      BOOLEAN NOT NULL DEFAULT FALSE,
	CHECK (shift_end > shift_start)
);

CREATE INDEX IF NOT EXISTS idx_assignments_driver_bus ON assignments(driver_id, bus_id);

CREATE TABLE IF NOT EXISTS buses (
	bus_id         TEXT PRIMARY KEY,
	route_id       TEXT NOT NULL DEFAULT '',
	driver_id      TEXT NOT NULL DEFAULT '',
	online         BOOLEAN NOT NULL DEFAULT FALSE,
	lng            DOUBLE PRECISION,
	lat            DOUBLE PRECISION,
	speed_kmh      DOUBLE PRECISION NOT NULL DEFAULT 0,
	heading        DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_online_at TIMESTAMPTZ,
	last_update_at TIMESTAMPTZ,
	status         TEXT NOT NULL DEFAULT 'idle'
);

CREATE INDEX IF NOT EXISTS idx_buses_route_online ON buses(route_id, online);
CREATE INDEX IF NOT EXISTS idx_buses_location ON buses(lng, lat) WHERE online;
`

// EnsureSchema creates the tables the tracker owns or reads.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.Exec(ctx, schema)
	return wrapStore(err)
}

func wrapStore(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
}

// --- reference data ---

func (p *Postgres) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	query := `SELECT id, phone, role, credential_hash FROM drivers WHERE id = $1`

	var d domain.Driver
	err := p.db.QueryRow(ctx, query, driverID).Scan(&d.ID, &d.Phone, &d.Role, &d.CredentialHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	} else if err != nil {
		return nil, wrapStore(err)
	}
	return &d, nil
}

func (p *Postgres) GetRoute(ctx context.Context, routeID string) (*domain.Route, error) {
	queryRoute := `SELECT id, name, polyline FROM routes WHERE id = $1`
	queryStops := `SELECT stop_id, name, lng, lat, est_offset_min FROM route_stops WHERE route_id = $1 ORDER BY position`

	var r domain.Route
	var polyline []byte
	err := p.db.QueryRow(ctx, queryRoute, routeID).Scan(&r.ID, &r.Name, &polyline)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	} else if err != nil {
		return nil, wrapStore(err)
	}
	if err := json.Unmarshal(polyline, &r.Polyline); err != nil {
		return nil, fmt.Errorf("route %s: malformed polyline: %w", routeID, err)
	}

	rows, err := p.db.Query(ctx, queryStops, routeID)
	if err != nil {
		return nil, wrapStore(err)
	}
	defer rows.Close()

	for rows.Next() {
		var s domain.Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.Location.Lng, &s.Location.Lat, &s.EstimatedOffsetMinutes); err != nil {
			return nil, wrapStore(err)
		}
		r.Stops = append(r.Stops, s)
	}
	return &r, wrapStore(rows.Err())
}

func (p *Postgres) FindActiveAssignments(ctx context.Context, driverID, busID string, now time.Time) ([]domain.Assignment, error) {
	query := `
		SELECT id, driver_id, bus_id, route_id, shift_start, shift_end, status, active
		FROM assignments
		WHERE driver_id = $1 AND bus_id = $2 AND active AND shift_start <= $3 AND shift_end >= $3`

	rows, err := p.db.Query(ctx, query, driverID, busID, now)
	if err != nil {
		return nil, wrapStore(err)
	}
	defer rows.Close()

	var out []domain.Assignment
	for rows.Next() {
		var a domain.Assignment
		if err := rows.Scan(&a.ID, &a.DriverID, &a.BusID, &a.RouteID, &a.ShiftStart, &a.ShiftEnd, &a.Status, &a.Active); err != nil {
			return nil, wrapStore(err)
		}
		out = append(out, a)
	}
	return out, wrapStore(rows.Err())
}

// --- bus mutations ---

const busColumns = `bus_id, route_id, driver_id, online, lng, lat, speed_kmh, heading, last_online_at, last_update_at, status`

func scanBus(row pgx.Row) (domain.BusSnapshot, error) {
	var s domain.BusSnapshot
	var lng, lat *float64
	var lastOnline, lastUpdate *time.Time
	err := row.Scan(&s.BusID, &s.RouteID, &s.DriverID, &s.Online, &lng, &lat,
		&s.SpeedKmh, &s.Heading, &lastOnline, &lastUpdate, &s.Status)
	if err != nil {
		return s, err
	}
	if lng != nil && lat != nil {
		s.Location = &geo.Point{Lng: *lng, Lat: *lat}
	}
	if lastOnline != nil {
		s.LastOnlineAt = *lastOnline
	}
	if lastUpdate != nil {
		s.LastUpdateAt = *lastUpdate
	}
	return s, nil
}

func (p *Postgres) UpsertToggle(ctx context.Context, driverID, busID, routeID string, online bool, now time.Time) (domain.BusSnapshot, error) {
	query := `
		INSERT INTO buses (bus_id, route_id, driver_id, online, last_online_at, last_update_at, status)
		VALUES ($1, $2, $3, $4, CASE WHEN $4 THEN $5::timestamptz ELSE NULL END, $5, CASE WHEN $4 THEN 'idle' ELSE 'inactive' END)
		ON CONFLICT (bus_id) DO UPDATE SET
			route_id       = $2,
			driver_id      = $3,
			online         = $4,
			last_online_at = CASE WHEN $4 THEN $5 ELSE buses.last_online_at END,
			last_update_at = $5,
			status         = CASE WHEN $4 THEN
								CASE WHEN buses.status = 'inactive' THEN 'idle' ELSE buses.status END
							 ELSE 'inactive' END
		RETURNING ` + busColumns

	snap, err := scanBus(p.db.QueryRow(ctx, query, busID, routeID, driverID, online, now))
	if err != nil {
		return domain.BusSnapshot{}, wrapStore(err)
	}

	p.hub.Publish(domain.BusChanged{
		BusID:    busID,
		RouteID:  routeID,
		DriverID: driverID,
		Kind:     domain.ChangeStatus,
		Snapshot: snap,
		At:       now,
	})
	return snap, nil
}

func (p *Postgres) UpsertSample(ctx context.Context, s Sample) (domain.BusSnapshot, error) {
	query := `
		INSERT INTO buses (bus_id, route_id, driver_id, online, lng, lat, speed_kmh, heading, last_online_at, last_update_at, status)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6, $7, $8, $8, $9)
		ON CONFLICT (bus_id) DO UPDATE SET
			route_id       = $2,
			driver_id      = $3,
			online         = TRUE,
			lng            = $4,
			lat            = $5,
			speed_kmh      = $6,
			heading        = $7,
			last_online_at = $8,
			last_update_at = $8,
			status         = $9
		RETURNING ` + busColumns

	status := statusForSpeed(s.SpeedKmh)
	snap, err := scanBus(p.db.QueryRow(ctx, query,
		s.BusID, s.RouteID, s.DriverID, s.Lng, s.Lat, s.SpeedKmh, s.Heading, s.Now, status))
	if err != nil {
		return domain.BusSnapshot{}, wrapStore(err)
	}

	p.hub.Publish(domain.BusChanged{
		BusID:    s.BusID,
		RouteID:  s.RouteID,
		DriverID: s.DriverID,
		Kind:     domain.ChangeUpdate,
		Snapshot: snap,
		At:       s.Now,
	})
	return snap, nil
}

func (p *Postgres) MarkStale(ctx context.Context, busID string, staleAt time.Time) (domain.BusSnapshot, error) {
	// The guard keeps the demotion idempotent: a second identical call
	// matches no row and emits nothing.
	query := `
		UPDATE buses SET online = FALSE, status = 'inactive', last_online_at = $2
		WHERE bus_id = $1 AND (online OR status <> 'inactive' OR last_online_at IS DISTINCT FROM $2)
		RETURNING ` + busColumns

	snap, err := scanBus(p.db.QueryRow(ctx, query, busID, staleAt))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, gerr := p.GetBus(ctx, busID)
		if gerr != nil {
			return domain.BusSnapshot{}, gerr
		}
		return *existing, nil
	} else if err != nil {
		return domain.BusSnapshot{}, wrapStore(err)
	}

	p.hub.Publish(domain.BusChanged{
		BusID:    busID,
		RouteID:  snap.RouteID,
		DriverID: snap.DriverID,
		Kind:     domain.ChangeStale,
		Reason:   staleReason,
		Snapshot: snap,
		At:       staleAt,
	})
	return snap, nil
}

// --- snapshot reads ---

func (p *Postgres) GetBus(ctx context.Context, busID string) (*domain.BusSnapshot, error) {
	query := `SELECT ` + busColumns + ` FROM buses WHERE bus_id = $1`

	snap, err := scanBus(p.db.QueryRow(ctx, query, busID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	} else if err != nil {
		return nil, wrapStore(err)
	}
	return &snap, nil
}

func (p *Postgres) ListBuses(ctx context.Context, f BusFilter) ([]domain.BusSnapshot, error) {
	query := `SELECT ` + busColumns + ` FROM buses WHERE TRUE`
	args := []interface{}{}

	if f.Online != nil {
		args = append(args, *f.Online)
		query += fmt.Sprintf(" AND online = $%d", len(args))
	}
	if f.RouteID != "" {
		args = append(args, f.RouteID)
		query += fmt.Sprintf(" AND route_id = $%d", len(args))
	}
	query += " ORDER BY bus_id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStore(err)
	}
	defer rows.Close()

	var out []domain.BusSnapshot
	for rows.Next() {
		snap, err := scanBus(rows)
		if err != nil {
			return nil, wrapStore(err)
		}
		out = append(out, snap)
	}
	return out, wrapStore(rows.Err())
}

func (p *Postgres) ListOnlineByRoute(ctx context.Context, routeID string) ([]domain.BusSnapshot, error) {
	online := true
	return p.ListBuses(ctx, BusFilter{Online: &online, RouteID: routeID})
}

func (p *Postgres) ListOnline(ctx context.Context) ([]domain.BusSnapshot, error) {
	online := true
	return p.ListBuses(ctx, BusFilter{Online: &online})
}

func (p *Postgres) NearbyOnline(ctx context.Context, lng, lat, radiusM float64, limit int) ([]domain.NearbyBus, error) {
	// Haversine over the mean Earth radius, evaluated in SQL so the spatial
	// index narrows the scan to online buses with a location.
	query := `
		SELECT * FROM (
			SELECT ` + busColumns + `,
				2 * 6371000 * asin(sqrt(
					pow(sin(radians(lat - $2) / 2), 2) +
					cos(radians($2)) * cos(radians(lat)) *
					pow(sin(radians(lng - $1) / 2), 2)
				)) AS distance_m
			FROM buses
			WHERE online AND lng IS NOT NULL AND lat IS NOT NULL
		) b
		WHERE distance_m <= $3
		ORDER BY distance_m, bus_id
		LIMIT $4`

	rows, err := p.db.Query(ctx, query, lng, lat, radiusM, limit)
	if err != nil {
		return nil, wrapStore(err)
	}
	defer rows.Close()

	var out []domain.NearbyBus
	for rows.Next() {
		var b domain.NearbyBus
		var plng, plat *float64
		var lastOnline, lastUpdate *time.Time
		if err := rows.Scan(&b.BusID, &b.RouteID, &b.DriverID, &b.Online, &plng, &plat,
			&b.SpeedKmh, &b.Heading, &lastOnline, &lastUpdate, &b.Status, &b.DistanceMeters); err != nil {
			return nil, wrapStore(err)
		}
		if plng != nil && plat != nil {
			b.Location = &geo.Point{Lng: *plng, Lat: *plat}
		}
		if lastOnline != nil {
			b.LastOnlineAt = *lastOnline
		}
		if lastUpdate != nil {
			b.LastUpdateAt = *lastUpdate
		}
		out = append(out, b)
	}
	return out, wrapStore(rows.Err())
}
