package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ride-coordinator/internal/models"
)

// DB is the subset of pgx used by PostgresStore. Both *pgxpool.Pool and
// pgxmock pools satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

const rideColumns = `id, passenger_id, COALESCE(driver_id, ''), pickup_lat, pickup_lng, pickup_address,
	dest_lat, dest_lng, dest_address, distance, suggested_price, passenger_price, driver_price,
	status, created_at, updated_at`

func scanRide(row pgx.Row) (*models.RideRequest, error) {
	var r models.RideRequest
	var status string
	if err := row.Scan(&r.ID, &r.PassengerID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lng, &r.PickupAddress,
		&r.Destination.Lat, &r.Destination.Lng, &r.DestAddress, &r.Distance, &r.SuggestedPrice,
		&r.PassengerPrice, &r.DriverPrice, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Status = models.RideStatus(status)
	return &r, nil
}

func collectRides(rows pgx.Rows) ([]models.RideRequest, error) {
	defer rows.Close()
	var out []models.RideRequest
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO ride_requests (id, passenger_id, pickup_lat, pickup_lng, pickup_address, dest_lat, dest_lng,
			dest_address, distance, suggested_price, passenger_price, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, r.ID, r.PassengerID, r.Pickup.Lat, r.Pickup.Lng, r.PickupAddress, r.Destination.Lat, r.Destination.Lng,
		r.DestAddress, r.Distance, r.SuggestedPrice, r.PassengerPrice, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	return scanRide(p.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id=$1`, id))
}

// ClaimRide is the exclusive accept: the affected-row count of the guarded
// update decides the winner.
func (p *PostgresStore) ClaimRide(ctx context.Context, id, driverID string, at time.Time) (*models.RideRequest, error) {
	tag, err := p.db.Exec(ctx, `
		UPDATE ride_requests SET driver_id=$2, status='accepted', updated_at=$3
		WHERE id=$1 AND status='pending'
	`, id, driverID, at)
	if err != nil {
		return nil, fmt.Errorf("claim ride: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStatusMismatch
	}
	return p.GetRide(ctx, id)
}

const transitionSQL = `
	UPDATE ride_requests SET status=$2, updated_at=$3
	WHERE id=$1 AND status = ANY($4) AND ($5 = '' OR driver_id = $5)
	RETURNING ` + rideColumns

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, driverID string, at time.Time) (*models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRow(ctx, transitionSQL, id, string(to), at, statusStrings(from), driverID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrStatusMismatch
	}
	return r, err
}

func (p *PostgresStore) StartRide(ctx context.Context, id, driverID string, trip *models.Trip, at time.Time) (*models.RideRequest, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanRide(tx.QueryRow(ctx, transitionSQL, id, string(models.StatusInProgress), at,
		[]string{string(models.StatusDriverArrived)}, driverID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrStatusMismatch
		}
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO trips (id, ride_request_id, driver_id, passenger_id, distance, price, status, start_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (ride_request_id) DO NOTHING
	`, trip.ID, trip.RideRequestID, trip.DriverID, trip.PassengerID, trip.Distance, trip.Price, string(trip.Status), trip.StartTime); err != nil {
		return nil, fmt.Errorf("insert trip: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) CompleteRide(ctx context.Context, id, driverID string, at time.Time) (*models.RideRequest, bool, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanRide(tx.QueryRow(ctx, transitionSQL, id, string(models.StatusCompleted), at,
		[]string{string(models.StatusInProgress)}, driverID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrStatusMismatch
		}
		return nil, false, err
	}
	counted, err := closeTrip(ctx, tx, id, at)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return r, counted, nil
}

// closeTrip gates the total_trips increment on the trip's one-time
// active -> completed transition.
func closeTrip(ctx context.Context, tx pgx.Tx, rideID string, at time.Time) (bool, error) {
	var driverID string
	err := tx.QueryRow(ctx, `
		UPDATE trips SET status='completed', end_time=$2
		WHERE ride_request_id=$1 AND status='active'
		RETURNING driver_id
	`, rideID, at).Scan(&driverID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("close trip: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE drivers SET total_trips = total_trips + 1 WHERE id=$1`, driverID); err != nil {
		return false, fmt.Errorf("increment total_trips: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) ListPending(ctx context.Context, excludeDriverID string, limit int) ([]models.RideRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(ctx, `
		SELECT `+rideColumns+` FROM ride_requests r
		WHERE status='pending'
		  AND NOT EXISTS (SELECT 1 FROM ride_dismissals d WHERE d.ride_id = r.id AND d.driver_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, excludeDriverID, limit)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (p *PostgresStore) ActiveForPassenger(ctx context.Context, passengerID string) (*models.RideRequest, error) {
	return scanRide(p.db.QueryRow(ctx, `
		SELECT `+rideColumns+` FROM ride_requests
		WHERE passenger_id=$1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1
	`, passengerID, statusStrings(models.PassengerActiveStatuses)))
}

func (p *PostgresStore) ActiveForDriver(ctx context.Context, driverID string) (*models.RideRequest, error) {
	return scanRide(p.db.QueryRow(ctx, `
		SELECT `+rideColumns+` FROM ride_requests
		WHERE driver_id=$1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1
	`, driverID, statusStrings(models.DriverActiveStatuses)))
}

func (p *PostgresStore) History(ctx context.Context, partyID string, limit int) ([]models.RideRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.Query(ctx, `
		SELECT `+rideColumns+` FROM ride_requests
		WHERE (passenger_id=$1 OR driver_id=$1) AND status = ANY($2)
		ORDER BY created_at DESC LIMIT $3
	`, partyID, statusStrings(models.TerminalStatuses), limit)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (p *PostgresStore) Dismiss(ctx context.Context, rideID, driverID string) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO ride_dismissals (ride_id, driver_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING
	`, rideID, driverID)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

func (p *PostgresStore) ExpirePending(ctx context.Context, cutoff, at time.Time) ([]models.RideRequest, error) {
	rows, err := p.db.Query(ctx, `
		UPDATE ride_requests SET status='cancelled', updated_at=$2
		WHERE status='pending' AND created_at < $1
		RETURNING `+rideColumns, cutoff, at)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

const driverColumns = `id, user_id, car_model, car_color, plate, online_status, rating, ratings_count, total_trips, created_at`

func scanDriver(row pgx.Row) (*models.Driver, error) {
	var d models.Driver
	if err := row.Scan(&d.ID, &d.UserID, &d.CarModel, &d.CarColor, &d.Plate, &d.Online, &d.Rating, &d.RatingsN, &d.TotalTrips, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	got, err := scanDriver(p.db.QueryRow(ctx, `
		INSERT INTO drivers (id, user_id, car_model, car_color, plate, online_status, rating, ratings_count, total_trips, created_at)
		VALUES ($1,$2,$3,$4,$5,false,0,0,0,$6)
		ON CONFLICT (user_id) DO UPDATE
		SET car_model=EXCLUDED.car_model, car_color=EXCLUDED.car_color, plate=EXCLUDED.plate
		RETURNING `+driverColumns,
		d.ID, d.UserID, d.CarModel, d.CarColor, d.Plate, d.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert driver: %w", err)
	}
	*d = *got
	return nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
}

func (p *PostgresStore) DriverByUser(ctx context.Context, userID string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE user_id=$1`, userID))
}

func (p *PostgresStore) SetOnline(ctx context.Context, id string, online bool) error {
	tag, err := p.db.Exec(ctx, `UPDATE drivers SET online_status=$2 WHERE id=$1`, id, online)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListOnline(ctx context.Context) ([]models.Driver, error) {
	rows, err := p.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE online_status ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertLocation(ctx context.Context, loc models.Location) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO locations (driver_id, lat, lng, heading, speed, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (driver_id) DO UPDATE
		SET lat=EXCLUDED.lat, lng=EXCLUDED.lng, heading=EXCLUDED.heading, speed=EXCLUDED.speed, updated_at=EXCLUDED.updated_at
		WHERE locations.updated_at <= EXCLUDED.updated_at
	`, loc.DriverID, loc.Lat, loc.Lng, loc.Heading, loc.Speed, loc.UpdatedAt)
	return err
}

func (p *PostgresStore) GetLocation(ctx context.Context, driverID string) (*models.Location, error) {
	var l models.Location
	err := p.db.QueryRow(ctx, `
		SELECT driver_id, lat, lng, heading, speed, updated_at FROM locations WHERE driver_id=$1
	`, driverID).Scan(&l.DriverID, &l.Lat, &l.Lng, &l.Heading, &l.Speed, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

const tripColumns = `id, ride_request_id, driver_id, passenger_id, distance, price, status, start_time, end_time`

func scanTrip(row pgx.Row) (*models.Trip, error) {
	var t models.Trip
	var status string
	if err := row.Scan(&t.ID, &t.RideRequestID, &t.DriverID, &t.PassengerID, &t.Distance, &t.Price, &status, &t.StartTime, &t.EndTime); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Status = models.TripStatus(status)
	return &t, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id))
}

func (p *PostgresStore) TripByRide(ctx context.Context, rideID string) (*models.Trip, error) {
	return scanTrip(p.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE ride_request_id=$1`, rideID))
}

func (p *PostgresStore) CloseTrip(ctx context.Context, rideID string, at time.Time) (bool, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	counted, err := closeTrip(ctx, tx, rideID, at)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return counted, nil
}

func (p *PostgresStore) ListTrips(ctx context.Context, driverID string, status models.TripStatus) ([]models.Trip, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE driver_id=$1 AND ($2 = '' OR status = $2)
		ORDER BY start_time DESC
	`, driverID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) StaleTrips(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		SELECT t.ride_request_id FROM trips t
		JOIN ride_requests r ON r.id = t.ride_request_id
		WHERE t.status='active' AND r.status='completed'
		ORDER BY t.ride_request_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AddRating(ctx context.Context, r *models.Rating) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO ratings (id, trip_id, rater_id, rated_id, rating, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (trip_id, rater_id) DO NOTHING
	`, r.ID, r.TripID, r.RaterID, r.RatedID, r.Score, r.Comment, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	if _, err := tx.Exec(ctx, `
		UPDATE drivers
		SET rating = (rating * ratings_count + $2) / (ratings_count + 1), ratings_count = ratings_count + 1
		WHERE id=$1
	`, r.RatedID, float64(r.Score)); err != nil {
		return fmt.Errorf("update driver rating: %w", err)
	}
	return tx.Commit(ctx)
}
