package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/lanewatch/internal/config"
	"github.com/your-org/lanewatch/internal/geometry"
	"github.com/your-org/lanewatch/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	pool *pgxpool.Pool
	dsn  string
}

func NewPostgresStore(cfg config.DatabaseConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool, dsn: cfg.DSN()}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Streams ---

func (s *PostgresStore) CreateStream(ctx context.Context, st *models.Stream) error {
	st.ID = uuid.New()
	st.Status = models.StreamStatusIdle
	return s.pool.QueryRow(ctx,
		`INSERT INTO streams (id, name, frame_width, frame_height, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`,
		st.ID, st.Name, st.FrameWidth, st.FrameHeight, st.Status,
	).Scan(&st.CreatedAt, &st.UpdatedAt)
}

func (s *PostgresStore) GetStream(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	st := &models.Stream{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, frame_width, frame_height, status, created_at, updated_at
		 FROM streams WHERE id = $1`, id,
	).Scan(&st.ID, &st.Name, &st.FrameWidth, &st.FrameHeight, &st.Status, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) ListStreams(ctx context.Context) ([]models.Stream, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, frame_width, frame_height, status, created_at, updated_at
		 FROM streams ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		var st models.Stream
		if err := rows.Scan(&st.ID, &st.Name, &st.FrameWidth, &st.FrameHeight, &st.Status,
			&st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

func (s *PostgresStore) UpdateStreamStatus(ctx context.Context, id uuid.UUID, status models.StreamStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE streams SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteStream(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Geometry ---

// ReplacePrimitives swaps the whole ordered primitive list of a stream in one
// transaction.
func (s *PostgresStore) ReplacePrimitives(ctx context.Context, streamID uuid.UUID, prims []geometry.Primitive) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM primitives WHERE stream_id = $1`, streamID); err != nil {
			return fmt.Errorf("clear primitives: %w", err)
		}

		batch := &pgx.Batch{}
		for i, p := range prims {
			points, err := json.Marshal(p.Points)
			if err != nil {
				return fmt.Errorf("marshal points of %s: %w", p.ID, err)
			}
			batch.Queue(
				`INSERT INTO primitives (stream_id, position, id, label, type, x1, y1, x2, y2, points)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				streamID, i, p.ID, p.Label, string(p.Type), p.X1, p.Y1, p.X2, p.Y2, points)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert primitives: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ListPrimitives(ctx context.Context, streamID uuid.UUID) ([]geometry.Primitive, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, label, type, x1, y1, x2, y2, points
		 FROM primitives WHERE stream_id = $1 ORDER BY position`, streamID)
	if err != nil {
		return nil, fmt.Errorf("list primitives: %w", err)
	}
	defer rows.Close()

	prims := []geometry.Primitive{}
	for rows.Next() {
		var (
			p      geometry.Primitive
			typ    string
			points []byte
		)
		if err := rows.Scan(&p.ID, &p.Label, &typ, &p.X1, &p.Y1, &p.X2, &p.Y2, &points); err != nil {
			return nil, fmt.Errorf("scan primitive: %w", err)
		}
		p.Type = geometry.PrimitiveType(typ)
		if err := json.Unmarshal(points, &p.Points); err != nil {
			return nil, fmt.Errorf("decode points of %s: %w", p.ID, err)
		}
		prims = append(prims, p)
	}
	return prims, rows.Err()
}

// --- Infractions ---

const infractionColumns = `id, stream_id, track_id, object_label, primitive_id, label, timestamp,
	snapshot_key, kinematics, status, severity, narrative, created_at`

// CreateInfraction records an audit request as a pending infraction.
// A redelivered request is ignored; the returned bool reports whether a row
// was inserted.
func (s *PostgresStore) CreateInfraction(ctx context.Context, req models.AuditRequest) (*models.Infraction, bool, error) {
	kin, err := json.Marshal(req.Kinematics)
	if err != nil {
		return nil, false, fmt.Errorf("marshal kinematics: %w", err)
	}
	var vec *pgvector.Vector
	if len(req.Trajectory) > 0 {
		v := pgvector.NewVector(req.Trajectory)
		vec = &v
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO infractions (id, stream_id, track_id, object_label, primitive_id, label, timestamp,
		                          snapshot_key, kinematics, trajectory, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING `+infractionColumns,
		req.ID, req.StreamID, req.TrackID, req.ObjectLabel, req.PrimitiveID, req.Label, req.Timestamp,
		req.Evidence.SnapshotKey, kin, vec, models.InfractionPending)
	inf, err := scanInfraction(row)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create infraction: %w", err)
	}
	return inf, true, nil
}

// ApplyVerdict stores the forensic verdict on the infraction it answers.
func (s *PostgresStore) ApplyVerdict(ctx context.Context, v models.Verdict) (*models.Infraction, error) {
	status := models.InfractionRejected
	if v.Infraction {
		status = models.InfractionConfirmed
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE infractions SET status = $1, severity = $2, narrative = $3
		 WHERE id = $4 RETURNING `+infractionColumns,
		status, v.Severity, v.Narrative, v.RequestID)
	inf, err := scanInfraction(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("apply verdict: %w", err)
	}
	return inf, err
}

func (s *PostgresStore) GetInfraction(ctx context.Context, id uuid.UUID) (*models.Infraction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+infractionColumns+` FROM infractions WHERE id = $1`, id)
	inf, err := scanInfraction(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get infraction: %w", err)
	}
	return inf, err
}

// InfractionFilter narrows ListInfractions.
type InfractionFilter struct {
	StreamID uuid.UUID
	Status   models.InfractionStatus // empty = any
	Limit    int
	Offset   int
}

func (s *PostgresStore) ListInfractions(ctx context.Context, f InfractionFilter) ([]models.Infraction, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}

	where := "WHERE stream_id = $1"
	args := []any{f.StreamID}
	if f.Status != "" {
		where += " AND status = $2"
		args = append(args, f.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM infractions "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count infractions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM infractions %s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		infractionColumns, where, len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query infractions: %w", err)
	}
	defer rows.Close()

	infractions := []models.Infraction{}
	for rows.Next() {
		inf, err := scanInfraction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan infraction: %w", err)
		}
		infractions = append(infractions, *inf)
	}
	return infractions, total, rows.Err()
}

// SimilarMatch is an infraction ranked by trajectory distance.
type SimilarMatch struct {
	Infraction models.Infraction `json:"infraction"`
	Distance   float64           `json:"distance"`
}

// SimilarInfractions finds infractions whose trajectory descriptor is closest
// (L2) to that of the given one.
func (s *PostgresStore) SimilarInfractions(ctx context.Context, id uuid.UUID, limit int) ([]SimilarMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	var ref pgvector.Vector
	err := s.pool.QueryRow(ctx, `SELECT trajectory FROM infractions WHERE id = $1 AND trajectory IS NOT NULL`, id).Scan(&ref)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load trajectory: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+infractionColumns+`, trajectory <-> $1 AS distance
		 FROM infractions
		 WHERE id <> $2 AND trajectory IS NOT NULL
		 ORDER BY trajectory <-> $1
		 LIMIT $3`, ref, id, limit)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	matches := []SimilarMatch{}
	for rows.Next() {
		var m SimilarMatch
		inf, err := scanInfraction(rows, &m.Distance)
		if err != nil {
			return nil, fmt.Errorf("scan similar: %w", err)
		}
		m.Infraction = *inf
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func scanInfraction(row pgx.Row, extra ...any) (*models.Infraction, error) {
	var (
		inf models.Infraction
		kin []byte
	)
	dest := append([]any{&inf.ID, &inf.StreamID, &inf.TrackID, &inf.ObjectLabel, &inf.PrimitiveID,
		&inf.Label, &inf.Timestamp, &inf.SnapshotKey, &kin, &inf.Status, &inf.Severity,
		&inf.Narrative, &inf.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(kin) > 0 {
		if err := json.Unmarshal(kin, &inf.Kinematics); err != nil {
			return nil, fmt.Errorf("decode kinematics: %w", err)
		}
	}
	return &inf, nil
}
