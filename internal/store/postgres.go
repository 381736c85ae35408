package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id            BIGSERIAL PRIMARY KEY,
	url           TEXT NOT NULL,
	filename      TEXT NOT NULL,
	save_path     TEXT NOT NULL,
	total_size    BIGINT NOT NULL DEFAULT 0,
	downloaded    BIGINT NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	segments      JSONB NOT NULL DEFAULT '[]',
	added_at      TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	average_speed DOUBLE PRECISION NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS download_sessions (
	id               TEXT PRIMARY KEY,
	download_id      BIGINT NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
	start_time       TIMESTAMPTZ NOT NULL,
	end_time         TIMESTAMPTZ,
	start_bytes      BIGINT NOT NULL DEFAULT 0,
	downloaded_bytes BIGINT NOT NULL DEFAULT 0,
	average_speed    DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS download_sessions_open ON download_sessions (download_id) WHERE end_time IS NULL;
CREATE TABLE IF NOT EXISTS stats (
	id                     INT PRIMARY KEY CHECK (id = 1),
	total_downloads        BIGINT NOT NULL DEFAULT 0,
	total_downloaded_bytes BIGINT NOT NULL DEFAULT 0,
	average_speed          DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_updated           TIMESTAMPTZ NOT NULL
);
INSERT INTO stats (id, last_updated) VALUES (1, now()) ON CONFLICT (id) DO NOTHING;
`

const downloadColumns = `id, url, filename, save_path, total_size, downloaded, status, segments, added_at, completed_at, average_speed, error`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.MaxConns = 8
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) AddDownload(ctx context.Context, d *Download) error {
	if d.AddedAt.IsZero() {
		d.AddedAt = time.Now()
	}
	segments, err := json.Marshal(d.Segments)
	if err != nil {
		return err
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO downloads (url, filename, save_path, total_size, downloaded, status, segments, added_at, average_speed, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		d.URL, d.Filename, d.SavePath, d.TotalSize, d.Downloaded, string(d.Status), segments, d.AddedAt, d.AverageSpeed, d.Error,
	).Scan(&d.ID)
}

func (s *PostgresStore) SaveDownload(ctx context.Context, d *Download) error {
	segments, err := json.Marshal(d.Segments)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE downloads SET url=$2, filename=$3, save_path=$4, total_size=$5, downloaded=$6, status=$7,
			segments=$8, completed_at=$9, average_speed=$10, error=$11
		WHERE id=$1`,
		d.ID, d.URL, d.Filename, d.SavePath, d.TotalSize, d.Downloaded, string(d.Status), segments, d.CompletedAt, d.AverageSpeed, d.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("download %d: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, id uint64, p Progress) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var previous int64
		err := tx.QueryRow(ctx, `SELECT downloaded FROM downloads WHERE id=$1 FOR UPDATE`, id).Scan(&previous)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("download %d: %w", id, ErrNotFound)
		} else if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE downloads SET downloaded=$2,
				total_size=CASE WHEN $3::bigint > 0 THEN $3::bigint ELSE total_size END,
				status=CASE WHEN $4::text <> '' THEN $4::text ELSE status END
			WHERE id=$1`, id, p.Downloaded, p.TotalSize, string(p.Status))
		if err != nil {
			return err
		}
		now := time.Now()
		var sess Session
		err = tx.QueryRow(ctx, `SELECT id, start_time, start_bytes FROM download_sessions WHERE download_id=$1 AND end_time IS NULL`, id).
			Scan(&sess.ID, &sess.StartTime, &sess.StartBytes)
		if errors.Is(err, pgx.ErrNoRows) {
			sess = Session{ID: uuid.NewString(), DownloadID: id, StartTime: now, StartBytes: previous}
			sess.DownloadedBytes = max(0, p.Downloaded-previous)
			_, err = tx.Exec(ctx, `
				INSERT INTO download_sessions (id, download_id, start_time, start_bytes, downloaded_bytes, average_speed)
				VALUES ($1, $2, $3, $4, $5, 0)`, sess.ID, id, now, previous, sess.DownloadedBytes)
			return err
		} else if err != nil {
			return err
		}
		sess.DownloadedBytes = max(0, p.Downloaded-sess.StartBytes)
		_, err = tx.Exec(ctx, `UPDATE download_sessions SET downloaded_bytes=$2, average_speed=$3 WHERE id=$1`,
			sess.ID, sess.DownloadedBytes, sessionSpeed(&sess, now))
		return err
	})
}

func (s *PostgresStore) SetStatus(ctx context.Context, id uint64, status Status, errMsg string, closeSession bool) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE downloads SET status=$2, error=$3 WHERE id=$1`, id, string(status), errMsg)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("download %d: %w", id, ErrNotFound)
		}
		if closeSession {
			return closePgSession(ctx, tx, id)
		}
		return nil
	})
}

func (s *PostgresStore) CompleteDownload(ctx context.Context, id uint64, totalSize int64, averageSpeed float64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM downloads WHERE id=$1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("download %d: %w", id, ErrNotFound)
		} else if err != nil {
			return err
		}
		if Status(status) == StatusCompleted {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE downloads SET status=$2, total_size=$3, downloaded=$3, completed_at=now(), average_speed=$4, error=''
			WHERE id=$1`, id, string(StatusCompleted), totalSize, averageSpeed)
		if err != nil {
			return err
		}
		if err := closePgSession(ctx, tx, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE stats SET total_downloads = total_downloads + 1,
				total_downloaded_bytes = total_downloaded_bytes + $1::bigint,
				average_speed = average_speed + ($2::double precision - average_speed) / (total_downloads + 1),
				last_updated = now()
			WHERE id = 1`, totalSize, averageSpeed)
		return err
	})
}

func (s *PostgresStore) GetDownload(ctx context.Context, id uint64) (*Download, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id=$1`, id)
	if err != nil {
		return nil, err
	}
	all, err := collectDownloads(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("download %d: %w", id, ErrNotFound)
	}
	return &all[0], nil
}

func (s *PostgresStore) History(ctx context.Context) ([]Download, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+downloadColumns+` FROM downloads ORDER BY added_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	return collectDownloads(rows)
}

func (s *PostgresStore) Active(ctx context.Context) ([]Download, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE status IN ($1, $2, $3) ORDER BY added_at DESC, id DESC`,
		string(StatusQueued), string(StatusDownloading), string(StatusPaused))
	if err != nil {
		return nil, err
	}
	return collectDownloads(rows)
}

func (s *PostgresStore) Sessions(ctx context.Context, downloadID uint64) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, download_id, start_time, end_time, start_bytes, downloaded_bytes, average_speed
		FROM download_sessions WHERE download_id=$1 ORDER BY start_time`, downloadID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		var sess Session
		err := row.Scan(&sess.ID, &sess.DownloadID, &sess.StartTime, &sess.EndTime, &sess.StartBytes, &sess.DownloadedBytes, &sess.AverageSpeed)
		return sess, err
	})
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `SELECT total_downloads, total_downloaded_bytes, average_speed, last_updated FROM stats WHERE id = 1`).
		Scan(&stats.TotalDownloads, &stats.TotalDownloadedBytes, &stats.AverageSpeed, &stats.LastUpdated)
	return stats, err
}

func (s *PostgresStore) RecomputeAverageSpeed(ctx context.Context) (Stats, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE stats SET average_speed = COALESCE(
			(SELECT avg(average_speed) FROM downloads WHERE status = $1 AND average_speed > 0), average_speed),
			last_updated = now()
		WHERE id = 1`, string(StatusCompleted))
	if err != nil {
		return Stats{}, err
	}
	return s.Stats(ctx)
}

func closePgSession(ctx context.Context, tx pgx.Tx, downloadID uint64) error {
	_, err := tx.Exec(ctx, `
		UPDATE download_sessions SET end_time = now(),
			average_speed = CASE WHEN extract(epoch FROM now() - start_time) > 0
				THEN downloaded_bytes / extract(epoch FROM now() - start_time) ELSE 0 END
		WHERE download_id = $1 AND end_time IS NULL`, downloadID)
	return err
}

func collectDownloads(rows pgx.Rows) ([]Download, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Download, error) {
		var d Download
		var status string
		var segments []byte
		err := row.Scan(&d.ID, &d.URL, &d.Filename, &d.SavePath, &d.TotalSize, &d.Downloaded, &status,
			&segments, &d.AddedAt, &d.CompletedAt, &d.AverageSpeed, &d.Error)
		if err != nil {
			return d, err
		}
		d.Status = Status(status)
		if len(segments) > 0 {
			if err := json.Unmarshal(segments, &d.Segments); err != nil {
				return d, fmt.Errorf("decode segments of download %d: %w", d.ID, err)
			}
		}
		return d, nil
	})
}
