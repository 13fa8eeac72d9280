package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/codeponics/codeponics-pi/controller/modules/analyzer"
)

// SQLiteRepository implements Repository with SQLite. Times are stored as
// unix milliseconds.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens dbPath and bootstraps the schema.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS db_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		reason TEXT NOT NULL,
		delivered INTEGER NOT NULL,
		water_temp REAL NOT NULL,
		air_temp REAL NOT NULL,
		humidity REAL NOT NULL,
		light REAL NOT NULL,
		ph REAL NOT NULL,
		ec REAL NOT NULL,
		do_value REAL NOT NULL,
		score INTEGER NOT NULL,
		status TEXT NOT NULL,
		factor TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_db_log_ts ON db_log(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

const selectColumns = `id, ts, reason, delivered, water_temp, air_temp, humidity, light, ph, ec, do_value, score, status, factor`

func (r *SQLiteRepository) Save(ctx context.Context, rec *Record) error {
	query := `INSERT INTO db_log (ts, reason, delivered, water_temp, air_temp, humidity, light, ph, ec, do_value, score, status, factor)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := r.db.ExecContext(ctx, query,
		rec.Time.UnixMilli(), rec.Reason, rec.Delivered,
		rec.WaterTemp, rec.AirTemp, rec.Humidity, rec.Light, rec.PH, rec.EC, rec.DO,
		rec.Score, string(rec.Status), rec.Factor,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert id: %w", err)
	}
	rec.ID = id
	return nil
}

func (r *SQLiteRepository) Range(ctx context.Context, start, end time.Time) ([]*Record, error) {
	if end.Before(start) {
		return nil, ErrInvalidRange
	}
	query := `SELECT ` + selectColumns + ` FROM db_log WHERE ts >= ? AND ts < ? ORDER BY ts ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) Latest(ctx context.Context) (*Record, error) {
	query := `SELECT ` + selectColumns + ` FROM db_log ORDER BY ts DESC, id DESC LIMIT 1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (r *SQLiteRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM db_log WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old records: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec    Record
		ts     int64
		status string
	)
	err := s.Scan(&rec.ID, &ts, &rec.Reason, &rec.Delivered,
		&rec.WaterTemp, &rec.AirTemp, &rec.Humidity, &rec.Light, &rec.PH, &rec.EC, &rec.DO,
		&rec.Score, &status, &rec.Factor)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Time = time.UnixMilli(ts).UTC()
	rec.Status = analyzer.Status(status)
	return &rec, nil
}
