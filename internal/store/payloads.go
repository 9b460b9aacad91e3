package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/lox/weatherstats/internal/apperr"
)

// RawPayload is a provider response kept for auditing a run.
type RawPayload struct {
	ID         int64
	RunID      sql.NullString
	FetchedAt  time.Time
	Provider   string
	CityID     int64
	ChunkStart string
	Hash       string
}

// StoreRawPayload stores a compressed provider response for one chunk.
// Returns the payload ID, or 0 if the payload was a duplicate (same hash).
func (s *Store) StoreRawPayload(ctx context.Context, runID, provider string, cityID int64, chunkStart time.Time, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("close gzip: %w", err)
	}

	hash := sha256.Sum256(payload)

	var run sql.NullString
	if runID != "" {
		run = sql.NullString{String: runID, Valid: true}
	}

	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO raw_payloads (run_id, fetched_at, provider, city_id, chunk_start, payload_compressed, payload_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
		RETURNING id
	`), run, time.Now().UTC(), provider, cityID, chunkStart.Format(time.DateOnly), buf.Bytes(), hex.EncodeToString(hash[:])).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Store("insert raw payload", err)
	}
	return id, nil
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT payload_compressed FROM raw_payloads WHERE id = ?`), id).
		Scan(&compressed)
	if err != nil {
		return nil, apperr.Store("get raw payload", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer gz.Close()

	return io.ReadAll(gz)
}

// ListRunPayloads returns payload metadata for a run, oldest chunk first.
func (s *Store) ListRunPayloads(ctx context.Context, runID string) ([]RawPayload, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, run_id, fetched_at, provider, city_id, chunk_start, payload_hash
		FROM raw_payloads WHERE run_id = ?
		ORDER BY chunk_start
	`), runID)
	if err != nil {
		return nil, apperr.Store("list raw payloads", err)
	}
	defer rows.Close()

	var out []RawPayload
	for rows.Next() {
		var p RawPayload
		if err := rows.Scan(&p.ID, &p.RunID, &p.FetchedAt, &p.Provider, &p.CityID, &p.ChunkStart, &p.Hash); err != nil {
			return nil, apperr.Store("scan raw payload", err)
		}
		out = append(out, p)
	}
	return out, apperr.Store("list raw payloads", rows.Err())
}

// DeleteRawPayloadsBefore deletes payloads fetched before cutoff.
func (s *Store) DeleteRawPayloadsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM raw_payloads WHERE fetched_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, apperr.Store("delete raw payloads", err)
	}
	return res.RowsAffected()
}
