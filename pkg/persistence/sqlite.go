package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/d2d-protocol/d2d-go/pkg/device"
	"github.com/d2d-protocol/d2d-go/pkg/pairing"
)

var _ pairing.BondStore = (*SQLiteBondStore)(nil)

// SQLiteBondStore persists bonds in a SQLite database, one row per device.
type SQLiteBondStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// OpenSQLiteBondStore opens or creates the database at path.
func OpenSQLiteBondStore(path string) (*SQLiteBondStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create bond dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bonds (
			device_id        TEXT PRIMARY KEY,
			public_key       BLOB NOT NULL,
			name             TEXT DEFAULT '',
			protocol_version INTEGER DEFAULT 0,
			os               TEXT DEFAULT '',
			features         TEXT DEFAULT '',
			endpoints        TEXT DEFAULT '[]',
			bonded_at        INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bonds table: %w", err)
	}

	return &SQLiteBondStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteBondStore) Close() error {
	return s.db.Close()
}

// SaveBond inserts or replaces the bond for rec.
func (s *SQLiteBondStore) SaveBond(rec device.Record) error {
	b := BondFromRecord(rec)
	endpoints, err := json.Marshal(b.Endpoints)
	if err != nil {
		return err
	}
	bondedAt := b.BondedAt
	if bondedAt.IsZero() {
		bondedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO bonds
			(device_id, public_key, name, protocol_version, os, features, endpoints, bonded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			public_key       = excluded.public_key,
			name             = excluded.name,
			protocol_version = excluded.protocol_version,
			os               = excluded.os,
			features         = excluded.features,
			endpoints        = CASE WHEN excluded.endpoints = '[]' OR excluded.endpoints = 'null'
			                        THEN bonds.endpoints ELSE excluded.endpoints END,
			bonded_at        = excluded.bonded_at`,
		b.DeviceID, b.PublicKey, b.Name, b.ProtocolVersion, b.OS, b.Features,
		string(endpoints), bondedAt.UnixNano(),
	)
	return err
}

// DeleteBond removes the bond for id. Unknown ids are ignored.
func (s *SQLiteBondStore) DeleteBond(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM bonds WHERE device_id = ?`, id.String())
	return err
}

// LoadBonds returns all bonds ordered by device ID.
func (s *SQLiteBondStore) LoadBonds() ([]device.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`
		SELECT device_id, public_key, name, protocol_version, os, features, endpoints, bonded_at
		FROM bonds ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []device.Record
	for rows.Next() {
		var b Bond
		var endpointsJSON string
		var bondedAt int64
		if err := rows.Scan(&b.DeviceID, &b.PublicKey, &b.Name, &b.ProtocolVersion,
			&b.OS, &b.Features, &endpointsJSON, &bondedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(endpointsJSON), &b.Endpoints); err != nil {
			return nil, fmt.Errorf("bond %s endpoints: %w", b.DeviceID, err)
		}
		b.BondedAt = time.Unix(0, bondedAt).UTC()
		rec, err := b.Record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
