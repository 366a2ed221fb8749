package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sonolink/sonolinkd/protocol"
	"github.com/sonolink/sonolinkd/transfer"
)

// Store persists completed waveform blocks. Samples are kept in their packed
// 24-bit wire form; header metadata lands in columns so captures can be
// listed without touching the blobs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and runs migrations. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open waveform store: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS waveforms (
			block_number     INTEGER PRIMARY KEY,
			timestamp_ms     INTEGER NOT NULL,
			sample_rate_hz   INTEGER NOT NULL,
			sample_count     INTEGER NOT NULL,
			trigger_sample   INTEGER NOT NULL,
			pulse_freq_hz    INTEGER NOT NULL,
			temperature_cx10 INTEGER NOT NULL,
			gain_db          INTEGER NOT NULL,
			crc32            INTEGER NOT NULL,
			compressed       INTEGER NOT NULL,
			samples          BLOB NOT NULL,
			received_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_waveforms_timestamp ON waveforms(timestamp_ms);
	`)
	if err != nil {
		return fmt.Errorf("migrate waveform store: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveWaveform upserts one decoded block. Re-received blocks after a resume
// simply overwrite their previous row.
func (s *Store) SaveWaveform(w *transfer.Waveform) error {
	compressed := 0
	if w.Compressed {
		compressed = 1
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO waveforms
		(block_number, timestamp_ms, sample_rate_hz, sample_count, trigger_sample,
		 pulse_freq_hz, temperature_cx10, gain_db, crc32, compressed, samples, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Header.BlockNumber, w.Header.TimestampMs, w.Header.SampleRateHz,
		w.Header.SampleCount, w.Header.TriggerSample, w.Header.PulseFreqHz,
		w.Header.TemperatureCx10, w.Header.GainDB, w.Header.CRC32,
		compressed, protocol.Pack24(w.Samples), now)
	if err != nil {
		return fmt.Errorf("save waveform %d: %w", w.Header.BlockNumber, err)
	}
	return nil
}

// Count returns how many blocks are stored.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM waveforms").Scan(&n); err != nil {
		return 0, fmt.Errorf("count waveforms: %w", err)
	}
	return n, nil
}

// WaveformRecord is one stored block's metadata.
type WaveformRecord struct {
	BlockNumber     uint32  `json:"block_number"`
	TimestampMs     uint32  `json:"timestamp_ms"`
	SampleRateHz    uint32  `json:"sample_rate_hz"`
	SampleCount     uint16  `json:"sample_count"`
	TriggerSample   uint16  `json:"trigger_sample"`
	PulseFreqHz     uint32  `json:"pulse_freq_hz"`
	TemperatureCx10 int16   `json:"temperature_cx10"`
	GainDB          uint8   `json:"gain_db"`
	CRC32           uint32  `json:"crc32"`
	Compressed      bool    `json:"compressed"`
	ReceivedAt      string  `json:"received_at"`
}

// ListHeaders returns stored block metadata ordered by block number.
func (s *Store) ListHeaders(limit, offset int) ([]WaveformRecord, error) {
	rows, err := s.db.Query(`
		SELECT block_number, timestamp_ms, sample_rate_hz, sample_count, trigger_sample,
		       pulse_freq_hz, temperature_cx10, gain_db, crc32, compressed, received_at
		FROM waveforms ORDER BY block_number LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list waveforms: %w", err)
	}
	defer rows.Close()

	var records []WaveformRecord
	for rows.Next() {
		var rec WaveformRecord
		var compressed int
		if err := rows.Scan(&rec.BlockNumber, &rec.TimestampMs, &rec.SampleRateHz,
			&rec.SampleCount, &rec.TriggerSample, &rec.PulseFreqHz,
			&rec.TemperatureCx10, &rec.GainDB, &rec.CRC32, &compressed, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan waveform row: %w", err)
		}
		rec.Compressed = compressed != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Samples loads one block's samples, unpacked from the stored wire form.
func (s *Store) Samples(blockNumber uint32) ([]int32, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT samples FROM waveforms WHERE block_number = ?", blockNumber).Scan(&blob)
	if err != nil {
		return nil, fmt.Errorf("load samples for block %d: %w", blockNumber, err)
	}
	return protocol.Unpack24(blob), nil
}
