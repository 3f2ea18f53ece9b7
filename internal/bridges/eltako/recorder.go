package eltako

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-eltako/internal/enocean"
)

// timeFormat sorts lexicographically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SenderRecorder passively records every sender address seen on the bus and
// stores bus memory scans. It is called by the Bridge for every received
// telegram, building a list of present devices without manual configuration.
//
// Thread Safety: All methods are safe for concurrent use.
type SenderRecorder struct {
	db *sql.DB

	logger   Logger
	loggerMu sync.RWMutex

	upsertStmt *sql.Stmt
	stmtMu     sync.Mutex

	closed bool
	mu     sync.RWMutex

	now func() time.Time
}

// StoredMemory is the most recent scan of one bus device.
type StoredMemory struct {
	ScanID    string
	BusID     int
	Model     string
	ScannedAt time.Time
	Lines     []string // hex, indexed by position in the scan
}

// NewSenderRecorder creates a recorder. The database must have the
// eltako_senders and eltako_memory_lines tables created.
func NewSenderRecorder(db *sql.DB) *SenderRecorder {
	return &SenderRecorder{
		db:  db,
		now: time.Now,
	}
}

// SetLogger sets the logger for the recorder.
func (r *SenderRecorder) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// Start prepares the recorder for use.
// Must be called before RecordTelegram.
func (r *SenderRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		return nil
	}

	stmt, err := r.db.Prepare(`
		INSERT INTO eltako_senders (address, kind, first_seen, last_seen, message_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			kind = excluded.kind,
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing sender upsert statement: %w", err)
	}

	r.upsertStmt = stmt
	r.mu.Lock()
	r.closed = false
	r.mu.Unlock()

	r.log("sender recorder started")
	return nil
}

// Stop closes the recorder and releases resources.
func (r *SenderRecorder) Stop() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.upsertStmt != nil {
		r.upsertStmt.Close() //nolint:errcheck // Shutdown
		r.upsertStmt = nil
		r.log("sender recorder stopped")
	}
}

// RecordTelegram records the sender of a telegram.
//
// Parameters:
//   - address: Resolved sender address (e.g., "FF-80-80-01")
//   - kind: Telegram kind (e.g., "4bs", "wrapped_rps")
func (r *SenderRecorder) RecordTelegram(address, kind string) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return
	}

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()
	if r.upsertStmt == nil {
		return
	}

	now := r.now().UTC().Format(timeFormat)
	if _, err := r.upsertStmt.Exec(address, kind, now, now); err != nil {
		r.logError("recording sender", err)
	}
}

// SenderCount returns the number of distinct senders seen.
func (r *SenderRecorder) SenderCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM eltako_senders`).Scan(&count)
	return count, err
}

// MessageCount returns how many telegrams were recorded for one sender.
// Unknown senders have a count of zero.
func (r *SenderRecorder) MessageCount(ctx context.Context, address string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT message_count FROM eltako_senders WHERE address = ?`, address,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// SaveScan stores every memory line of a scan in one transaction.
func (r *SenderRecorder) SaveScan(ctx context.Context, scanID string, devices []enocean.DeviceMemory) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrRecorderClosed
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning scan transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO eltako_memory_lines (scan_id, bus_id, model, line, data, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing memory insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Closed with the transaction

	scannedAt := r.now().UTC().Format(timeFormat)
	for _, dev := range devices {
		for _, line := range dev.Lines {
			if _, err := stmt.ExecContext(ctx, scanID, int(dev.ID), dev.ModelString(),
				line.Number, hex.EncodeToString(line.Data[:]), scannedAt); err != nil {
				return fmt.Errorf("storing device %d line %d: %w", dev.ID, line.Number, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing scan: %w", err)
	}
	return nil
}

// LatestMemory returns the most recent stored scan of a bus device.
//
// Returns:
//   - StoredMemory: Lines ordered by line number
//   - bool: false if the device was never scanned
//   - error: Query failure
func (r *SenderRecorder) LatestMemory(ctx context.Context, busID int) (StoredMemory, bool, error) {
	var (
		mem       StoredMemory
		scannedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT scan_id, model, scanned_at FROM eltako_memory_lines
		WHERE bus_id = ?
		ORDER BY scanned_at DESC
		LIMIT 1
	`, busID).Scan(&mem.ScanID, &mem.Model, &scannedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredMemory{}, false, nil
	}
	if err != nil {
		return StoredMemory{}, false, err
	}
	mem.BusID = busID
	if mem.ScannedAt, err = time.Parse(timeFormat, scannedAt); err != nil {
		return StoredMemory{}, false, fmt.Errorf("parsing scanned_at: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM eltako_memory_lines
		WHERE scan_id = ? AND bus_id = ?
		ORDER BY line ASC
	`, mem.ScanID, busID)
	if err != nil {
		return StoredMemory{}, false, err
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return StoredMemory{}, false, err
		}
		mem.Lines = append(mem.Lines, data)
	}
	return mem, true, rows.Err()
}

func (r *SenderRecorder) log(msg string, keysAndValues ...any) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()
	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (r *SenderRecorder) logError(msg string, err error) {
	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
