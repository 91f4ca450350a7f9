// Package journal implements the trade journal CSV writer (spec §6.3): one
// append-only row per opened position and one per closed position, with the
// exit row carrying gross/net PnL, the commission breakdown, duration, and
// the close reason.
//
// No teacher or pack file writes a CSV trade log, so this is built directly
// on the standard library's encoding/csv rather than adapted from an
// example — a flat append-only row format has no ecosystem library that
// beats os.OpenFile+csv.Writer for this, and every other on-disk format in
// the pack (parquet, JSON) is the wrong shape for a row spec §6.3 names
// field-by-field. github.com/google/uuid stamps each row so two entries for the same symbol in the same second are
// distinguishable.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantforge/perpscalp/internal/domain"
)

var header = []string{
	"id", "timestamp", "event", "symbol", "side", "entry_price", "exit_price",
	"size_coins", "gross_pnl", "commission_maker_open", "commission_taker_open",
	"commission_maker_close", "commission_taker_close", "net_pnl", "duration_sec",
	"reason", "regime",
}

// Writer appends rows to the trade journal CSV (spec §6.3). Safe for
// concurrent use; one writer per process is expected, matching the
// single-writer discipline the rest of the engine uses for shared state.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	now  func() time.Time
}

// Open creates (or appends to) the CSV at path, writing the header only if
// the file is new/empty.
func Open(path string, now func() time.Time) (*Writer, error) {
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	w := &Writer{file: f, w: csv.NewWriter(f), now: now}
	if statErr != nil || info.Size() == 0 {
		if err := w.w.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("journal: write header: %w", err)
		}
		w.w.Flush()
	}
	return w, nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.w.Flush()
	return w.file.Close()
}

// RecordEntry appends an "open" row (spec §4.4 step 8, §4.11 DRIFT_ADD).
// Implements entry.Journal.
func (w *Writer) RecordEntry(symbol string, side domain.Side, entryPrice, size decimal.Decimal, regime domain.Regime) {
	w.append([]string{
		uuid.NewString(), w.now().UTC().Format(time.RFC3339Nano), "open", symbol, string(side),
		entryPrice.String(), "", size.String(), "", "", "", "", "", "", "", "", string(regime),
	})
}

// CommissionBreakdown is the open/close maker-vs-taker fee split spec §6.3
// names explicitly.
type CommissionBreakdown struct {
	MakerOpen  decimal.Decimal
	TakerOpen  decimal.Decimal
	MakerClose decimal.Decimal
	TakerClose decimal.Decimal
}

// RecordExit appends a "close" row for a fully or partially closed position.
func (w *Writer) RecordExit(symbol string, side domain.Side, entryPrice, exitPrice, size decimal.Decimal, grossPnL decimal.Decimal, comm CommissionBreakdown, netPnL decimal.Decimal, duration time.Duration, reason string, regime domain.Regime) {
	w.append([]string{
		uuid.NewString(), w.now().UTC().Format(time.RFC3339Nano), "close", symbol, string(side),
		entryPrice.String(), exitPrice.String(), size.String(), grossPnL.String(),
		comm.MakerOpen.String(), comm.TakerOpen.String(), comm.MakerClose.String(), comm.TakerClose.String(),
		netPnL.String(), fmt.Sprintf("%.0f", duration.Seconds()), reason, string(regime),
	})
}

func (w *Writer) append(row []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Write(row); err != nil {
		return // best-effort: a journal write failure must never block the trading loop
	}
	w.w.Flush()
}
