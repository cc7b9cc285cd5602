// Package persistence implements the off-hot-path repository for user
// preferences and chart drawings described by spec §6's "Persisted
// state layout (collaborator)". Nothing here is reachable from
// Producer, Consumer, or Telemetry; it is invoked only by the external
// shell through Controller-adjacent commands, mirroring how
// pulseintel keeps its Redis publisher and its analytics tasks in
// separate packages so the hot path never imports a storage driver.
package persistence

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Preferences is the market_preferences(id=1) singleton row.
type Preferences struct {
	MarketKind   string
	Symbol       string
	Timeframe    string
	MagnetStrong bool
	UpdatedAtMs  int64
}

// Drawing is one row of market_drawings, scoped by market/symbol/timeframe.
type Drawing struct {
	ID          int64
	MarketKind  string
	Symbol      string
	Timeframe   string
	DrawingType string
	Color       string // #RRGGBB uppercase
	Label       string
	PayloadJSON string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// Repository is a thin wrapper over database/sql + mattn/go-sqlite3.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("persistence: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate() error {
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS market_preferences (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	market_kind TEXT NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	magnet_strong INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS market_drawings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	market_kind TEXT NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	drawing_type TEXT NOT NULL,
	color TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_market_drawings_scope
	ON market_drawings (market_kind, symbol, timeframe, updated_at_ms);
`)
	if err != nil {
		return fmt.Errorf("persistence: migrate: %w", err)
	}
	return nil
}

func (r *Repository) Close() error { return r.db.Close() }

// GetPreferences returns the singleton row, writing spec-default
// values on first open if it does not exist yet.
func (r *Repository) GetPreferences() (Preferences, error) {
	var p Preferences
	var magnet int
	err := r.db.QueryRow(`SELECT market_kind, symbol, timeframe, magnet_strong, updated_at_ms FROM market_preferences WHERE id = 1`).
		Scan(&p.MarketKind, &p.Symbol, &p.Timeframe, &magnet, &p.UpdatedAtMs)
	if err == sql.ErrNoRows {
		p = Preferences{MarketKind: "spot", Symbol: "BTCUSDT", Timeframe: "1m", MagnetStrong: false, UpdatedAtMs: nowMs()}
		if err := r.SavePreferences(p); err != nil {
			return Preferences{}, err
		}
		return p, nil
	}
	if err != nil {
		return Preferences{}, fmt.Errorf("persistence: get preferences: %w", err)
	}
	p.MagnetStrong = magnet != 0
	return p, nil
}

// SavePreferences upserts the singleton row.
func (r *Repository) SavePreferences(p Preferences) error {
	magnet := 0
	if p.MagnetStrong {
		magnet = 1
	}
	_, err := r.db.Exec(`
INSERT INTO market_preferences (id, market_kind, symbol, timeframe, magnet_strong, updated_at_ms)
VALUES (1, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	market_kind = excluded.market_kind,
	symbol = excluded.symbol,
	timeframe = excluded.timeframe,
	magnet_strong = excluded.magnet_strong,
	updated_at_ms = excluded.updated_at_ms
`, p.MarketKind, p.Symbol, p.Timeframe, magnet, p.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("persistence: save preferences: %w", err)
	}
	return nil
}

// ListDrawings returns every drawing in the given scope, ordered by
// most recently updated first.
func (r *Repository) ListDrawings(marketKind, symbol, timeframe string) ([]Drawing, error) {
	rows, err := r.db.Query(`
SELECT id, market_kind, symbol, timeframe, drawing_type, color, label, payload_json, created_at_ms, updated_at_ms
FROM market_drawings
WHERE market_kind = ? AND symbol = ? AND timeframe = ?
ORDER BY updated_at_ms DESC
`, marketKind, symbol, timeframe)
	if err != nil {
		return nil, fmt.Errorf("persistence: list drawings: %w", err)
	}
	defer rows.Close()

	var out []Drawing
	for rows.Next() {
		var d Drawing
		if err := rows.Scan(&d.ID, &d.MarketKind, &d.Symbol, &d.Timeframe, &d.DrawingType, &d.Color, &d.Label, &d.PayloadJSON, &d.CreatedAtMs, &d.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("persistence: scan drawing: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveDrawing inserts a new drawing and returns its assigned id.
func (r *Repository) SaveDrawing(d Drawing) (int64, error) {
	now := nowMs()
	res, err := r.db.Exec(`
INSERT INTO market_drawings (market_kind, symbol, timeframe, drawing_type, color, label, payload_json, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, d.MarketKind, d.Symbol, d.Timeframe, d.DrawingType, d.Color, d.Label, d.PayloadJSON, now, now)
	if err != nil {
		return 0, fmt.Errorf("persistence: save drawing: %w", err)
	}
	return res.LastInsertId()
}

// UpdateDrawing overwrites an existing drawing's payload/color/label.
func (r *Repository) UpdateDrawing(id int64, color, label, payloadJSON string) error {
	_, err := r.db.Exec(`
UPDATE market_drawings SET color = ?, label = ?, payload_json = ?, updated_at_ms = ?
WHERE id = ?
`, color, label, payloadJSON, nowMs(), id)
	if err != nil {
		return fmt.Errorf("persistence: update drawing: %w", err)
	}
	return nil
}

// DeleteDrawing removes a drawing by id.
func (r *Repository) DeleteDrawing(id int64) error {
	_, err := r.db.Exec(`DELETE FROM market_drawings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("persistence: delete drawing: %w", err)
	}
	return nil
}

func nowMs() int64 { return time.Now().UnixMilli() }
