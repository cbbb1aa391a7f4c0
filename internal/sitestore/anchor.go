package sitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/banshee-data/spatialsync/internal/spatial"
)

var (
	// ErrAnchorNotFound is returned when no anchor matches the query.
	ErrAnchorNotFound = errors.New("site anchor not found")
	// ErrInvalidAnchor is returned for anchors that fail validation.
	ErrInvalidAnchor = errors.New("invalid site anchor")
)

// Anchor is a named WGS84 position for a site, optionally the active one.
type Anchor struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Height      float64   `json:"height"`
	FloorOffset float64   `json:"floor_offset"`
	Note        *string   `json:"note,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Geodetic returns the anchor position.
func (a *Anchor) Geodetic() spatial.Geodetic {
	return spatial.Geodetic{Latitude: a.Latitude, Longitude: a.Longitude, Height: a.Height}
}

// Validate checks the name and coordinate ranges.
func (a *Anchor) Validate() error {
	switch {
	case strings.TrimSpace(a.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidAnchor)
	case math.IsNaN(a.Latitude) || a.Latitude < -90 || a.Latitude > 90:
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidAnchor, a.Latitude)
	case math.IsNaN(a.Longitude) || a.Longitude < -180 || a.Longitude > 180:
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidAnchor, a.Longitude)
	case math.IsNaN(a.Height) || math.IsInf(a.Height, 0):
		return fmt.Errorf("%w: height must be finite", ErrInvalidAnchor)
	case math.IsNaN(a.FloorOffset) || math.IsInf(a.FloorOffset, 0):
		return fmt.Errorf("%w: floor offset must be finite", ErrInvalidAnchor)
	}
	return nil
}

const anchorColumns = `anchor_id, name, latitude, longitude, height, floor_offset, note, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnchor(row rowScanner) (*Anchor, error) {
	var (
		a                Anchor
		active           int
		created, updated int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Latitude, &a.Longitude, &a.Height, &a.FloorOffset, &a.Note, &active, &created, &updated); err != nil {
		return nil, err
	}
	a.Active = active != 0
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.UpdatedAt = time.UnixMilli(updated).UTC()
	return &a, nil
}

// CreateAnchor inserts a and fills in its ID and timestamps. An active anchor
// deactivates every other anchor.
func (db *DB) CreateAnchor(a *Anchor) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if a.Active {
		if _, err := tx.Exec(`UPDATE site_anchor SET active = 0, updated_at = ? WHERE active = 1`, now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to deactivate anchors: %w", err)
		}
	}
	res, err := tx.Exec(`
		INSERT INTO site_anchor (name, latitude, longitude, height, floor_offset, note, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.Latitude, a.Longitude, a.Height, a.FloorOffset, a.Note, boolInt(a.Active), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create site anchor: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit site anchor: %w", err)
	}
	a.ID = id
	a.CreatedAt, a.UpdatedAt = now, now
	logf("created anchor %d %q (%.6f, %.6f) active=%v", a.ID, a.Name, a.Latitude, a.Longitude, a.Active)
	return nil
}

// GetAnchor returns the anchor with id.
func (db *DB) GetAnchor(id int64) (*Anchor, error) {
	a, err := scanAnchor(db.QueryRow(`SELECT `+anchorColumns+` FROM site_anchor WHERE anchor_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrAnchorNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site anchor: %w", err)
	}
	return a, nil
}

// AnchorByName returns the anchor called name.
func (db *DB) AnchorByName(name string) (*Anchor, error) {
	a, err := scanAnchor(db.QueryRow(`SELECT `+anchorColumns+` FROM site_anchor WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: name %q", ErrAnchorNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site anchor: %w", err)
	}
	return a, nil
}

// ActiveAnchor returns the active anchor, or ErrAnchorNotFound when none is.
func (db *DB) ActiveAnchor() (*Anchor, error) {
	a, err := scanAnchor(db.QueryRow(`SELECT ` + anchorColumns + ` FROM site_anchor WHERE active = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active anchor", ErrAnchorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active site anchor: %w", err)
	}
	return a, nil
}

// ListAnchors returns every anchor ordered by name.
func (db *DB) ListAnchors() ([]Anchor, error) {
	rows, err := db.Query(`SELECT ` + anchorColumns + ` FROM site_anchor ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list site anchors: %w", err)
	}
	defer rows.Close()

	var anchors []Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site anchor: %w", err)
		}
		anchors = append(anchors, *a)
	}
	return anchors, rows.Err()
}

// UpdateAnchor rewrites the position, name and note of a. Activation is
// changed only through Activate.
func (db *DB) UpdateAnchor(a *Anchor) error {
	if err := a.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	res, err := db.Exec(`
		UPDATE site_anchor
		SET name = ?, latitude = ?, longitude = ?, height = ?, floor_offset = ?, note = ?, updated_at = ?
		WHERE anchor_id = ?`,
		a.Name, a.Latitude, a.Longitude, a.Height, a.FloorOffset, a.Note, now.UnixMilli(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update site anchor: %w", err)
	}
	if err := requireOneRow(res, a.ID); err != nil {
		return err
	}
	a.UpdatedAt = now
	return nil
}

// Activate makes id the only active anchor.
func (db *DB) Activate(id int64) error {
	now := time.Now().UTC().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE site_anchor SET active = 0, updated_at = ? WHERE active = 1 AND anchor_id <> ?`, now, id); err != nil {
		return fmt.Errorf("failed to deactivate anchors: %w", err)
	}
	res, err := tx.Exec(`UPDATE site_anchor SET active = 1, updated_at = ? WHERE anchor_id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("failed to activate site anchor: %w", err)
	}
	if err := requireOneRow(res, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activation: %w", err)
	}
	logf("activated anchor %d", id)
	return nil
}

// DeleteAnchor removes the anchor with id.
func (db *DB) DeleteAnchor(id int64) error {
	res, err := db.Exec(`DELETE FROM site_anchor WHERE anchor_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete site anchor: %w", err)
	}
	return requireOneRow(res, id)
}

func requireOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrAnchorNotFound, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
