package catalog

import (
	"database/sql"
	"fmt"

	"github.com/username/royaltyledger/src/models"
	"github.com/username/royaltyledger/src/utils"
)

// Catalog is the read-only view over the label/release/track records the
// surrounding record editors maintain. Every lookup returns zero-or-one
// match; this core never writes catalog entities.
type Catalog struct {
	db *sql.DB
}

func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// LabelByName resolves a label name to its id.
func (c *Catalog) LabelByName(name string) (int64, error) {
	var id int64
	err := c.db.QueryRow(`SELECT id FROM labels WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("label %q does not exist", name)
	}
	if err != nil {
		return 0, fmt.Errorf("looking up label %q: %w", name, err)
	}
	return id, nil
}

// TrackByISRC is the primary catalog match. Returns nil when no track
// carries the ISRC.
func (c *Catalog) TrackByISRC(isrc string) (*models.Track, error) {
	isrc = utils.NormalizeISRC(isrc)
	if isrc == "" {
		return nil, nil
	}
	row := c.db.QueryRow(`
		SELECT id, release_id, COALESCE(artist_id, 0), title, COALESCE(artist_name, ''), COALESCE(isrc, '')
		FROM tracks WHERE REPLACE(UPPER(isrc), '-', '') = ? LIMIT 1`, isrc)
	return scanTrack(row)
}

// TrackByCatalogFuzzy is the secondary match: the release's catalog number
// narrows candidates, then title and artist must match after case and
// whitespace folding.
func (c *Catalog) TrackByCatalogFuzzy(catalogNumber, title, artist string) (*models.Track, error) {
	if catalogNumber == "" {
		return nil, nil
	}
	rows, err := c.db.Query(`
		SELECT t.id, t.release_id, COALESCE(t.artist_id, 0), t.title, COALESCE(t.artist_name, ''), COALESCE(t.isrc, '')
		FROM tracks t JOIN releases r ON r.id = t.release_id
		WHERE r.catalog_number = ? COLLATE NOCASE`, catalogNumber)
	if err != nil {
		return nil, fmt.Errorf("looking up tracks for catalog number %q: %w", catalogNumber, err)
	}
	defer rows.Close()

	wantTitle := utils.NormalizeKey(title)
	wantArtist := utils.NormalizeKey(artist)
	for rows.Next() {
		var t models.Track
		if err := rows.Scan(&t.ID, &t.ReleaseID, &t.ArtistID, &t.Title, &t.ArtistName, &t.ISRC); err != nil {
			return nil, err
		}
		if utils.NormalizeKey(t.Title) == wantTitle && utils.NormalizeKey(t.ArtistName) == wantArtist {
			return &t, nil
		}
	}
	return nil, rows.Err()
}

// ReleaseByCatalogNumber resolves a release for event-level linking when the
// track itself cannot be identified.
func (c *Catalog) ReleaseByCatalogNumber(catalogNumber string) (*models.Release, error) {
	if catalogNumber == "" {
		return nil, nil
	}
	var r models.Release
	err := c.db.QueryRow(`
		SELECT id, label_id, title, COALESCE(catalog_number, '')
		FROM releases WHERE catalog_number = ? COLLATE NOCASE LIMIT 1`, catalogNumber).
		Scan(&r.ID, &r.LabelID, &r.Title, &r.CatalogNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up release for catalog number %q: %w", catalogNumber, err)
	}
	return &r, nil
}

func scanTrack(row *sql.Row) (*models.Track, error) {
	var t models.Track
	err := row.Scan(&t.ID, &t.ReleaseID, &t.ArtistID, &t.Title, &t.ArtistName, &t.ISRC)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
