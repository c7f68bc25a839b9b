package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotInLibrary is returned when darktable has no entry for a file.
var ErrNotInLibrary = errors.New("image not found in darktable library")

// DarktableSource answers tag lookups from darktable's library.db. It opens
// the database read-only and never writes to it.
type DarktableSource struct {
	libraryPath string

	once sync.Once
	db   *sql.DB
	err  error
}

// NewDarktableSource locates library.db under configPath, defaulting to
// ~/.config/darktable.
func NewDarktableSource(configPath string) (*DarktableSource, error) {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "darktable")
	}
	libraryPath := filepath.Join(configPath, "library.db")
	if _, err := os.Stat(libraryPath); err != nil {
		return nil, fmt.Errorf("darktable library.db not found at %s: %w", libraryPath, err)
	}
	return &DarktableSource{libraryPath: libraryPath}, nil
}

func (d *DarktableSource) open() (*sql.DB, error) {
	d.once.Do(func() {
		d.db, d.err = sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", d.libraryPath))
	})
	return d.db, d.err
}

// Lookup implements Source.
func (d *DarktableSource) Lookup(path string) (Tags, error) {
	db, err := d.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open darktable library: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	folder, name := filepath.Dir(abs), filepath.Base(abs)

	const query = `
		SELECT
			COALESCE(mk.name, ''), COALESCE(md.name, ''), COALESCE(l.name, ''),
			i.iso, i.aperture, i.exposure
		FROM images i
		JOIN film_rolls f ON i.film_id = f.id
		LEFT JOIN makers mk ON i.maker_id = mk.id
		LEFT JOIN models md ON i.model_id = md.id
		LEFT JOIN lens l ON i.lens_id = l.id
		WHERE f.folder = ? AND i.filename = ?
		LIMIT 1
	`
	var (
		maker, model, lens          string
		iso, aperture, exposureSecs float64
	)
	err = db.QueryRow(query, folder, name).Scan(&maker, &model, &lens, &iso, &aperture, &exposureSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotInLibrary)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query darktable for %s: %w", abs, err)
	}

	tags := Tags{}
	if maker != "" {
		tags["Make"] = maker
	}
	if model != "" {
		tags["Model"] = model
	}
	if lens != "" {
		tags["LensModel"] = lens
	}
	if iso > 0 {
		tags["ISOSpeedRatings"] = math.Round(iso)
	}
	if aperture > 0 {
		tags["FNumber"] = math.Round(aperture*10) / 10
	}
	if exposureSecs > 0 {
		tags["ExposureTime"] = exposureSecs
	}
	return tags, nil
}

// Close releases the database handle.
func (d *DarktableSource) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}
