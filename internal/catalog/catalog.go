// Package catalog is the persistent SQLite record of every ingested image,
// its extracted descriptors, and whether those descriptors have been
// folded into the IVF index yet.
//
// Schema and operations grounded on original_source/src/db/model.rs's
// ImageRecord/VectorStatsRecord/VectorRecord triple. Open/pragma pattern
// grounded on a sqlite storage driver's sql.Open + PRAGMA foreign_keys
// sequence, deliberately without that driver's ent ORM layer (see
// DESIGN.md's Open Question decisions): the schema here is small and
// fixed, so hand-written SQL keeps the transactional boundaries the
// dedup/ingest/build pipeline needs explicit.
package catalog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/imsearch/imsearch"
)

const schema = `
CREATE TABLE IF NOT EXISTS image (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	hash  TEXT NOT NULL UNIQUE,
	dhash INTEGER
);

CREATE TABLE IF NOT EXISTS image_path (
	image_id INTEGER NOT NULL REFERENCES image(id) ON DELETE CASCADE,
	path     TEXT NOT NULL,
	PRIMARY KEY (image_id, path)
);

CREATE TABLE IF NOT EXISTS vector_stats (
	image_id           INTEGER PRIMARY KEY REFERENCES image(id) ON DELETE CASCADE,
	vector_count       INTEGER NOT NULL DEFAULT 0,
	cumulative_count   INTEGER NOT NULL DEFAULT 0,
	indexed            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vector (
	image_id INTEGER NOT NULL REFERENCES image(id) ON DELETE CASCADE,
	ordinal  INTEGER NOT NULL,
	code     BLOB NOT NULL,
	PRIMARY KEY (image_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_vector_stats_indexed ON vector_stats(indexed);
CREATE INDEX IF NOT EXISTS idx_image_path_path ON image_path(path);
`

// Catalog is a handle to the SQLite-backed image/descriptor store.
type Catalog struct {
	db *sql.DB
}

// Open opens (and, if necessary, creates) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, imsearch.Wrap("catalog.Open", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, imsearch.Wrap("catalog.Open", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, imsearch.Wrap("catalog.Open", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, imsearch.NewError(imsearch.KindPersistentState, "catalog.Open", "creating schema", err)
	}

	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

// ImageRecord is one deduplicated image in the catalog.
type ImageRecord struct {
	ID    int64
	Hash  string
	Paths []string
}

// VectorStats is the per-image descriptor bookkeeping used to compute
// score-aggregation weights and to drive incremental index builds.
type VectorStats struct {
	ImageID          int64
	VectorCount      int64
	CumulativeCount  int64 // running total across all images as of this one, in insertion order
	Indexed          bool
}

// UpsertImage inserts a new image row for hash, or returns the existing
// one, then records path as one of its known locations. created reports
// whether the caller should (re-)extract and store descriptors for id: true
// for a brand new row, or for an existing one when overwrite is set, in
// which case its prior descriptors are deleted and it is forced back to
// indexed=false. Without overwrite, an existing hash only gets its path
// recorded and created is false.
func (c *Catalog) UpsertImage(ctx context.Context, hash, path string, overwrite bool) (id int64, created bool, err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id FROM image WHERE hash = ?`, hash)
	switch err := row.Scan(&id); err {
	case nil:
		created = false
		if overwrite {
			if _, err := tx.ExecContext(ctx, `DELETE FROM vector WHERE image_id = ?`, id); err != nil {
				return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE vector_stats SET vector_count = 0, cumulative_count = 0, indexed = 0 WHERE image_id = ?`, id); err != nil {
				return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
			}
			created = true
		}
	case sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `INSERT INTO image (hash) VALUES (?)`, hash)
		if err != nil {
			return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vector_stats (image_id) VALUES (?)`, id); err != nil {
			return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
		}
		created = true
	default:
		return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
	}

	if path != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO image_path (image_id, path) VALUES (?, ?)`, id, path); err != nil {
			return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, imsearch.Wrap("catalog.UpsertImage", err)
	}
	return id, created, nil
}

// StoreDescriptors persists codes (each hamming.Size bytes) for imageID and
// advances its vector_stats row, including the running cumulative_count
// used by internal/ivf's K-selection heuristic.
func (c *Catalog) StoreDescriptors(ctx context.Context, imageID int64, codes [][]byte) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return imsearch.Wrap("catalog.StoreDescriptors", err)
	}
	defer tx.Rollback()

	// cumulative_count must be monotonic in image_id, not commit order: the
	// default concurrent worker pool (internal/ingest) can commit two
	// images' StoreDescriptors transactions out of id order, so summing by
	// id rather than taking the table-wide running max keeps it stable
	// regardless of which transaction lands first.
	var prevTotal int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(vector_count), 0) FROM vector_stats WHERE image_id < ?`, imageID).Scan(&prevTotal); err != nil {
		return imsearch.Wrap("catalog.StoreDescriptors", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO vector (image_id, ordinal, code) VALUES (?, ?, ?)`)
	if err != nil {
		return imsearch.Wrap("catalog.StoreDescriptors", err)
	}
	defer stmt.Close()

	for i, code := range codes {
		if _, err := stmt.ExecContext(ctx, imageID, i, code); err != nil {
			return imsearch.Wrap("catalog.StoreDescriptors", err)
		}
	}

	newTotal := prevTotal + int64(len(codes))
	if _, err := tx.ExecContext(ctx,
		`UPDATE vector_stats SET vector_count = ?, cumulative_count = ? WHERE image_id = ?`,
		len(codes), newTotal, imageID); err != nil {
		return imsearch.Wrap("catalog.StoreDescriptors", err)
	}

	if err := tx.Commit(); err != nil {
		return imsearch.Wrap("catalog.StoreDescriptors", err)
	}
	return nil
}

// Descriptors returns every descriptor code stored for imageID, in
// insertion order.
func (c *Catalog) Descriptors(ctx context.Context, imageID int64) ([][]byte, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT code FROM vector WHERE image_id = ? ORDER BY ordinal`, imageID)
	if err != nil {
		return nil, imsearch.Wrap("catalog.Descriptors", err)
	}
	defer rows.Close()

	var codes [][]byte
	for rows.Next() {
		var code []byte
		if err := rows.Scan(&code); err != nil {
			return nil, imsearch.Wrap("catalog.Descriptors", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// UnindexedImages returns the ids of images whose descriptors have not
// yet been folded into the IVF index, in insertion order, for the next
// segment build.
func (c *Catalog) UnindexedImages(ctx context.Context, limit int) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT image_id FROM vector_stats WHERE indexed = 0 ORDER BY image_id LIMIT ?`, limit)
	if err != nil {
		return nil, imsearch.Wrap("catalog.UnindexedImages", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, imsearch.Wrap("catalog.UnindexedImages", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkIndexed flags imageIDs as folded into the index, as a single
// transaction so a build can be resumed cleanly if it fails partway.
func (c *Catalog) MarkIndexed(ctx context.Context, imageIDs []int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return imsearch.Wrap("catalog.MarkIndexed", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE vector_stats SET indexed = 1 WHERE image_id = ?`)
	if err != nil {
		return imsearch.Wrap("catalog.MarkIndexed", err)
	}
	defer stmt.Close()

	for _, id := range imageIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return imsearch.Wrap("catalog.MarkIndexed", err)
		}
	}
	return imsearch.Wrap("catalog.MarkIndexed", tx.Commit())
}

// Image resolves an image id to its hash and known paths.
func (c *Catalog) Image(ctx context.Context, id int64) (*ImageRecord, error) {
	rec := &ImageRecord{ID: id}
	if err := c.db.QueryRowContext(ctx, `SELECT hash FROM image WHERE id = ?`, id).Scan(&rec.Hash); err != nil {
		if err == sql.ErrNoRows {
			return nil, imsearch.NewError(imsearch.KindNotFound, "catalog.Image", fmt.Sprintf("image %d not found", id), err)
		}
		return nil, imsearch.Wrap("catalog.Image", err)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT path FROM image_path WHERE image_id = ?`, id)
	if err != nil {
		return nil, imsearch.Wrap("catalog.Image", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, imsearch.Wrap("catalog.Image", err)
		}
		rec.Paths = append(rec.Paths, p)
	}
	return rec, rows.Err()
}

// AllImageIDs returns every image id in the catalog, regardless of index
// membership, for callers like train that need the full descriptor
// population rather than just what a prior build left unindexed.
func (c *Catalog) AllImageIDs(ctx context.Context) ([]int64, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id FROM image ORDER BY id`)
	if err != nil {
		return nil, imsearch.Wrap("catalog.AllImageIDs", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, imsearch.Wrap("catalog.AllImageIDs", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetImageDHash records a catalog image's perceptual hash, which
// internal/search's rerank pass compares against the query's.
func (c *Catalog) SetImageDHash(ctx context.Context, imageID int64, dhash uint64) error {
	_, err := c.db.ExecContext(ctx, `UPDATE image SET dhash = ? WHERE id = ?`, int64(dhash), imageID)
	return imsearch.Wrap("catalog.SetImageDHash", err)
}

// ImageDHash returns the stored perceptual hash for imageID, and whether
// one has been recorded at all (older rows predating this feature have a
// NULL dhash).
func (c *Catalog) ImageDHash(ctx context.Context, imageID int64) (dhash uint64, ok bool, err error) {
	var v sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT dhash FROM image WHERE id = ?`, imageID).Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, imsearch.NewError(imsearch.KindNotFound, "catalog.ImageDHash", fmt.Sprintf("image %d not found", imageID), err)
		}
		return 0, false, imsearch.Wrap("catalog.ImageDHash", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return uint64(v.Int64), true, nil
}

// Stats returns the vector_stats row for imageID.
func (c *Catalog) Stats(ctx context.Context, imageID int64) (*VectorStats, error) {
	s := &VectorStats{ImageID: imageID}
	err := c.db.QueryRowContext(ctx,
		`SELECT vector_count, cumulative_count, indexed FROM vector_stats WHERE image_id = ?`, imageID).
		Scan(&s.VectorCount, &s.CumulativeCount, &s.Indexed)
	if err == sql.ErrNoRows {
		return nil, imsearch.NewError(imsearch.KindNotFound, "catalog.Stats", fmt.Sprintf("image %d not found", imageID), err)
	}
	if err != nil {
		return nil, imsearch.Wrap("catalog.Stats", err)
	}
	return s, nil
}

// TotalDescriptorCount returns the running descriptor total across the
// whole catalog, the quantity internal/ivf's K-selection heuristic keys
// off of.
func (c *Catalog) TotalDescriptorCount(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(cumulative_count), 0) FROM vector_stats`).Scan(&total)
	if err != nil {
		return 0, imsearch.Wrap("catalog.TotalDescriptorCount", err)
	}
	return total, nil
}

// ImageCount returns the number of distinct images in the catalog.
func (c *Catalog) ImageCount(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image`).Scan(&n); err != nil {
		return 0, imsearch.Wrap("catalog.ImageCount", err)
	}
	return n, nil
}

// ClearAllDHashes clears every recorded dHash unconditionally; search's
// rerank passes images without one through unfiltered. Grounded on
// original_source/src/cli/clean.rs's CleanCommand: the unfiltered `--all`
// path, faster than clearing entry by entry because it needs no per-row
// predicate.
func (c *Catalog) ClearAllDHashes(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `UPDATE image SET dhash = NULL WHERE dhash IS NOT NULL`)
	if err != nil {
		return 0, imsearch.Wrap("catalog.ClearAllDHashes", err)
	}
	n, err := res.RowsAffected()
	return n, imsearch.Wrap("catalog.ClearAllDHashes", err)
}

// ImagesWithDHash returns the id and paths of every image with a
// recorded dHash, for clearcache's filtered (non --all) mode to check
// against the filesystem.
func (c *Catalog) ImagesWithDHash(ctx context.Context) ([]ImageRecord, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id FROM image WHERE dhash IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, imsearch.Wrap("catalog.ImagesWithDHash", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, imsearch.Wrap("catalog.ImagesWithDHash", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, imsearch.Wrap("catalog.ImagesWithDHash", err)
	}

	recs := make([]ImageRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := c.Image(ctx, id)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

// ClearDHash clears the recorded dHash for a single image.
func (c *Catalog) ClearDHash(ctx context.Context, imageID int64) error {
	_, err := c.db.ExecContext(ctx, `UPDATE image SET dhash = NULL WHERE id = ?`, imageID)
	return imsearch.Wrap("catalog.ClearDHash", err)
}
