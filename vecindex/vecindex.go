// Package vecindex provides a persistent approximate-nearest-neighbor index
// mapping int64 ids to fixed-dimension vectors. Each index lives in its own
// directory as a single SQLite file with a sqlite-vec virtual table, so the
// model governor can discard an index by removing the directory.
package vecindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrDimensionMismatch is returned when a vector's dimension disagrees with
// the dimension recorded at index creation, either on load or on upsert.
var ErrDimensionMismatch = errors.New("vecindex: dimension mismatch")

// dbFile is the index file name inside the index directory.
const dbFile = "index.db"

// Result is one search hit.
type Result struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"` // cosine similarity, higher is better
}

// Index is a single-writer persistent vector index. Readers may run
// concurrently with writers; rebuilds swap a sibling file into place.
type Index struct {
	dir string
	dim int

	// mu lets readers run concurrently with upserts while excluding them
	// from the rebuild's close-and-swap window.
	mu sync.RWMutex
	db *sql.DB
}

// Open loads (or creates) the index in dir with the given dimension.
// If the directory holds an index recorded with a different dimension,
// ErrDimensionMismatch is returned and no state is touched.
func Open(dir string, dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vecindex: invalid dimension %d", dim)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := openFile(filepath.Join(dir, dbFile), dim)
	if err != nil {
		return nil, err
	}

	recorded, err := recordedDimension(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if recorded != 0 && recorded != dim {
		db.Close()
		return nil, fmt.Errorf("%w: index has %d, want %d", ErrDimensionMismatch, recorded, dim)
	}
	if recorded == 0 {
		if _, err := db.Exec(
			"INSERT OR REPLACE INTO index_meta (key, value) VALUES ('dimension', ?)",
			strconv.Itoa(dim)); err != nil {
			db.Close()
			return nil, fmt.Errorf("recording dimension: %w", err)
		}
	}

	return &Index{dir: dir, dim: dim, db: db}, nil
}

func openFile(path string, dim int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging index: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS index_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
		CREATE VIRTUAL TABLE IF NOT EXISTS vectors USING vec0(
			id INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);`, dim)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index schema: %w", err)
	}

	db.SetMaxOpenConns(2)
	return db, nil
}

func recordedDimension(db *sql.DB) (int, error) {
	var value string
	err := db.QueryRow("SELECT value FROM index_meta WHERE key = 'dimension'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

// Dimension returns the dimension recorded at index creation.
func (ix *Index) Dimension() int {
	return ix.dim
}

// Upsert inserts or replaces the vector for id. Durable at the next Save.
func (ix *Index) Upsert(ctx context.Context, id int64, vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("%w: vector has %d, index has %d", ErrDimensionMismatch, len(vec), ix.dim)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	// vec0 rejects INSERT OR REPLACE on an existing id, so any old point is
	// deleted first.
	if _, err := ix.db.ExecContext(ctx, "DELETE FROM vectors WHERE id = ?", id); err != nil {
		return err
	}
	_, err := ix.db.ExecContext(ctx,
		"INSERT INTO vectors (id, embedding) VALUES (?, ?)",
		id, serializeFloat32(vec))
	return err
}

// Search returns the k nearest ids by cosine similarity, descending,
// ties broken by smaller id.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rows, err := ix.db.QueryContext(ctx, `
		SELECT id, distance FROM vectors
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance
	`, serializeFloat32(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var distance float64
		if err := rows.Scan(&r.ID, &distance); err != nil {
			return nil, err
		}
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// Delete removes the given ids. The underlying structure has no in-place
// deletion, so this filters the current points and rebuilds.
func (ix *Index) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return ix.RebuildExcluding(ctx, ids)
}

// RebuildExcluding writes a new index containing every point except the
// excluded ids to a sibling location and swaps it in atomically.
func (ix *Index) RebuildExcluding(ctx context.Context, exclude []int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	excluded := make(map[int64]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	rows, err := ix.db.QueryContext(ctx, "SELECT id, embedding FROM vectors")
	if err != nil {
		return fmt.Errorf("reading points: %w", err)
	}

	type point struct {
		id  int64
		vec []byte
	}
	var kept []point
	for rows.Next() {
		var p point
		if err := rows.Scan(&p.id, &p.vec); err != nil {
			rows.Close()
			return err
		}
		if !excluded[p.id] {
			kept = append(kept, p)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	tmpPath := filepath.Join(ix.dir, dbFile+".tmp")
	removeDBFiles(tmpPath)

	tmpDB, err := openFile(tmpPath, ix.dim)
	if err != nil {
		return fmt.Errorf("creating rebuild target: %w", err)
	}
	if _, err := tmpDB.Exec(
		"INSERT OR REPLACE INTO index_meta (key, value) VALUES ('dimension', ?)",
		strconv.Itoa(ix.dim)); err != nil {
		tmpDB.Close()
		return err
	}

	tx, err := tmpDB.BeginTx(ctx, nil)
	if err != nil {
		tmpDB.Close()
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO vectors (id, embedding) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		tmpDB.Close()
		return err
	}
	for _, p := range kept {
		if _, err := stmt.ExecContext(ctx, p.id, p.vec); err != nil {
			stmt.Close()
			tx.Rollback()
			tmpDB.Close()
			return err
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		tmpDB.Close()
		return err
	}
	if _, err := tmpDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		tmpDB.Close()
		return err
	}
	if err := tmpDB.Close(); err != nil {
		return err
	}

	// Swap: close the live index, move the rebuilt file into place, reopen.
	if err := ix.db.Close(); err != nil {
		return err
	}
	livePath := filepath.Join(ix.dir, dbFile)
	removeDBFiles(livePath)
	if err := os.Rename(tmpPath, livePath); err != nil {
		return fmt.Errorf("swapping rebuilt index: %w", err)
	}

	db, err := openFile(livePath, ix.dim)
	if err != nil {
		return fmt.Errorf("reopening rebuilt index: %w", err)
	}
	ix.db = db
	return nil
}

// Save is the durability barrier: it checkpoints the WAL so all prior
// upserts and deletes are in the main index file.
func (ix *Index) Save(ctx context.Context) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, err := ix.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Count returns the number of points in the index.
func (ix *Index) Count(ctx context.Context) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var n int
	err := ix.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n)
	return n, err
}

// Close closes the index file.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.db.Close()
}

// Remove deletes an index directory and everything in it. Used by the model
// governor's switch cascade; idempotent.
func Remove(dir string) error {
	return os.RemoveAll(dir)
}

func removeDBFiles(path string) {
	os.Remove(path)
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
}

// serializeFloat32 converts a float32 slice to little-endian bytes for
// sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
