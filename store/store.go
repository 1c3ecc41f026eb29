package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Document represents a row in the documents table.
type Document struct {
	ID             int64  `json:"id"`
	Source         string `json:"source"`
	EmbeddingModel string `json:"embedding_model"`
	UploadedAt     string `json:"uploaded_at"`
}

// Chunk represents a row in the chunks table. Index is the ordinal position
// within the document; Page is 0 for unpaged sources.
type Chunk struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	Index      int    `json:"chunk_index"`
	Page       int    `json:"page"`
	Content    string `json:"content"`
}

// SourceInfo aggregates the ingested models for one source path.
type SourceInfo struct {
	Source string   `json:"source"`
	Models []string `json:"models"`
}

// Stats holds counts of key database objects.
type Stats struct {
	Documents            int `json:"documents"`
	Chunks               int `json:"chunks"`
	Entities             int `json:"entities"`
	Relationships        int `json:"relationships"`
	EntityMentions       int `json:"entity_mentions"`
	RelationshipMentions int `json:"relationship_mentions"`
	EntityEmbeddings     int `json:"entity_embeddings"`
}

// Store wraps the SQLite database for all ragcore persistence: documents,
// chunks, and the knowledge graph. Vector data lives in the vecindex files.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at the given path and
// initialises the schema.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Document operations ---

// InsertDocument inserts a document for (source, model), or returns the
// existing row's id with existed = true. Callers that see existed are
// expected to replace the document's chunks.
func (s *Store) InsertDocument(ctx context.Context, source, model string) (int64, bool, error) {
	var id int64
	var existed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return insertDocumentTx(ctx, tx, source, model, &id, &existed)
	})
	return id, existed, err
}

func insertDocumentTx(ctx context.Context, tx *sql.Tx, source, model string, id *int64, existed *bool) error {
	err := tx.QueryRowContext(ctx,
		"SELECT id FROM documents WHERE source = ? AND embedding_model = ?",
		source, model).Scan(id)
	if err == nil {
		*existed = true
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO documents (source, embedding_model) VALUES (?, ?)",
		source, model)
	if err != nil {
		return err
	}
	*id, err = res.LastInsertId()
	*existed = false
	return err
}

// DocumentBySource retrieves the document for (source, model).
func (s *Store) DocumentBySource(ctx context.Context, source, model string) (*Document, error) {
	doc := &Document{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, source, embedding_model, uploaded_at
		FROM documents WHERE source = ? AND embedding_model = ?
	`, source, model).Scan(&doc.ID, &doc.Source, &doc.EmbeddingModel, &doc.UploadedAt)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ListSources returns every ingested source with the models it was
// ingested under, ordered by source path.
func (s *Store) ListSources(ctx context.Context) ([]SourceInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, embedding_model FROM documents ORDER BY source, embedding_model
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceInfo
	for rows.Next() {
		var source, model string
		if err := rows.Scan(&source, &model); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].Source == source {
			out[n-1].Models = append(out[n-1].Models, model)
		} else {
			out = append(out, SourceInfo{Source: source, Models: []string{model}})
		}
	}
	return out, rows.Err()
}

// ReplaceDocumentChunks atomically registers (source, model) and replaces its
// chunks: the document row is created if absent, existing chunks (and their
// mentions, by cascade) are deleted, and the new chunks inserted. Returns the
// document id, whether it pre-existed, the ids of the deleted chunks, and the
// ids of the new chunks in input order.
func (s *Store) ReplaceDocumentChunks(ctx context.Context, source, model string, chunks []Chunk) (docID int64, existed bool, oldChunkIDs, newChunkIDs []int64, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertDocumentTx(ctx, tx, source, model, &docID, &existed); err != nil {
			return err
		}

		if existed {
			ids, err := chunkIDsTx(ctx, tx, docID)
			if err != nil {
				return err
			}
			oldChunkIDs = ids
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
				return err
			}
		}

		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO chunks (document_id, chunk_index, page, content) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		newChunkIDs = make([]int64, len(chunks))
		for i, c := range chunks {
			res, err := stmt.ExecContext(ctx, docID, c.Index, c.Page, c.Content)
			if err != nil {
				return err
			}
			newChunkIDs[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, nil, nil, err
	}
	return docID, existed, oldChunkIDs, newChunkIDs, nil
}

// DeleteDocument removes the document for (source, model) and everything it
// owns. Returns the ids of the deleted chunks so callers can drop the
// corresponding vectors. sql.ErrNoRows if the document does not exist.
func (s *Store) DeleteDocument(ctx context.Context, source, model string) ([]int64, error) {
	var chunkIDs []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var docID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM documents WHERE source = ? AND embedding_model = ?",
			source, model).Scan(&docID)
		if err != nil {
			return err
		}

		chunkIDs, err = chunkIDsTx(ctx, tx, docID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", docID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chunkIDs, nil
}

// DeleteAllDocuments removes every document, cascading chunks and mentions.
// Part of the governor's model-switch cascade.
func (s *Store) DeleteAllDocuments(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM documents")
	return err
}

func chunkIDsTx(ctx context.Context, tx *sql.Tx, docID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT id FROM chunks WHERE document_id = ? ORDER BY chunk_index", docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Chunk operations ---

// ChunksByDocument returns all chunks for a document ordered by chunk_index.
func (s *Store) ChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_index, COALESCE(page, 0), content
		FROM chunks WHERE document_id = ? ORDER BY chunk_index
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunkByID retrieves a single chunk.
func (s *Store) ChunkByID(ctx context.Context, id int64) (*Chunk, error) {
	c := &Chunk{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, chunk_index, COALESCE(page, 0), content
		FROM chunks WHERE id = ?
	`, id).Scan(&c.ID, &c.DocumentID, &c.Index, &c.Page, &c.Content)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ChunksByIDs returns the chunks for the given ids along with their source
// paths, in no particular order. Missing ids are silently absent from the
// result; retrieval logs and drops them.
func (s *Store) ChunksByIDs(ctx context.Context, ids []int64) (map[int64]Chunk, map[int64]string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}

	query := `
		SELECT c.id, c.document_id, c.chunk_index, COALESCE(c.page, 0), c.content, d.source
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (?` + repeatPlaceholders(len(ids)-1) + `)`

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	chunks := make(map[int64]Chunk, len(ids))
	sources := make(map[int64]string, len(ids))
	for rows.Next() {
		var c Chunk
		var source string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Page, &c.Content, &source); err != nil {
			return nil, nil, err
		}
		chunks[c.ID] = c
		sources[c.ID] = source
	}
	return chunks, sources, rows.Err()
}

// DBStats returns counts of the main database objects.
func (s *Store) DBStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM relationships", &stats.Relationships},
		{"SELECT COUNT(*) FROM entity_mentions", &stats.EntityMentions},
		{"SELECT COUNT(*) FROM relationship_mentions", &stats.RelationshipMentions},
		{"SELECT COUNT(*) FROM entity_embeddings", &stats.EntityEmbeddings},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- Settings ---

// Setting reads a settings value; returns "" when the key is absent.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting writes a settings value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// DistinctEmbeddingModels returns the set of embedding-model names that
// appear on existing vectors: document vectors via the documents table and
// entity vectors via entity_embeddings.
func (s *Store) DistinctEmbeddingModels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT embedding_model FROM documents
		UNION
		SELECT DISTINCT embedding_model FROM entity_embeddings
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// --- helpers ---

// inTx runs fn inside a transaction. A transient busy/locked failure is
// retried once; anything else rolls back and fails the caller.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	err := s.runTx(ctx, fn)
	if err != nil && isTransient(err) {
		time.Sleep(50 * time.Millisecond)
		err = s.runTx(ctx, fn)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isTransient(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

func repeatPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat(", ?", n)
}

func scanChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Page, &c.Content); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
