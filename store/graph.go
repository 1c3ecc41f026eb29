package store

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"strings"
)

// Entity represents a row in the entities table.
type Entity struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
}

// Relationship represents a row in the relationships table.
type Relationship struct {
	ID             int64   `json:"id"`
	SourceEntityID int64   `json:"source_entity_id"`
	TargetEntityID int64   `json:"target_entity_id"`
	Type           string  `json:"type"`
	Description    string  `json:"description"`
	Weight         float64 `json:"weight"`
}

// ScoredEntity is an entity with a retrieval score attached.
type ScoredEntity struct {
	Entity Entity  `json:"entity"`
	Score  float64 `json:"score"`
}

// GraphChunk is a chunk recalled through the entity graph, annotated with
// the entities that mention it.
type GraphChunk struct {
	Chunk       Chunk    `json:"chunk"`
	Source      string   `json:"source"`
	EntityNames []string `json:"entity_names"`
	EntityTypes []string `json:"entity_types"`
	EntityCount int      `json:"entity_count"`
}

// --- Entity and relationship upserts ---

// UpsertEntity inserts or updates an entity, deduplicated by (name, type).
// A non-empty description replaces the stored one. Returns the entity id.
func (s *Store) UpsertEntity(ctx context.Context, name, entityType, description string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (name, type, description)
		VALUES (?, ?, NULLIF(?, ''))
		ON CONFLICT(name, type) DO UPDATE SET
			description = COALESCE(NULLIF(excluded.description, ''), entities.description)
	`, name, entityType, description)
	if err != nil {
		return 0, err
	}

	// LastInsertId is not updated when the upsert takes the UPDATE path, so
	// the id is always read back.
	var id int64
	row := s.db.QueryRowContext(ctx,
		"SELECT id FROM entities WHERE name = ? AND type = ?", name, entityType)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertRelationship inserts or updates a relationship, deduplicated by
// (source, target, type). The given weight replaces the stored one; a
// non-positive weight is stored as 1.0.
func (s *Store) UpsertRelationship(ctx context.Context, srcID, tgtID int64, relType, description string, weight float64) (int64, error) {
	if weight <= 0 {
		weight = 1.0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relationships (source_entity_id, target_entity_id, type, description, weight)
		VALUES (?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(source_entity_id, target_entity_id, type) DO UPDATE SET
			description = COALESCE(NULLIF(excluded.description, ''), relationships.description),
			weight = excluded.weight
	`, srcID, tgtID, relType, description, weight)
	if err != nil {
		return 0, err
	}

	var id int64
	row := s.db.QueryRowContext(ctx, `
		SELECT id FROM relationships
		WHERE source_entity_id = ? AND target_entity_id = ? AND type = ?`,
		srcID, tgtID, relType)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertEntityMention links an entity to a chunk. Duplicate
// (entity, chunk) pairs are ignored.
func (s *Store) InsertEntityMention(ctx context.Context, entityID, chunkID int64, surface string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO entity_mentions (entity_id, chunk_id, mention_text, confidence)
		VALUES (?, ?, NULLIF(?, ''), ?)
	`, entityID, chunkID, surface, confidence)
	return err
}

// InsertRelationshipMention links a relationship to a chunk. Duplicate
// (relationship, chunk) pairs are ignored.
func (s *Store) InsertRelationshipMention(ctx context.Context, relID, chunkID int64, contextText string, confidence float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO relationship_mentions (relationship_id, chunk_id, context, confidence)
		VALUES (?, ?, NULLIF(?, ''), ?)
	`, relID, chunkID, contextText, confidence)
	return err
}

// --- Graph queries ---

// EntitiesOfChunk returns the entities mentioned by a chunk.
func (s *Store) EntitiesOfChunk(ctx context.Context, chunkID int64) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.type, COALESCE(e.description, ''), e.created_at
		FROM entities e JOIN entity_mentions em ON em.entity_id = e.id
		WHERE em.chunk_id = ?
		ORDER BY e.name
	`, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

// MentionedChunkIDs returns the set of a document's chunk ids that already
// have at least one entity mention. The graph builder skips these.
func (s *Store) MentionedChunkIDs(ctx context.Context, docID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT em.chunk_id
		FROM entity_mentions em JOIN chunks c ON c.id = em.chunk_id
		WHERE c.document_id = ?
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mentioned := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		mentioned[id] = true
	}
	return mentioned, rows.Err()
}

// ChunksOfEntities returns chunks mentioning any of the given entities,
// annotated with the matched entity names/types, grouped by chunk and
// ordered by descending distinct-entity count, then ordinal index.
func (s *Store) ChunksOfEntities(ctx context.Context, entityIDs []int64, limit int) ([]GraphChunk, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT c.id, c.document_id, c.chunk_index, COALESCE(c.page, 0), c.content, d.source,
			GROUP_CONCAT(DISTINCT e.name), GROUP_CONCAT(DISTINCT e.type),
			COUNT(DISTINCT em.entity_id)
		FROM entity_mentions em
		JOIN chunks c ON c.id = em.chunk_id
		JOIN documents d ON d.id = c.document_id
		JOIN entities e ON e.id = em.entity_id
		WHERE em.entity_id IN (?` + repeatPlaceholders(len(entityIDs)-1) + `)
		GROUP BY c.id
		ORDER BY COUNT(DISTINCT em.entity_id) DESC, c.chunk_index ASC
		LIMIT ?`

	args := make([]interface{}, 0, len(entityIDs)+1)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GraphChunk
	for rows.Next() {
		var g GraphChunk
		var names, types sql.NullString
		if err := rows.Scan(&g.Chunk.ID, &g.Chunk.DocumentID, &g.Chunk.Index,
			&g.Chunk.Page, &g.Chunk.Content, &g.Source,
			&names, &types, &g.EntityCount); err != nil {
			return nil, err
		}
		if names.String != "" {
			g.EntityNames = strings.Split(names.String, ",")
		}
		if types.String != "" {
			g.EntityTypes = strings.Split(types.String, ",")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// RelatedEntities performs a 1-hop expansion from the seed entities via the
// relationships table, in either direction, excluding the seeds themselves.
// Each neighbor is scored stored weight x type weight; when several
// relationships connect a neighbor, the best score wins.
func (s *Store) RelatedEntities(ctx context.Context, seedIDs []int64, typeWeights map[string]float64, max int) ([]ScoredEntity, error) {
	if len(seedIDs) == 0 {
		return nil, nil
	}

	ph := "?" + repeatPlaceholders(len(seedIDs)-1)
	query := `
		SELECT e.id, e.name, e.type, COALESCE(e.description, ''), e.created_at,
			r.type, r.weight
		FROM entities e
		JOIN relationships r ON (e.id = r.target_entity_id OR e.id = r.source_entity_id)
		WHERE (r.source_entity_id IN (` + ph + `) OR r.target_entity_id IN (` + ph + `))
		  AND e.id NOT IN (` + ph + `)`

	args := make([]interface{}, 0, len(seedIDs)*3)
	for i := 0; i < 3; i++ {
		for _, id := range seedIDs {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	best := make(map[int64]*ScoredEntity)
	for rows.Next() {
		var e Entity
		var relType string
		var weight float64
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.CreatedAt,
			&relType, &weight); err != nil {
			return nil, err
		}

		tw, ok := typeWeights[relType]
		if !ok {
			tw = 1.0
		}
		score := weight * tw

		if cur, ok := best[e.ID]; !ok || score > cur.Score {
			best[e.ID] = &ScoredEntity{Entity: e, Score: score}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ScoredEntity, 0, len(best))
	for _, se := range best {
		out = append(out, *se)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

// KeywordEntitySearch finds entities whose name contains the query or any of
// its tokens as a substring, ranked by mention count plus a log-scaled
// popularity bonus.
func (s *Store) KeywordEntitySearch(ctx context.Context, query string, limit int) ([]ScoredEntity, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	var conditions []string
	var args []interface{}
	for _, t := range tokens {
		conditions = append(conditions, "instr(lower(e.name), ?) > 0")
		args = append(args, t)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.type, COALESCE(e.description, ''), e.created_at,
			COUNT(em.id) AS mentions
		FROM entities e LEFT JOIN entity_mentions em ON em.entity_id = e.id
		WHERE `+strings.Join(conditions, " OR ")+`
		GROUP BY e.id
		ORDER BY mentions DESC, e.id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredEntity
	for rows.Next() {
		var e Entity
		var mentions int
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.CreatedAt, &mentions); err != nil {
			return nil, err
		}
		out = append(out, ScoredEntity{
			Entity: e,
			Score:  float64(mentions) + math.Log1p(float64(mentions)),
		})
	}
	return out, rows.Err()
}

// EntityByID retrieves a single entity.
func (s *Store) EntityByID(ctx context.Context, id int64) (*Entity, error) {
	e := &Entity{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, COALESCE(description, ''), created_at
		FROM entities WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CleanupOrphans deletes entities with no remaining mentions, then
// relationships with no remaining mentions. Entity deletion cascades to the
// relationships that reference it, so the second pass only removes
// relationships whose endpoints survived. Returns the ids of the deleted
// entities so callers can drop their vectors from the entity index.
func (s *Store) CleanupOrphans(ctx context.Context) ([]int64, error) {
	var orphanIDs []int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		orphanIDs = orphanIDs[:0]

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM entities WHERE id NOT IN (
				SELECT DISTINCT entity_id FROM entity_mentions
			)`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			orphanIDs = append(orphanIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM entities WHERE id NOT IN (
				SELECT DISTINCT entity_id FROM entity_mentions
			)`); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM relationships WHERE id NOT IN (
				SELECT DISTINCT relationship_id FROM relationship_mentions
			)`)
		return err
	})
	if err != nil {
		return nil, err
	}
	return orphanIDs, nil
}

// --- Entity embedding bookkeeping ---

// UpsertEntityEmbedding records that an entity has a vector for the given
// model in the entity index.
func (s *Store) UpsertEntityEmbedding(ctx context.Context, entityID int64, model string, dimension int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_embeddings (entity_id, embedding_model, dimension)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id, embedding_model) DO UPDATE SET dimension = excluded.dimension
	`, entityID, model, dimension)
	return err
}

// EntitiesNeedingEmbedding returns entities without an embedding row for
// the given model.
func (s *Store) EntitiesNeedingEmbedding(ctx context.Context, model string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.name, e.type, COALESCE(e.description, ''), e.created_at
		FROM entities e
		WHERE NOT EXISTS (
			SELECT 1 FROM entity_embeddings ee
			WHERE ee.entity_id = e.id AND ee.embedding_model = ?
		)
		ORDER BY e.id
	`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntities(rows)
}

// DeleteEntityEmbeddings removes all entity embedding bookkeeping. Part of
// the governor's model-switch cascade.
func (s *Store) DeleteEntityEmbeddings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entity_embeddings")
	return err
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var entities []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
