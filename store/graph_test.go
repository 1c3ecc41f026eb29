//go:build cgo

package store

import (
	"context"
	"testing"
)

// seedGraph inserts two chunks, two entities with mentions, and one
// relationship. Returns the chunk ids and entity ids.
func seedGraph(t *testing.T, s *Store) (chunkIDs []int64, korsgaardID, kantID int64) {
	t.Helper()
	ctx := context.Background()

	_, _, _, chunkIDs, err := s.ReplaceDocumentChunks(ctx, "/phil.txt", "m", testChunks(
		"Kant proposed the categorical imperative.",
		"Korsgaard revisits Kantian constructivism.",
	))
	if err != nil {
		t.Fatalf("seeding chunks: %v", err)
	}

	kantID, err = s.UpsertEntity(ctx, "Kant", "PERSON", "German philosopher")
	if err != nil {
		t.Fatalf("upsert kant: %v", err)
	}
	korsgaardID, err = s.UpsertEntity(ctx, "Korsgaard", "PERSON", "American philosopher")
	if err != nil {
		t.Fatalf("upsert korsgaard: %v", err)
	}

	if err := s.InsertEntityMention(ctx, kantID, chunkIDs[0], "Kant", 0.95); err != nil {
		t.Fatalf("mention kant: %v", err)
	}
	if err := s.InsertEntityMention(ctx, korsgaardID, chunkIDs[1], "Korsgaard", 0.9); err != nil {
		t.Fatalf("mention korsgaard: %v", err)
	}

	relID, err := s.UpsertRelationship(ctx, korsgaardID, kantID, "STUDIES", "Korsgaard studies Kant", 0.9)
	if err != nil {
		t.Fatalf("upsert relationship: %v", err)
	}
	if err := s.InsertRelationshipMention(ctx, relID, chunkIDs[1], "revisits", 0.9); err != nil {
		t.Fatalf("relationship mention: %v", err)
	}

	return chunkIDs, korsgaardID, kantID
}

func TestUpsertEntityDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertEntity(ctx, "Kant", "PERSON", "")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	id2, err := s.UpsertEntity(ctx, "Kant", "PERSON", "German philosopher")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate entity got new id: %d vs %d", id1, id2)
	}

	e, err := s.EntityByID(ctx, id1)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if e.Description != "German philosopher" {
		t.Errorf("description not updated: %q", e.Description)
	}

	// Empty description never clobbers an existing one.
	if _, err := s.UpsertEntity(ctx, "Kant", "PERSON", ""); err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	e, _ = s.EntityByID(ctx, id1)
	if e.Description != "German philosopher" {
		t.Errorf("description clobbered by empty upsert: %q", e.Description)
	}

	// Same name under a different type is a distinct entity.
	id3, err := s.UpsertEntity(ctx, "Kant", "TOPIC", "")
	if err != nil {
		t.Fatalf("typed upsert: %v", err)
	}
	if id3 == id1 {
		t.Error("entity not keyed by (name, type)")
	}
}

func TestUpsertRelationshipDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.UpsertEntity(ctx, "A", "PAPER", "")
	b, _ := s.UpsertEntity(ctx, "B", "PAPER", "")

	id1, err := s.UpsertRelationship(ctx, a, b, "CITES", "", 0.5)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	id2, err := s.UpsertRelationship(ctx, a, b, "CITES", "A cites B", 0.8)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("duplicate relationship got new id: %d vs %d", id1, id2)
	}

	id3, err := s.UpsertRelationship(ctx, a, b, "EXTENDS", "", 1.0)
	if err != nil {
		t.Fatalf("typed upsert: %v", err)
	}
	if id3 == id1 {
		t.Error("relationship not keyed by (source, target, type)")
	}
}

func TestEntityMentionUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chunkIDs, korsgaardID, _ := seedGraph(t, s)

	// Duplicate (entity, chunk) is ignored, not an error.
	if err := s.InsertEntityMention(ctx, korsgaardID, chunkIDs[1], "Korsgaard", 0.5); err != nil {
		t.Fatalf("duplicate mention: %v", err)
	}

	stats, _ := s.DBStats(ctx)
	if stats.EntityMentions != 2 {
		t.Errorf("mention count = %d, want 2", stats.EntityMentions)
	}
}

func TestEntitiesOfChunk(t *testing.T) {
	s := newTestStore(t)
	chunkIDs, _, kantID := seedGraph(t, s)

	entities, err := s.EntitiesOfChunk(context.Background(), chunkIDs[0])
	if err != nil {
		t.Fatalf("entities of chunk: %v", err)
	}
	if len(entities) != 1 || entities[0].ID != kantID {
		t.Fatalf("unexpected entities: %+v", entities)
	}
}

func TestChunksOfEntitiesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chunkIDs, korsgaardID, kantID := seedGraph(t, s)

	// Chunk 1 now mentions both entities; it must outrank chunk 0.
	if err := s.InsertEntityMention(ctx, kantID, chunkIDs[1], "Kantian", 0.8); err != nil {
		t.Fatalf("extra mention: %v", err)
	}

	chunks, err := s.ChunksOfEntities(ctx, []int64{korsgaardID, kantID}, 10)
	if err != nil {
		t.Fatalf("chunks of entities: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Chunk.ID != chunkIDs[1] || chunks[0].EntityCount != 2 {
		t.Errorf("top chunk = %d count %d, want %d count 2",
			chunks[0].Chunk.ID, chunks[0].EntityCount, chunkIDs[1])
	}
	if len(chunks[0].EntityNames) != 2 {
		t.Errorf("entity annotation missing: %v", chunks[0].EntityNames)
	}
}

func TestRelatedEntitiesTypeWeighting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed, _ := s.UpsertEntity(ctx, "seed paper", "PAPER", "")
	cited, _ := s.UpsertEntity(ctx, "cited paper", "PAPER", "")
	affiliate, _ := s.UpsertEntity(ctx, "some org", "ORGANIZATION", "")

	// Same stored weight; CITES (2.0) must outrank AFFILIATED_WITH (0.7).
	if _, err := s.UpsertRelationship(ctx, seed, cited, "CITES", "", 1.0); err != nil {
		t.Fatalf("cites: %v", err)
	}
	if _, err := s.UpsertRelationship(ctx, seed, affiliate, "AFFILIATED_WITH", "", 1.0); err != nil {
		t.Fatalf("affiliated: %v", err)
	}

	weights := map[string]float64{"CITES": 2.0, "AFFILIATED_WITH": 0.7}
	neighbors, err := s.RelatedEntities(ctx, []int64{seed}, weights, 10)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(neighbors))
	}
	if neighbors[0].Entity.ID != cited {
		t.Errorf("top neighbor = %d, want cited paper %d", neighbors[0].Entity.ID, cited)
	}
	if neighbors[0].Score != 2.0 || neighbors[1].Score != 0.7 {
		t.Errorf("scores = %v, %v; want 2.0, 0.7", neighbors[0].Score, neighbors[1].Score)
	}

	// Seeds are never their own neighbors.
	for _, n := range neighbors {
		if n.Entity.ID == seed {
			t.Error("seed returned as neighbor")
		}
	}
}

func TestRelatedEntitiesEitherDirection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, korsgaardID, kantID := seedGraph(t, s)

	// Kant is the relationship target; expanding from Kant must still
	// surface Korsgaard.
	neighbors, err := s.RelatedEntities(ctx, []int64{kantID}, nil, 10)
	if err != nil {
		t.Fatalf("related: %v", err)
	}
	if len(neighbors) != 1 || neighbors[0].Entity.ID != korsgaardID {
		t.Fatalf("unexpected neighbors: %+v", neighbors)
	}
}

func TestKeywordEntitySearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGraph(t, s)

	entities, err := s.KeywordEntitySearch(ctx, "korsgaard", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(entities) != 1 || entities[0].Entity.Name != "Korsgaard" {
		t.Fatalf("unexpected entities: %+v", entities)
	}
	if entities[0].Score <= 0 {
		t.Errorf("mentioned entity has score %v", entities[0].Score)
	}
}

func TestCleanupOrphans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, korsgaardID, kantID := seedGraph(t, s)

	// Deleting the document removes all mentions by cascade.
	if _, err := s.DeleteDocument(ctx, "/phil.txt", "m"); err != nil {
		t.Fatalf("delete document: %v", err)
	}

	orphans, err := s.CleanupOrphans(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphaned entities, got %d", len(orphans))
	}
	got := map[int64]bool{orphans[0]: true, orphans[1]: true}
	if !got[korsgaardID] || !got[kantID] {
		t.Errorf("orphan ids = %v, want both %d and %d", orphans, korsgaardID, kantID)
	}

	stats, _ := s.DBStats(ctx)
	if stats.Entities != 0 || stats.Relationships != 0 {
		t.Errorf("graph not orphan-free after cleanup: %+v", stats)
	}

	// Idempotent.
	orphans, err = s.CleanupOrphans(ctx)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if len(orphans) != 0 {
		t.Errorf("second cleanup found %d orphans", len(orphans))
	}
}

func TestCleanupOrphansKeepsMentioned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedGraph(t, s)

	orphans, err := s.CleanupOrphans(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("mentioned entities deleted: %v", orphans)
	}

	stats, _ := s.DBStats(ctx)
	if stats.Entities != 2 || stats.Relationships != 1 {
		t.Errorf("graph shrank: %+v", stats)
	}
}

func TestEntitiesNeedingEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, korsgaardID, kantID := seedGraph(t, s)

	need, err := s.EntitiesNeedingEmbedding(ctx, "m")
	if err != nil {
		t.Fatalf("needing: %v", err)
	}
	if len(need) != 2 {
		t.Fatalf("expected 2 entities needing vectors, got %d", len(need))
	}

	if err := s.UpsertEntityEmbedding(ctx, kantID, "m", 4); err != nil {
		t.Fatalf("record embedding: %v", err)
	}

	need, err = s.EntitiesNeedingEmbedding(ctx, "m")
	if err != nil {
		t.Fatalf("needing after record: %v", err)
	}
	if len(need) != 1 || need[0].ID != korsgaardID {
		t.Fatalf("unexpected remaining: %+v", need)
	}

	// A different model needs everything again.
	need, err = s.EntitiesNeedingEmbedding(ctx, "other")
	if err != nil {
		t.Fatalf("needing other model: %v", err)
	}
	if len(need) != 2 {
		t.Errorf("other model: expected 2, got %d", len(need))
	}
}

func TestMentionedChunkIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	chunkIDs, _, _ := seedGraph(t, s)

	doc, err := s.DocumentBySource(ctx, "/phil.txt", "m")
	if err != nil {
		t.Fatalf("get doc: %v", err)
	}

	mentioned, err := s.MentionedChunkIDs(ctx, doc.ID)
	if err != nil {
		t.Fatalf("mentioned: %v", err)
	}
	if len(mentioned) != 2 || !mentioned[chunkIDs[0]] || !mentioned[chunkIDs[1]] {
		t.Fatalf("unexpected mentioned set: %v", mentioned)
	}
}
