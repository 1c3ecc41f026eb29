package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/davshen/ragcore/llm"
)

// fakeGen returns a canned generation response.
type fakeGen struct {
	response  string
	reasoning string
	err       error
	lastReq   llm.GenerateRequest
}

func (f *fakeGen) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.GenerateResponse{Response: f.response, Reasoning: f.reasoning}, nil
}

const validExtraction = `{
	"entities": [
		{"name": "Kant", "type": "PERSON", "description": "Philosopher", "confidence": 0.95},
		{"name": "categorical imperative", "type": "CONCEPT", "description": "Moral principle", "confidence": 0.9}
	],
	"relationships": [
		{"source": "Kant", "target": "categorical imperative", "type": "PROPOSES", "description": "Kant proposed it", "weight": 0.9, "confidence": 0.9}
	]
}`

func TestExtractCleanJSON(t *testing.T) {
	gen := &fakeGen{response: validExtraction}
	x := NewExtractor(gen, "llama3.1:8b")

	result, err := x.Extract(context.Background(), "Kant proposed the categorical imperative.")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(result.Entities))
	}
	if len(result.Relationships) != 1 {
		t.Fatalf("relationships = %d, want 1", len(result.Relationships))
	}
	if result.Relationships[0].Type != "PROPOSES" {
		t.Errorf("relationship type = %q", result.Relationships[0].Type)
	}

	if gen.lastReq.Model != "llama3.1:8b" {
		t.Errorf("request model = %q", gen.lastReq.Model)
	}
	if gen.lastReq.Temperature != 0.1 {
		t.Errorf("request temperature = %v, want 0.1", gen.lastReq.Temperature)
	}
	if !gen.lastReq.JSONMode {
		t.Error("request not in JSON mode")
	}
}

func TestExtractStripsCodeFences(t *testing.T) {
	gen := &fakeGen{response: "Here is the result:\n```json\n" + validExtraction + "\n```\nDone."}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Entities) != 2 {
		t.Errorf("entities = %d, want 2", len(result.Entities))
	}
}

func TestExtractSlicesSurroundingProse(t *testing.T) {
	gen := &fakeGen{response: "Sure! " + validExtraction + " Hope that helps."}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Entities) != 2 {
		t.Errorf("entities = %d, want 2", len(result.Entities))
	}
}

func TestExtractRepairsMalformedJSON(t *testing.T) {
	// Single quotes, bare property names, trailing comma.
	gen := &fakeGen{response: `{entities: [{'name': 'Kant', 'type': 'PERSON', 'description': '', 'confidence': 0.9},], relationships: []}`}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract with repair: %v", err)
	}
	if len(result.Entities) != 1 || result.Entities[0].Name != "Kant" {
		t.Fatalf("unexpected entities: %+v", result.Entities)
	}
}

func TestExtractUnparseableOutput(t *testing.T) {
	gen := &fakeGen{response: "I could not find any entities in this text."}
	x := NewExtractor(gen, "m")

	_, err := x.Extract(context.Background(), "text")
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestExtractFallsBackToReasoning(t *testing.T) {
	gen := &fakeGen{response: "", reasoning: "Thinking about it... " + validExtraction}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract from reasoning: %v", err)
	}
	if len(result.Entities) != 2 {
		t.Errorf("entities = %d, want 2", len(result.Entities))
	}
}

func TestValidateDropsUnknownEntityType(t *testing.T) {
	gen := &fakeGen{response: `{
		"entities": [
			{"name": "Kant", "type": "PHILOSOPHER", "description": "", "confidence": 0.9},
			{"name": "Kant", "type": "PERSON", "description": "", "confidence": 0.9}
		],
		"relationships": []
	}`}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Entities) != 1 || result.Entities[0].Type != EntityPerson {
		t.Fatalf("unexpected entities: %+v", result.Entities)
	}
}

func TestValidateDropsRelationshipWithMissingEndpoint(t *testing.T) {
	gen := &fakeGen{response: `{
		"entities": [{"name": "Kant", "type": "PERSON", "description": "", "confidence": 0.9}],
		"relationships": [{"source": "Kant", "target": "Hegel", "type": "STUDIES", "description": "", "weight": 0.8, "confidence": 0.8}]
	}`}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Relationships) != 0 {
		t.Fatalf("relationship with unknown endpoint survived: %+v", result.Relationships)
	}
}

func TestValidateEnforcesTypePairs(t *testing.T) {
	// AUTHORED is PERSON -> PAPER; a paper cannot author a person.
	gen := &fakeGen{response: `{
		"entities": [
			{"name": "Some Paper", "type": "PAPER", "description": "", "confidence": 0.9},
			{"name": "Kant", "type": "PERSON", "description": "", "confidence": 0.9}
		],
		"relationships": [
			{"source": "Some Paper", "target": "Kant", "type": "AUTHORED", "description": "", "weight": 0.8, "confidence": 0.8},
			{"source": "Kant", "target": "Some Paper", "type": "AUTHORED", "description": "", "weight": 0.8, "confidence": 0.8}
		]
	}`}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Relationships) != 1 {
		t.Fatalf("relationships = %d, want 1", len(result.Relationships))
	}
	if result.Relationships[0].Source != "Kant" {
		t.Errorf("wrong direction survived: %+v", result.Relationships[0])
	}
}

func TestValidateRelatedToPermitsAnyPair(t *testing.T) {
	gen := &fakeGen{response: `{
		"entities": [
			{"name": "ImageNet", "type": "DATASET", "description": "", "confidence": 0.9},
			{"name": "MIT", "type": "ORGANIZATION", "description": "", "confidence": 0.9}
		],
		"relationships": [
			{"source": "ImageNet", "target": "MIT", "type": "RELATED_TO", "description": "", "weight": 0.5, "confidence": 0.5}
		]
	}`}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(result.Relationships) != 1 {
		t.Fatalf("RELATED_TO dropped: %+v", result.Relationships)
	}
}

func TestValidateNormalizesNamesAndDefaults(t *testing.T) {
	gen := &fakeGen{response: `{
		"entities": [
			{"name": "  Immanuel   Kant ", "type": "person", "description": "", "confidence": 2.5},
			{"name": "ethics", "type": "TOPIC", "description": "", "confidence": 0.9}
		],
		"relationships": [
			{"source": "Immanuel Kant", "target": "ethics", "type": "studies", "description": "", "weight": 0, "confidence": 0.9}
		]
	}`}
	x := NewExtractor(gen, "m")

	result, err := x.Extract(context.Background(), "text")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if result.Entities[0].Name != "Immanuel Kant" {
		t.Errorf("name not normalized: %q", result.Entities[0].Name)
	}
	if result.Entities[0].Confidence != 1 {
		t.Errorf("confidence not clamped: %v", result.Entities[0].Confidence)
	}
	if len(result.Relationships) != 1 {
		t.Fatalf("lowercased relationship type dropped: %+v", result.Relationships)
	}
	if result.Relationships[0].Weight != 1.0 {
		t.Errorf("zero weight not defaulted: %v", result.Relationships[0].Weight)
	}
}

func TestTypeWeightDefaults(t *testing.T) {
	if TypeWeight(RelCites) != 2.0 {
		t.Errorf("CITES weight = %v", TypeWeight(RelCites))
	}
	if TypeWeight("MADE_UP") != 1.0 {
		t.Errorf("unknown type weight = %v, want 1.0", TypeWeight("MADE_UP"))
	}
}
