package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/davshen/ragcore/llm"
)

// ErrParse is returned when extraction output cannot be coerced into valid
// JSON after repairs. Callers skip the chunk and continue.
var ErrParse = errors.New("graph: extraction output unparseable")

// extractionPrompt asks the model for entities and relationships in one
// shot. The ontology is spelled out with examples because small local
// models drift without them.
const extractionPrompt = `You are an entity and relationship extraction engine for academic and research documents.
Given the following text chunk, extract all entities and the relationships between them.

ENTITY TYPES (use exactly these values):
- PERSON          : a named individual (author, researcher, philosopher)
- TOPIC           : a field or subject of study
- RESEARCH_METHOD : a named method, technique, or procedure
- PAPER           : a titled paper, book, or publication
- CONCEPT         : an abstract idea, theory, or principle
- ORGANIZATION    : a university, company, institute, or body
- DATASET         : a named dataset or corpus

RELATIONSHIP TYPES (use exactly these values):
AUTHORED (person wrote paper), AFFILIATED_WITH (person belongs to organization),
CITES (paper cites paper), ABOUT (paper is about topic/concept),
STUDIES (person/paper studies topic/concept/person), USES_METHOD, USES_DATASET,
BASED_ON, EXTENDS, CONTRADICTS, PROPOSES (person/paper proposes concept/method),
RELATED_TO (anything else).

Return a JSON object with exactly two keys:
  "entities"      : array of {"name": string, "type": string, "description": string, "confidence": number}
  "relationships" : array of {"source": string, "target": string, "type": string, "description": string, "weight": number, "confidence": number}

Rules:
- Source and target of every relationship must be names from your entities array.
- Weight and confidence are floats between 0.0 and 1.0.
- Only include items clearly supported by the text.
- If there are none, return empty arrays.
- Do NOT include any text outside the JSON object.

EXAMPLE:

Input: "Korsgaard's The Sources of Normativity revisits Kant's categorical imperative."
Output:
{"entities": [{"name": "Korsgaard", "type": "PERSON", "description": "Philosopher", "confidence": 0.95}, {"name": "The Sources of Normativity", "type": "PAPER", "description": "Book by Korsgaard", "confidence": 0.9}, {"name": "Kant", "type": "PERSON", "description": "Philosopher", "confidence": 0.95}, {"name": "categorical imperative", "type": "CONCEPT", "description": "Kant's central moral principle", "confidence": 0.9}], "relationships": [{"source": "Korsgaard", "target": "The Sources of Normativity", "type": "AUTHORED", "description": "Korsgaard wrote the book", "weight": 0.95, "confidence": 0.95}, {"source": "Korsgaard", "target": "Kant", "type": "STUDIES", "description": "Korsgaard revisits Kant's work", "weight": 0.9, "confidence": 0.9}]}

TEXT:
%s`

// ExtractedEntity is one entity from the extraction output.
type ExtractedEntity struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`

	// Surface is the raw extracted name before normalization.
	Surface string `json:"-"`
}

// ExtractedRelationship is one relationship from the extraction output.
type ExtractedRelationship struct {
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
	Confidence  float64 `json:"confidence"`
}

// ExtractionResult is the validated output for one chunk.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// Extractor turns one chunk's text into a normalized extraction result by
// calling the generation service with a fixed prompt.
type Extractor struct {
	gen   llm.Generator
	model string
}

// NewExtractor creates an extractor that uses the given generation model.
func NewExtractor(gen llm.Generator, model string) *Extractor {
	return &Extractor{gen: gen, model: model}
}

// Extract runs the model on one chunk and validates the output against the
// ontology. Invalid items are dropped silently; unparseable output returns
// ErrParse so the caller can skip the chunk.
func (x *Extractor) Extract(ctx context.Context, text string) (*ExtractionResult, error) {
	resp, err := x.gen.Generate(ctx, llm.GenerateRequest{
		Model:       x.model,
		Prompt:      fmt.Sprintf(extractionPrompt, text),
		Temperature: 0.1,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction generate: %w", err)
	}

	raw := strings.TrimSpace(resp.Response)
	if raw == "" && resp.Reasoning != "" {
		raw = strings.TrimSpace(resp.Reasoning)
	}

	var result ExtractionResult
	if err := decodeExtraction(raw, &result); err != nil {
		return nil, err
	}

	return validate(&result), nil
}

// codeBlockRe strips markdown code fences from model output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// decodeExtraction coerces raw model output into the result shape: fences
// stripped, the outermost object sliced out, a normal parse attempted, and
// on failure a repair pass (single quotes, trailing commas, bare property
// names) before parsing again.
func decodeExtraction(raw string, out *ExtractionResult) error {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object in output", ErrParse)
	}
	raw = raw[start : end+1]

	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("%w: repair failed: %v", ErrParse, err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// validate projects a parsed result onto the ontology: entities need a name
// and a known type; relationships need a known type, endpoints present in
// the entity list, and a permitted type pair. Invalid items are dropped.
func validate(in *ExtractionResult) *ExtractionResult {
	out := &ExtractionResult{}
	typeByName := make(map[string]string)

	for _, e := range in.Entities {
		surface := strings.TrimSpace(e.Name)
		name := normalizeName(surface)
		eType := strings.ToUpper(strings.TrimSpace(e.Type))
		if name == "" || !EntityTypes[eType] {
			slog.Debug("graph: dropping invalid entity", "name", e.Name, "type", e.Type)
			continue
		}
		if _, dup := typeByName[strings.ToLower(name)]; dup {
			continue
		}
		typeByName[strings.ToLower(name)] = eType
		out.Entities = append(out.Entities, ExtractedEntity{
			Name:        name,
			Type:        eType,
			Description: strings.TrimSpace(e.Description),
			Confidence:  clamp01(e.Confidence),
			Surface:     surface,
		})
	}

	for _, r := range in.Relationships {
		src := normalizeName(r.Source)
		tgt := normalizeName(r.Target)
		relType := strings.ToUpper(strings.TrimSpace(r.Type))

		srcType, srcOK := typeByName[strings.ToLower(src)]
		tgtType, tgtOK := typeByName[strings.ToLower(tgt)]
		if !srcOK || !tgtOK || src == tgt {
			continue
		}
		if !validPair(relType, srcType, tgtType) {
			slog.Debug("graph: dropping relationship failing ontology check",
				"source", src, "target", tgt, "type", relType)
			continue
		}

		weight := clamp01(r.Weight)
		if weight == 0 {
			weight = 1.0
		}
		out.Relationships = append(out.Relationships, ExtractedRelationship{
			Source:      src,
			Target:      tgt,
			Type:        relType,
			Description: strings.TrimSpace(r.Description),
			Weight:      weight,
			Confidence:  clamp01(r.Confidence),
		})
	}

	return out
}

// normalizeName collapses internal whitespace and trims the name; case is
// preserved so annotations read naturally.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
