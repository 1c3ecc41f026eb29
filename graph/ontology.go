package graph

// Entity type constants. The ontology is closed: extraction output using
// any other type is dropped.
const (
	EntityPerson  = "PERSON"
	EntityTopic   = "TOPIC"
	EntityMethod  = "RESEARCH_METHOD"
	EntityPaper   = "PAPER"
	EntityConcept = "CONCEPT"
	EntityOrg     = "ORGANIZATION"
	EntityDataset = "DATASET"
)

// Relationship type constants.
const (
	RelAuthored       = "AUTHORED"
	RelAffiliatedWith = "AFFILIATED_WITH"
	RelCites          = "CITES"
	RelAbout          = "ABOUT"
	RelStudies        = "STUDIES"
	RelUsesMethod     = "USES_METHOD"
	RelUsesDataset    = "USES_DATASET"
	RelBasedOn        = "BASED_ON"
	RelExtends        = "EXTENDS"
	RelContradicts    = "CONTRADICTS"
	RelProposes       = "PROPOSES"
	RelRelatedTo      = "RELATED_TO"
)

// EntityTypes is the closed set of valid entity types.
var EntityTypes = map[string]bool{
	EntityPerson:  true,
	EntityTopic:   true,
	EntityMethod:  true,
	EntityPaper:   true,
	EntityConcept: true,
	EntityOrg:     true,
	EntityDataset: true,
}

// typePair is the permitted (source-type-set, target-type-set) for a
// relationship type. Nil sets permit any type.
type typePair struct {
	sources map[string]bool
	targets map[string]bool
}

func typeSet(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// relationshipPairs fixes the allowed endpoint types per relationship type.
// RELATED_TO permits any combination.
var relationshipPairs = map[string]typePair{
	RelAuthored:       {typeSet(EntityPerson), typeSet(EntityPaper)},
	RelAffiliatedWith: {typeSet(EntityPerson), typeSet(EntityOrg)},
	RelCites:          {typeSet(EntityPaper, EntityPerson), typeSet(EntityPaper)},
	RelAbout:          {typeSet(EntityPaper, EntityDataset), typeSet(EntityTopic, EntityConcept, EntityPerson)},
	RelStudies:        {typeSet(EntityPerson, EntityPaper, EntityOrg), typeSet(EntityTopic, EntityConcept, EntityPerson, EntityPaper, EntityDataset)},
	RelUsesMethod:     {typeSet(EntityPaper, EntityPerson, EntityOrg), typeSet(EntityMethod)},
	RelUsesDataset:    {typeSet(EntityPaper, EntityPerson, EntityOrg), typeSet(EntityDataset)},
	RelBasedOn:        {typeSet(EntityPaper, EntityConcept, EntityMethod), typeSet(EntityPaper, EntityConcept, EntityMethod)},
	RelExtends:        {typeSet(EntityPaper, EntityConcept, EntityMethod), typeSet(EntityPaper, EntityConcept, EntityMethod)},
	RelContradicts:    {typeSet(EntityPaper, EntityConcept, EntityPerson), typeSet(EntityPaper, EntityConcept, EntityPerson)},
	RelProposes:       {typeSet(EntityPerson, EntityPaper, EntityOrg), typeSet(EntityConcept, EntityMethod, EntityTopic)},
	RelRelatedTo:      {nil, nil},
}

// TypeWeights rank relationship types for graph scoring. Neighbor score is
// stored weight x type weight; unknown types default to 1.0.
var TypeWeights = map[string]float64{
	RelCites:          2.0,
	RelAuthored:       1.8,
	RelProposes:       1.5,
	RelExtends:        1.3,
	RelBasedOn:        1.3,
	RelUsesMethod:     1.2,
	RelUsesDataset:    1.2,
	RelStudies:        1.1,
	RelAbout:          1.1,
	RelContradicts:    1.0,
	RelRelatedTo:      0.8,
	RelAffiliatedWith: 0.7,
}

// TypeWeight returns the ranking weight for a relationship type.
func TypeWeight(relType string) float64 {
	if w, ok := TypeWeights[relType]; ok {
		return w
	}
	return 1.0
}

// validPair reports whether srcType and tgtType are permitted endpoints for
// relType. Unknown relationship types are invalid.
func validPair(relType, srcType, tgtType string) bool {
	pair, ok := relationshipPairs[relType]
	if !ok {
		return false
	}
	if pair.sources != nil && !pair.sources[srcType] {
		return false
	}
	if pair.targets != nil && !pair.targets[tgtType] {
		return false
	}
	return true
}
