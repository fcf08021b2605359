package extract

// Categories is the closed set of event categories the relational schema
// accepts. An event naming any other category is dropped, not the whole
// extraction run.
var Categories = map[string]bool{
	"Commitment":    true,
	"Execution":     true,
	"Decision":      true,
	"Collaboration": true,
	"QualityRisk":   true,
	"Feedback":      true,
	"Change":        true,
	"Stakeholder":   true,
}

func categoryList() []any {
	out := make([]any, 0, len(Categories))
	for _, c := range []string{"Commitment", "Execution", "Decision", "Collaboration", "QualityRisk", "Feedback", "Change", "Stakeholder"} {
		out = append(out, c)
	}
	return out
}

const phaseAToolName = "record_events"

// phaseASchema describes one chunk's worth of raw event candidates, with
// evidence offsets still relative to the chunk text the model was shown.
var phaseASchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"events": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category":    map[string]any{"type": "string", "enum": categoryList()},
					"narrative":   map[string]any{"type": "string"},
					"event_time":  map[string]any{"type": "string", "description": "ISO-8601 timestamp if stated or clearly implied, else omitted"},
					"confidence":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"subject":     mentionSchema(),
					"actors": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"mention": mentionSchema(),
								"role":    map[string]any{"type": "string"},
							},
							"required": []any{"mention"},
						},
					},
					"evidence": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"quote":      map[string]any{"type": "string"},
								"start_char": map[string]any{"type": "integer"},
								"end_char":   map[string]any{"type": "integer"},
							},
							"required": []any{"quote", "start_char", "end_char"},
						},
					},
				},
				"required": []any{"category", "narrative", "confidence", "evidence"},
			},
		},
	},
	"required": []any{"events"},
}

func mentionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":         map[string]any{"type": "string"},
			"type":         map[string]any{"type": "string", "enum": []any{"person", "team", "organization"}},
			"email":        map[string]any{"type": "string"},
			"role":         map[string]any{"type": "string"},
			"organization": map[string]any{"type": "string"},
		},
		"required": []any{"name", "type"},
	}
}

const phaseBToolName = "record_canonical_events"

// phaseBSchema is structurally identical to phase A's per-event shape, plus
// a chunk_id on each evidence span so canonicalization can carry grounding
// across the chunk boundaries it is merging over.
var phaseBSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"events": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category":   map[string]any{"type": "string", "enum": categoryList()},
					"narrative":  map[string]any{"type": "string"},
					"event_time": map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"subject":    mentionSchema(),
					"actors": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"mention": mentionSchema(),
								"role":    map[string]any{"type": "string"},
							},
							"required": []any{"mention"},
						},
					},
					"evidence": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"quote":      map[string]any{"type": "string"},
								"start_char": map[string]any{"type": "integer"},
								"end_char":   map[string]any{"type": "integer"},
								"chunk_id":   map[string]any{"type": "string"},
							},
							"required": []any{"quote", "start_char", "end_char"},
						},
					},
				},
				"required": []any{"category", "narrative", "confidence", "evidence"},
			},
		},
	},
	"required": []any{"events"},
}

const entityMatchToolName = "resolve_entity_match"

// entityMatchSchema is used only for the ambiguous similarity band the
// fuzzy matcher can't resolve on its own.
var entityMatchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"decision": map[string]any{"type": "string", "enum": []any{"same", "different", "unsure"}},
	},
	"required": []any{"decision"},
}
