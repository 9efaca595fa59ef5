package graph

import (
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// DuplicateOfType is the relationship type from a merged contact to its survivor
const DuplicateOfType = "DUPLICATE_OF"

const linkDuplicateCypher = `
		MATCH (d:Contact {id: $duplicate_id}), (p:Contact {id: $primary_id})
		MERGE (d)-[r:DUPLICATE_OF]->(p)
		SET r.decided_by = $decided_by, r.decided_at = $decided_at
	`

// Edges that pointed at the duplicate move to the primary so every edge ends at a live contact
const repointDuplicatesCypher = `
		MATCH (x:Contact)-[old:DUPLICATE_OF]->(:Contact {id: $duplicate_id})
		MATCH (p:Contact {id: $primary_id})
		WHERE x.id <> $primary_id
		MERGE (x)-[r:DUPLICATE_OF]->(p)
		SET r.decided_by = old.decided_by, r.decided_at = old.decided_at
		DELETE old
	`

// LinkDuplicate builds the statement that records duplicate -[:DUPLICATE_OF]-> primary
func LinkDuplicate(duplicateID, primaryID string, decision *models.MergeDecision) Statement {
	return Statement{
		Cypher: linkDuplicateCypher,
		Params: map[string]any{
			"duplicate_id": duplicateID,
			"primary_id":   primaryID,
			"decided_by":   decision.DecidedBy,
			"decided_at":   decision.DecidedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

// RepointDuplicates builds the statement that moves edges ending at duplicateID onto primaryID
func RepointDuplicates(duplicateID, primaryID string) Statement {
	return Statement{
		Cypher: repointDuplicatesCypher,
		Params: map[string]any{
			"duplicate_id": duplicateID,
			"primary_id":   primaryID,
		},
	}
}
