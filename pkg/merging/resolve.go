package merging

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultMaxHops bounds ResolveRoot when no limit is configured
const DefaultMaxHops = 16

// ResolveRoot follows duplicate-of pointers from id to the canonical contact.
// Walking more than maxHops pointers, or revisiting a contact, is a duplicate-chain ConflictError.
func ResolveRoot(ctx context.Context, contacts store.ContactStore, id string, maxHops int) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.ResolveRoot")
	defer span.End()

	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	visited := map[string]struct{}{id: {}}
	current := id
	for hops := 0; ; hops++ {
		parent, err := contacts.ParentOf(ctx, current)
		if err != nil {
			return "", err
		}
		if parent == nil {
			return current, nil
		}
		if hops == maxHops {
			return "", apperror.NewConflictError(apperror.ConflictDuplicateChain, id,
				fmt.Sprintf("duplicate-of chain from contact %s exceeds %d hops", id, maxHops))
		}
		if _, seen := visited[*parent]; seen {
			return "", apperror.NewConflictError(apperror.ConflictDuplicateChain, id,
				fmt.Sprintf("duplicate-of chain from contact %s loops at %s", id, *parent))
		}
		visited[*parent] = struct{}{}
		current = *parent
	}
}
