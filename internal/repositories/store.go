// Package repositories implements the persistence contracts on Postgres
package repositories

import (
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/auditevent"
	"github.com/Ramsey-B/fern/internal/repositories/contact"
	"github.com/Ramsey-B/fern/internal/repositories/mergecandidate"
	"github.com/Ramsey-B/fern/internal/repositories/mergedecision"
	"github.com/Ramsey-B/fern/internal/repositories/sourcerecord"
	"github.com/Ramsey-B/fern/internal/repositories/webhookreceipt"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/store"
)

// NewStore bundles the repositories. Every repository resolves its querier from the context,
// so calls made inside db.WithinTx share one transaction.
func NewStore(db database.DB, logger ectologger.Logger) *store.Store {
	return &store.Store{
		Tx:         db,
		Contacts:   contact.NewRepository(db, logger),
		Sources:    sourcerecord.NewRepository(db, logger),
		Candidates: mergecandidate.NewRepository(db, logger),
		Decisions:  mergedecision.NewRepository(db, logger),
		Audit:      auditevent.NewRepository(db, logger),
		Receipts:   webhookreceipt.NewRepository(db, logger),
	}
}
