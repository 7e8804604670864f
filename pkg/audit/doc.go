// Package audit records membership, role and invitation changes.
//
// Mutating operations write their entry inside the same transaction as the
// change by binding the sink to the transaction:
//
//	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
//	    // ... mutate
//	    return audit.WithTx(logger, tx).Log(ctx, entry)
//	})
//
// DBLogger persists to audit_log, StructuredLogger mirrors entries into the
// application log, and MultiLogger combines them.
package audit
