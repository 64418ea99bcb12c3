// Package record holds the per-artifact pipeline document and the
// transactional stores that guard it.
//
// # State machine
//
//	RECEIVED   -> GENERATING | FAILED
//	GENERATING -> QUEUED | FAILED
//	QUEUED     -> POSTING | FAILED
//	POSTING    -> POSTING (stale reclaim) | POSTED | FAILED
//	POSTED, FAILED are terminal
//
// Every backend runs Mutate callbacks against a copy and checks the result
// before writing: the transition must be in the table, the lock token and
// lock timestamp are present exactly when the status is POSTING, a failure
// reason is present exactly when the status is FAILED, and a terminal record
// only accepts Metadata changes.
//
// # Backends
//
//   - MemoryStore: mutex-guarded map for tests and single-process runs
//   - PostgresStore: one row per record, SELECT ... FOR UPDATE per Mutate
//   - NATSStore: JetStream KV, Create for Claim and revision CAS for Mutate
//
// # Usage
//
//	claimed, err := store.Claim(ctx, &record.Record{ID: id, Source: src})
//	if err != nil || !claimed {
//	    return nil // someone else owns this artifact
//	}
//	_, err = store.Mutate(ctx, id, func(r *record.Record) error {
//	    r.Status = record.StatusGenerating
//	    return nil
//	})
package record
