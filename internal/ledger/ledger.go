// Package ledger implements a per-loan, hash-chained event log for loan
// lifecycle events.
//
// Every loan has its own chain. The first entry of a chain links to the
// GenesisHash sentinel; every subsequent entry records the CurrentHash of its
// predecessor, and its own CurrentHash is the SHA-256 of its canonical
// encoding (see Canonicalize). Any edit to a committed row is detectable with
// Verify.
//
// Writers never take locks. Append reads the chain tail, builds the next entry
// and asks the Store to commit it only if the tail is unchanged. Losing writers
// retry with a bounded backoff.
//
// Two Store implementations are provided:
//   - MemoryStore: in-process, lock-free, for testing and development.
//   - PostgresStore: durable, for production use.
package ledger
