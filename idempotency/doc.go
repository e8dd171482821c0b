// Package idempotency guarantees at-most-once side effects for assistant
// actions.
//
// A key is derived from the business identity of an action (owner, action
// type, conversation and action instance). The Store remembers the result of
// the first execution for a TTL and hands it back verbatim to every duplicate.
// Guard ties key derivation, claim-before-execute and result recording into
// a single call; Reaper evicts expired records in the background.
//
// Bundled stores: MemoryStore (single process), and the redisstore,
// badgerstore and pgstore subpackages for shared or persistent deployments.
package idempotency
