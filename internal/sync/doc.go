// Package sync runs pull/push sync cycles between the local record store and
// a farmsync server.
//
// Overview
//
// One cycle moves through four steps:
//
//	Pull         transport.Pull(watermark)      → server changes + timestamp
//	Apply        one write transaction          → MarkSyncedFromPull / ApplyRemoteDelete
//	Push         all dirty records, one request → transport.Push(changes, pull timestamp)
//	Acknowledge  one write transaction          → MarkSynced, AdvanceWatermark
//
// Network calls never hold the store's write lock; only Apply and
// Acknowledge take it.
//
// Conflicts
//
// Conflicts are settled last-write-wins on updatedAt while applying the pull:
//
//   - a remote edit replaces a dirty local edit unless the local updatedAt
//     is strictly newer, in which case the local edit is pushed
//   - a pending local delete beats any remote edit
//   - a remote delete beats any local edit
//
// Discarded local edits are logged and counted in CycleResult.
//
// Failures
//
// A failed pull leaves the store untouched. A failed apply rolls back. A
// failed push leaves the dirty flags and the watermark as they were; the
// pulled changes stay applied as synced records, and the next cycle pulls
// them again and skips them. Every failure is safe to retry in full.
//
// The push uses the timestamp of the pull made in the same cycle as its
// lastPulledAt. The server rejects it as stale if another client wrote to a
// pushed record after that pull; the next cycle pulls that write first.
//
// Usage
//
//	store, err := db.Open(".farmsync/farm.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	client, err := remote.NewHTTPClient(remote.DefaultConfig("https://api.example.com"))
//	if err != nil {
//	    return err
//	}
//
//	engine := sync.New(store, client, nil)
//	result, err := engine.Sync(ctx)
//
// Concurrency
//
// Only one cycle runs at a time per Engine; a concurrent Sync returns
// ErrSyncInProgress immediately. Local writes may continue during a cycle:
// an edit made while its previous version is being pushed stays dirty and
// goes out with the next cycle.
package sync
