// Package engine implements the UI scope: the owner of a signed-in
// user's reconciled state.
//
// ARCHITECTURE:
//
// Single-Writer Event Loop:
// Scope.Run processes every event in one goroutine. Posts, comments,
// notifications, interactions, bookmarks and failures are touched only
// from that goroutine, so no component below needs its own locking.
//
// Event Processing Flow:
//  1. A public call (ToggleLike, AddComment, ...) enqueues a closure and
//     waits for it
//  2. The closure applies the mutation through optimistic.Engine; the
//     new state is visible to the next read
//  3. The backing write runs in its own goroutine with a timeout and
//     enqueues a settle event
//  4. The settle event confirms or rolls back the mutation and flushes
//     any post row the reconciler held back meanwhile
//  5. Push events arrive from subscription.Manager as delivery events
//     and are reduced by reconcile.Reconciler
//
// Reads (LoadFeed, OpenPost, catalog pages) fetch on the caller's
// goroutine and merge on the loop, so a slow network call never stalls
// other events.
//
// FAILURES:
//
// Every backing or catalog error becomes a *Failure at the boundary of
// the call that issued it, classified as remote, not_found or channel.
// Conflicts are benign and surface as success. Failures stay on the
// scope until dismissed. A panic in a queued closure is recovered and
// recorded as a remote failure.
//
// TEARDOWN:
//
// Close closes every subscription and the catalog paginator, then the
// queue. Writes already issued run to completion but their settle
// events are dropped, as are deliveries still buffered.
package engine
