// Package store is the authoritative SQLite row store behind animeboard.
//
// Tables: posts, comments, profiles, notifications,
// user_anime_interactions, bookmarks, plus an append-only changes log.
//
// # Write rules
//
//   - Inserts keyed by client-generated ids use ON CONFLICT(id) DO NOTHING,
//     so a retried write is a no-op rather than a duplicate
//   - Likes are read-modified-written inside one transaction per user
//   - Upvotes use upvotes = upvotes + 1
//   - Post edit/delete and comment delete are restricted to the author
//     (model.ErrForbidden)
//
// # Change feed
//
// Every committed write appends a row to changes in the same transaction
// and, after commit, publishes the matching bus.Event. A publish failure
// is logged and does not fail the write; Replay re-publishes from the log
// with the original event ids, which is what makes delivery
// at-least-once.
//
// # Database configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON (comments and bookmarks cascade with their post)
package store
