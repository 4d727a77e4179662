// Package model defines the rows animeboard synchronizes.
//
// The types mirror the backing store schema one-to-one (posts, comments,
// profiles, notifications, user_anime_interactions, bookmarks) plus the
// read-only catalog records returned by the external anime API.
//
// INVARIANTS:
//   - Post.Likes holds each user id at most once (LikeSet enforces this)
//   - Like count is always Likes.Len(), never a separately stored number
//   - An Interaction has exactly one Status; "absent" is modeled by no row
//
// All user-authored text is normalized to Unicode NFC before it is
// validated or stored, so equal strings compare equal across clients.
package model
