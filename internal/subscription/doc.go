// Package subscription manages the lifecycle of push-channel
// subscriptions for one UI scope.
//
// A Manager opens at most one Handle per topic. Each Handle owns a pump
// goroutine that forwards bus events to the scope as Deliveries tagged
// with the handle's subscription id; the scope drops deliveries for
// handles it no longer holds.
//
// Lifecycle:
//
//	Subscribe ──► Open ──(stream error)──► Retrying ──(resubscribed)──► Open
//	                │                         │
//	                │                         └──(attempts exhausted)──► Failed
//	                └──(Close / CloseAll)──► Closed
//
// A Failed handle is reopened by the next Subscribe for its topic.
//
// INVARIANTS:
//   - Subscribe on an open topic returns the existing handle
//   - No Delivery is handed to the callback after Close returns
//   - Every stream error is reported before any retry begins
package subscription
