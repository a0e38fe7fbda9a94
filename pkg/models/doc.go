// Package models defines the values that flow through postsync.
//
// A [ChangeEvent] is the normalized form of one mutation observed on the posts
// table of the primary store. It is produced once per raw mutation by the change
// feed consumer and is never persisted.
//
// [SyncOutcome] and [SyncSummary] report the result of reconciling the derived
// per-owner post count held by the foreign store. The true count is always
// computed from the primary store on demand, so there is no stored counter type.
//
// [Notification] is the only durable record in this package. At most one unread
// row exists per (sender, resource, type) for likes and comments.
package models
