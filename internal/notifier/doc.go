// Package notifier delivers job outcome notifications to operators.
//
// Job events from the event bus are formatted into short messages and sent
// through a Sender (Telegram in production). Delivery is asynchronous: a
// bounded queue feeds a single worker that is rate limited, retries with
// backoff, and suppresses identical messages within a dedup window. A full
// queue drops the message instead of blocking the scheduler.
package notifier
