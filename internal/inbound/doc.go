// Package inbound coalesces rapid successive messages from the same sender
// into ordered batches before they reach application handlers.
//
// Each sender key owns an independent buffer with a debounce timer: every
// append that does not trigger a flush cancels and restarts the timer, so a
// burst of messages produces one flush instead of many handler invocations.
// A buffer that reaches the configured size limit is flushed immediately,
// without waiting for the timer.
package inbound
