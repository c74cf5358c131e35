// Package broadcast delivers one payload (or a personalized variant of it)
// to a large recipient list without exceeding an external rate budget.
//
// Recipients are partitioned into sequential batches; within a batch, sends
// run under a bounded concurrency permit and an evenly-paced per-send rate
// limit. Cancellation is cooperative: aborting a job stops further issuance
// but never retracts sends already in flight.
package broadcast
