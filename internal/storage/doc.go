// Package storage archives finished broadcast jobs so their accounting
// outlives process memory.
//
// It currently supports:
//   - Job archive writes (final counters + per-recipient results)
//   - Lookup by job id and recent-job listings
package storage
