// Package scheduler triggers maintenance jobs (ledger pruning, population
// refresh) on cron or interval schedules. Jobs never overlap with themselves.
package scheduler
