// Package api serves the JSON HTTP API over the schedule store, the backup
// provider and the retention engine.
//
// Routes live under /api: volumes, backups, backup/*, schedules/*, health
// and info, plus history for the run journal.
package api
