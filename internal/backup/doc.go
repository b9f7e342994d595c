// Package backup is the scheduling and retention core of backupd.
//
// It decides when a schedule fires (Trigger), what a firing does (Executor),
// which backups survive a cleanup pass (Retention), and drives all of it from a
// single sequential polling loop (Loop).
//
// Everything that talks to the outside world is reached through the narrow
// Provider and Store interfaces, so the core can be exercised with fakes.
package backup
