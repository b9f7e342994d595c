// Package logx wraps zerolog for backupd.
//
// Console output is human readable with a short file:line caller. The
// optional file sink writes JSON lines. Level and sinks can be swapped at
// runtime with Service.Apply when the config reloads.
package logx
