// Package logs reads worker log files.
//
// Spawned workers write their stdout and stderr to <log_dir>/workers/<id>.log.
// Tail returns the last lines of such a file and, in follow mode, blocks until
// more output arrives.
package logs
