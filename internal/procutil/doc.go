// Package procutil configures worker child processes so the dispatcher, not
// the controlling terminal, decides when they stop.
package procutil
