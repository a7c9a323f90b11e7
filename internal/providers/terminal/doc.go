// Package terminal provides command execution, background process
// control, and interactive PTY sessions as service tools.
//
// Foreground commands run through the execution core with a timeout
// and return a complete result. Background processes are registered
// with the process registry and polled by ID for status and
// incremental output. Interactive sessions run a shell under a PTY
// with a bounded ring buffer of recent output.
package terminal
