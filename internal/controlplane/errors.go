package controlplane

import "fmt"

// HostUnreachableError means no command could be delivered to the host:
// dial failure, broken session or timeout.
type HostUnreachableError struct {
	Host string
	Err  error
}

func (e *HostUnreachableError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Host, e.Err)
}

func (e *HostUnreachableError) Unwrap() error { return e.Err }

// CommandError means the host ran the commands and they failed.
type CommandError struct {
	Host    string
	Command string
	Output  string
	Err     error
}

const maxErrorOutput = 256

func (e *CommandError) Error() string {
	out := e.Output
	if len(out) > maxErrorOutput {
		out = out[:maxErrorOutput] + "..."
	}
	return fmt.Sprintf("host %s: command failed: %v: %s", e.Host, e.Err, out)
}

func (e *CommandError) Unwrap() error { return e.Err }
