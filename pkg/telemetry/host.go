package telemetry

import "runtime"

// HostInfo supplies identity facts about the embedding application. It is
// consumed by the client, never implemented here: the host process knows its
// own name, version, and live session count.
type HostInfo interface {
	// Name is the application name; it becomes the final path segment of
	// the report URL.
	Name() string

	// Version is the application's own version string.
	Version() string

	// ServerVersion is the version string of the environment the
	// application runs inside (server platform, framework, ...).
	ServerVersion() string

	// PlayersOnline is a live gauge of concurrent sessions.
	PlayersOnline() int

	// OnlineMode reports whether the host authenticates its sessions.
	OnlineMode() bool
}

// Environment supplies facts about the operating system and runtime. The
// default implementation reads them from the Go runtime; hosts with better
// sources (an OS release file, a hardware profiler) can substitute their
// own.
type Environment interface {
	OSName() string
	OSArch() string
	OSVersion() string
	RuntimeVersion() string
	NumCPU() int
}

type runtimeEnvironment struct{}

func (runtimeEnvironment) OSName() string         { return runtime.GOOS }
func (runtimeEnvironment) OSArch() string         { return runtime.GOARCH }
func (runtimeEnvironment) OSVersion() string      { return "unknown" }
func (runtimeEnvironment) RuntimeVersion() string { return runtime.Version() }
func (runtimeEnvironment) NumCPU() int            { return runtime.NumCPU() }

// normalizeArch maps architecture tokens to the spelling the collection
// endpoint expects.
func normalizeArch(arch string) string {
	if arch == "amd64" {
		return "x86_64"
	}
	return arch
}
