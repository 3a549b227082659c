package telemetry

// Optional capabilities a Plotter may implement beyond the base interface.
// The client checks for them with type assertions at notification time.

// Resetter is implemented by plotters that accumulate state between
// submissions. Reset is called exactly once after a submission the endpoint
// acknowledged as the first accepted update of the current aggregation
// window.
type Resetter interface {
	Reset()
}

// OptOutHandler is implemented by plotters that want to stop gathering data
// when the operator opts out while the client is running.
type OptOutHandler interface {
	OnOptOut()
}
