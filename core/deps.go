package core

import "pkt.systems/pslog"

// CoordinatorDeps captures the collaborators of a Coordinator. Engines and
// Transport are required.
type CoordinatorDeps struct {
	Engines   EngineFactory
	Transport Transport
	Reporter  FailureReporter
	Recorder  Recorder
	Logger    pslog.Logger
}
