package tool

import "time"

// CallObservation captures one executor invocation outcome.
type CallObservation struct {
	ToolName   string
	CallID     string
	StartedAt  time.Time
	DurationMS float64
	Success    bool
	ErrorCode  string
}

// Observer receives tool-level observability events.
type Observer interface {
	ObserveCall(observation CallObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveCall(CallObservation) {}
