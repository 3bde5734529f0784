package webhook

import "time"

// AttemptObservation captures one POST attempt.
type AttemptObservation struct {
	URL        string
	ToolName   string
	Event      Event
	Attempt    int
	StatusCode int
	Success    bool
	DurationMS float64
}

// DeliveryObservation captures a settled delivery.
type DeliveryObservation struct {
	URL        string
	ToolName   string
	Event      Event
	Attempts   int
	StatusCode int
	Success    bool
	StartedAt  time.Time
	DurationMS float64
}

// Observer receives webhook delivery observability events.
type Observer interface {
	ObserveAttempt(observation AttemptObservation)
	ObserveDelivery(observation DeliveryObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveAttempt(AttemptObservation)   {}
func (noopObserver) ObserveDelivery(DeliveryObservation) {}
