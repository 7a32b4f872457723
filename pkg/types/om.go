package types

// OMOperation is the kind of observational-memory cycle.
type OMOperation string

const (
	OMObservation OMOperation = "observation"
	OMReflection  OMOperation = "reflection"
)

// OMCycleState is the lifecycle state of an OM cycle.
type OMCycleState string

const (
	OMCycleIdle     OMCycleState = "idle"
	OMCycleRunning  OMCycleState = "running"
	OMCycleComplete OMCycleState = "complete"
	OMCycleFailed   OMCycleState = "failed"
)

// OMWindow tracks unprocessed token counts against their trigger thresholds.
type OMWindow struct {
	UnobservedTokens  int `json:"unobservedTokens"`
	ObserveThreshold  int `json:"observeThreshold"`
	UnreflectedTokens int `json:"unreflectedTokens"`
	ReflectThreshold  int `json:"reflectThreshold"`
}

// OMBuffer tracks in-flight asynchronous compression work.
type OMBuffer struct {
	Status           string `json:"status"` // "idle" | "buffering" | "failed"
	Chunks           int    `json:"chunks"`
	ProjectedSavings int    `json:"projectedSavings"`
}

// OMCycle is the latest lifecycle status for one operation type.
type OMCycle struct {
	State       OMCycleState `json:"state"`
	DurationMs  int64        `json:"durationMs,omitempty"`
	OutputBytes int          `json:"outputBytes,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// OMSnapshot is the normalized observational-memory progress model: two
// threshold windows plus the latest cycle per operation type.
type OMSnapshot struct {
	Enabled  bool                    `json:"enabled"`
	Active   OMWindow                `json:"active"`
	Buffered OMBuffer                `json:"buffered"`
	Cycles   map[OMOperation]OMCycle `json:"cycles"`
}

// NewOMSnapshot returns an empty snapshot with idle cycles.
func NewOMSnapshot() OMSnapshot {
	return OMSnapshot{
		Buffered: OMBuffer{Status: "idle"},
		Cycles: map[OMOperation]OMCycle{
			OMObservation: {State: OMCycleIdle},
			OMReflection:  {State: OMCycleIdle},
		},
	}
}
