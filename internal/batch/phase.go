package batch

import (
	"fmt"

	"image-batch-go/internal/items"
	"image-batch-go/internal/results"
)

// Phase is the lifecycle state of the controller.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSubmitting
	PhaseProcessing
	PhaseSucceeded
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:       "idle",
	PhaseSubmitting: "submitting",
	PhaseProcessing: "processing",
	PhaseSucceeded:  "succeeded",
	PhaseFailed:     "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Active reports whether a run is in flight.
func (p Phase) Active() bool {
	return p == PhaseSubmitting || p == PhaseProcessing
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	Phase      Phase                      `json:"phase"`
	Progress   int                        `json:"progress"`
	Generation uint64                     `json:"generation"`
	Items      []items.InputItem          `json:"items"`
	Results    []results.CompressedResult `json:"results"`
	Stats      results.BatchStats         `json:"stats"`
	Error      string                     `json:"error,omitempty"`

	// seq orders snapshots so listeners never see an older state after a newer one.
	seq uint64
}
