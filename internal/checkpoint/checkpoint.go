// Package checkpoint persists mid-run workflow state so interrupted runs
// can resume from the last checkpoint step instead of starting over.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/loomctl/loom/pkg/schema"
)

// ErrNotFound is returned by Load when no checkpoint exists for the
// workflow. Callers distinguish it from storage failures.
var ErrNotFound = schema.NewError(schema.ErrCodeNotFound, "checkpoint not found")

// Checkpoint is the persisted state of a partially executed run. Results
// keep document order so resume can replay them into a fresh context.
type Checkpoint struct {
	ID         string              `json:"checkpoint_id"`
	Workflow   string              `json:"workflow_name"`
	InputsHash string              `json:"inputs_hash"`
	Results    []schema.StepResult `json:"step_results"`
	SavedAt    time.Time           `json:"saved_at"`
}

// Store persists one checkpoint per workflow name. Saving overwrites any
// previous checkpoint for that workflow.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, workflow string) (*Checkpoint, error)
	Clear(ctx context.Context, workflow string) error
}

// HashInputs produces the 16-hex-digit fingerprint of a run's input set.
// The inputs are serialized as JSON (map keys are emitted sorted, so the
// hash is stable regardless of insertion order) and hashed with SHA-256.
func HashInputs(inputs map[string]any) (string, error) {
	if inputs == nil {
		inputs = map[string]any{}
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeCheckpoint, "serializing inputs for hashing").WithCause(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16], nil
}
