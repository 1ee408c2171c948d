// Package audit provides PDR (Process Decision Record) writing for Conductor.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/conductor/internal/models"
	"github.com/rs/zerolog/log"
)

// Actions recorded by the daemon.
const (
	ActionSessionCreate   = "session.create"
	ActionSessionLaunch   = "session.launch"
	ActionSessionStop     = "session.stop"
	ActionSessionPause    = "session.pause"
	ActionSessionResume   = "session.resume"
	ActionSessionFinalize = "session.finalize"
	ActionSessionRecover  = "session.recover"
	ActionPlanLoad        = "plan.load"
	ActionPackagesRelease = "packages.release"
	ActionPackageRetry    = "package.retry"
)

// Outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Sink persists decision records.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, sessionID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs interface{}, outcome, sessionID, details string) (*models.PDREntry, error) {
	return w.sink.WritePDR(ctx, action, HashInputs(inputs), outcome, sessionID, details)
}

// Note records a decision and only logs a write failure; audit records never
// block the action they describe. A nil writer is a no-op.
func (w *PDRWriter) Note(ctx context.Context, action string, inputs interface{}, outcome, sessionID, details string) {
	if w == nil {
		return
	}
	if _, err := w.Record(ctx, action, inputs, outcome, sessionID, details); err != nil {
		log.Warn().Err(err).Str("action", action).Str("session_id", sessionID).Msg("write pdr")
	}
}

// HashInputs creates a SHA256 hash of the inputs for reproducibility.
func HashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
