package logging

import (
	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one kind of policy decision.
type AuditEventType string

const (
	// Prediction events
	AuditPredictRule     AuditEventType = "predict_rule"
	AuditPredictLoop     AuditEventType = "predict_loop"
	AuditPredictDefault  AuditEventType = "predict_default"
	AuditPredictFallback AuditEventType = "predict_fallback"
	AuditPredictAbstain  AuditEventType = "predict_abstain"
	AuditLoopInterrupted AuditEventType = "loop_interrupted"

	// Training events
	AuditTrainingStart    AuditEventType = "training_start"
	AuditTrainingComplete AuditEventType = "training_complete"
	AuditRuleRestriction  AuditEventType = "rule_restriction"
	AuditContradiction    AuditEventType = "contradiction"

	// Persistence events
	AuditPolicyPersisted AuditEventType = "policy_persisted"
	AuditPolicyLoaded    AuditEventType = "policy_loaded"
)

// AuditEvent is one structured audit entry.
type AuditEvent struct {
	EventType  AuditEventType
	SenderID   string
	Action     string
	Source     string
	Confidence float64
	Success    bool
	Message    string
	Fields     map[string]interface{}
}

// AuditLogger writes audit events to the audit category, optionally scoped to a run.
type AuditLogger struct {
	runID string
}

// Audit returns the unscoped audit logger
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithRun creates an audit logger scoped to a training run
func AuditWithRun(runID string) *AuditLogger {
	return &AuditLogger{runID: runID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	zl := Get(CategoryAudit).Zap()
	if ce := zl.Check(zap.InfoLevel, string(event.EventType)); ce != nil {
		fields := []zap.Field{
			zap.String("event", string(event.EventType)),
			zap.Bool("success", event.Success),
		}
		if a.runID != "" {
			fields = append(fields, zap.String("run", a.runID))
		}
		if event.SenderID != "" {
			fields = append(fields, zap.String("sender", event.SenderID))
		}
		if event.Action != "" {
			fields = append(fields, zap.String("action", event.Action))
		}
		if event.Source != "" {
			fields = append(fields, zap.String("source", event.Source))
		}
		if event.Confidence != 0 {
			fields = append(fields, zap.Float64("confidence", event.Confidence))
		}
		if event.Message != "" {
			fields = append(fields, zap.String("msg", event.Message))
		}
		if len(event.Fields) > 0 {
			fields = append(fields, zap.Any("fields", event.Fields))
		}
		ce.Write(fields...)
	}
}

// =============================================================================
// CONVENIENCE METHODS
// =============================================================================

// Prediction records the outcome of one prediction call.
func (a *AuditLogger) Prediction(eventType AuditEventType, senderID, action, source string, confidence float64) {
	a.Log(AuditEvent{
		EventType:  eventType,
		SenderID:   senderID,
		Action:     action,
		Source:     source,
		Confidence: confidence,
		Success:    action != "",
	})
}

// LoopInterrupted records that a loop was told to skip validation.
func (a *AuditLogger) LoopInterrupted(senderID, loop string) {
	a.Log(AuditEvent{
		EventType: AuditLoopInterrupted,
		SenderID:  senderID,
		Action:    loop,
		Success:   true,
	})
}

// TrainingComplete records table sizes after a successful training run.
func (a *AuditLogger) TrainingComplete(rules, unhappy int, durationMs int64) {
	a.Log(AuditEvent{
		EventType: AuditTrainingComplete,
		Success:   true,
		Fields: map[string]interface{}{
			"rules":   rules,
			"unhappy": unhappy,
			"dur_ms":  durationMs,
		},
	})
}

// TrainingFailed records a training run rejected by validation.
func (a *AuditLogger) TrainingFailed(eventType AuditEventType, message string, offenders int) {
	a.Log(AuditEvent{
		EventType: eventType,
		Success:   false,
		Message:   message,
		Fields:    map[string]interface{}{"offenders": offenders},
	})
}

// Contradiction records a single contradicting training step.
func (a *AuditLogger) Contradiction(senderID, gold string, rule bool) {
	a.Log(AuditEvent{
		EventType: AuditContradiction,
		SenderID:  senderID,
		Action:    gold,
		Success:   false,
		Fields:    map[string]interface{}{"rule": rule},
	})
}

// Persistence records a policy save or load.
func (a *AuditLogger) Persistence(eventType AuditEventType, location string, err error) {
	event := AuditEvent{
		EventType: eventType,
		Success:   err == nil,
		Fields:    map[string]interface{}{"location": location},
	}
	if err != nil {
		event.Message = err.Error()
	}
	a.Log(event)
}
