// Package schema is the gate both persistence paths pass through: every
// event and summary is checked against one shared rule set, exposed as a
// strict entry point (error listing every violated field) and a lenient one
// (log-and-discard, so a malformed telemetry record never aborts a run).
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tradeflow/internal/session"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

//go:embed summary.schema.json
var summarySchemaJSON []byte

var validLevels = map[string]bool{
	session.LevelInfo:    true,
	session.LevelWarning: true,
	session.LevelError:   true,
	session.LevelDebug:   true,
}

// ValidationError reports every violated field of a payload.
type ValidationError struct {
	Kind   string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, strings.Join(e.Fields, "; "))
}

// Validator validates events and summaries. It satisfies session.Validator
// for typed payloads and additionally validates raw JSON payloads against
// the embedded schemas.
type Validator struct {
	eventSchema   *jsonschema.Schema
	summarySchema *jsonschema.Schema
	logger        *slog.Logger
}

// NewValidator compiles the embedded schemas once.
func NewValidator(logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("event.schema.json", bytes.NewReader(eventSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add event schema: %w", err)
	}
	if err := compiler.AddResource("summary.schema.json", bytes.NewReader(summarySchemaJSON)); err != nil {
		return nil, fmt.Errorf("add summary schema: %w", err)
	}
	eventSchema, err := compiler.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	summarySchema, err := compiler.Compile("summary.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile summary schema: %w", err)
	}
	return &Validator{
		eventSchema:   eventSchema,
		summarySchema: summarySchema,
		logger:        logger,
	}, nil
}

// CheckEvent returns the violated fields of a typed event, nil if it conforms.
func (v *Validator) CheckEvent(ev session.Event) []string {
	var fields []string
	if _, err := time.Parse(time.RFC3339, ev.Timestamp); err != nil {
		fields = append(fields, "timestamp: not ISO-8601")
	}
	if strings.TrimSpace(ev.Type) == "" {
		fields = append(fields, "type: empty")
	}
	if !validLevels[ev.Level] {
		fields = append(fields, fmt.Sprintf("level: %q not in {info, warning, error, debug}", ev.Level))
	}
	if strings.TrimSpace(ev.Message) == "" {
		fields = append(fields, "message: empty")
	}
	return fields
}

// CheckSummary returns the violated fields of a typed summary, nil if it conforms.
func (v *Validator) CheckSummary(s session.Summary) []string {
	var fields []string
	if strings.TrimSpace(s.SessionID) == "" {
		fields = append(fields, "session_id: empty")
	}
	if _, err := time.Parse(time.RFC3339, s.StartTime); err != nil {
		fields = append(fields, "start_time: not ISO-8601")
	}
	return fields
}

// ValidateEventStrict validates a raw JSON payload and decodes it. The error
// is a *ValidationError naming every violated field.
func (v *Validator) ValidateEventStrict(payload []byte) (session.Event, error) {
	var ev session.Event
	fields, err := v.validateRaw(v.eventSchema, payload, &ev)
	if err != nil {
		return session.Event{}, err
	}
	fields = append(fields, v.CheckEvent(ev)...)
	if len(fields) > 0 {
		return session.Event{}, &ValidationError{Kind: "event", Fields: dedupe(fields)}
	}
	return ev, nil
}

// ValidateEventLenient validates a raw JSON payload. Instead of failing it
// logs a warning and reports ok=false, so callers reading mixed-quality logs
// can drop bad records without aborting.
func (v *Validator) ValidateEventLenient(payload []byte) (session.Event, bool) {
	ev, err := v.ValidateEventStrict(payload)
	if err != nil {
		v.logger.Warn("discarding invalid event", "err", err)
		return session.Event{}, false
	}
	return ev, true
}

// ValidateSummaryStrict validates a raw JSON payload and decodes it.
func (v *Validator) ValidateSummaryStrict(payload []byte) (session.Summary, error) {
	var s session.Summary
	fields, err := v.validateRaw(v.summarySchema, payload, &s)
	if err != nil {
		return session.Summary{}, err
	}
	fields = append(fields, v.CheckSummary(s)...)
	if len(fields) > 0 {
		return session.Summary{}, &ValidationError{Kind: "summary", Fields: dedupe(fields)}
	}
	return s, nil
}

// ValidateSummaryLenient validates a raw JSON payload, logging instead of failing.
func (v *Validator) ValidateSummaryLenient(payload []byte) (session.Summary, bool) {
	s, err := v.ValidateSummaryStrict(payload)
	if err != nil {
		v.logger.Warn("discarding invalid summary", "err", err)
		return session.Summary{}, false
	}
	return s, true
}

// validateRaw runs the JSON Schema over the decoded payload and collects
// schema violations as field messages, then decodes into out.
func (v *Validator) validateRaw(sch *jsonschema.Schema, payload []byte, out any) ([]string, error) {
	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return nil, &ValidationError{Kind: "payload", Fields: []string{fmt.Sprintf("json: %v", err)}}
	}

	var fields []string
	if err := sch.Validate(generic); err != nil {
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			fields = append(fields, flattenSchemaError(verr)...)
		} else {
			fields = append(fields, err.Error())
		}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		fields = append(fields, fmt.Sprintf("decode: %v", err))
	}
	return fields, nil
}

func asValidationError(err error, out **jsonschema.ValidationError) bool {
	verr, ok := err.(*jsonschema.ValidationError)
	if ok {
		*out = verr
	}
	return ok
}

// flattenSchemaError walks the validation error tree and keeps the leaf
// messages, which name the individual violated fields.
func flattenSchemaError(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := strings.TrimPrefix(verr.InstanceLocation, "/")
		if loc == "" {
			loc = "payload"
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Message)}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, flattenSchemaError(cause)...)
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
