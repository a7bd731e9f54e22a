package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed job_request.schema.json
var jobRequestSchemaJSON string

// JobRequest is the validated shape of an enqueue request.
type JobRequest struct {
	UserID      int64          `json:"user_id"`
	JobType     string         `json:"job_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
	NotBefore   *string        `json:"not_before,omitempty"`
	MaxAttempts *int           `json:"max_attempts,omitempty"`
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

// ValidateJobRequest validates raw request JSON against the embedded schema
// plus the semantic rules the schema cannot express.
func ValidateJobRequest(payload json.RawMessage) (*JobRequest, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode request JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize request JSON: %w", err)
	}

	var request JobRequest
	if err := json.Unmarshal(normalized, &request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	if err := validateSemantics(&request); err != nil {
		return nil, err
	}

	return &request, nil
}

// NotBeforeTime parses the optional not_before field. Returns the zero time
// when the field is absent.
func (r *JobRequest) NotBeforeTime() (time.Time, error) {
	if r == nil || r.NotBefore == nil {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(*r.NotBefore))
	if err != nil {
		return time.Time{}, fmt.Errorf("not_before must be RFC3339: %w", err)
	}
	return ts.UTC(), nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("job_request.schema.json", strings.NewReader(jobRequestSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("job_request.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("request body is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("request body contains trailing content")
	}

	return value, nil
}

func validateSemantics(request *JobRequest) error {
	if request == nil {
		return fmt.Errorf("request is nil")
	}

	if request.UserID <= 0 {
		return fmt.Errorf("user_id must be positive")
	}
	if _, err := request.NotBeforeTime(); err != nil {
		return err
	}

	// The weekly_matches payload is the only structured one; guard its two
	// required fields here so the queue never stores a payload a handler
	// will immediately reject.
	if request.JobType == "weekly_matches" {
		if err := validateWeeklyMatchesPayload(request.Payload); err != nil {
			return err
		}
	}
	return nil
}

func validateWeeklyMatchesPayload(payload map[string]any) error {
	if payload == nil {
		return fmt.Errorf("weekly_matches requires a payload with week_start and candidates")
	}

	weekStart, ok := payload["week_start"].(string)
	if !ok || strings.TrimSpace(weekStart) == "" {
		return fmt.Errorf("payload.week_start is required for weekly_matches")
	}
	if _, err := time.Parse("2006-01-02", strings.TrimSpace(weekStart)); err != nil {
		return fmt.Errorf("payload.week_start must be YYYY-MM-DD: %w", err)
	}

	candidates, ok := payload["candidates"].([]any)
	if !ok {
		return fmt.Errorf("payload.candidates must be an array for weekly_matches")
	}
	for i, raw := range candidates {
		candidate, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("payload.candidates[%d] must be an object", i)
		}
		if _, ok := candidate["match_user_id"]; !ok {
			return fmt.Errorf("payload.candidates[%d].match_user_id is required", i)
		}
		if _, ok := candidate["score"]; !ok {
			return fmt.Errorf("payload.candidates[%d].score is required", i)
		}
	}
	return nil
}
