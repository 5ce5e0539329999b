// Package result coerces arbitrary handler output into one canonical
// response shape.
//
// Handlers behind the router return whatever their integration produces:
// errors, plain text, structured maps. Everything funnels through
// Normalize so downstream code branches on Status, never on
// handler-specific shapes.
package result

import (
	"fmt"
	"strings"
	"time"

	"switchboard/pkg/agenterr"
)

// Status tags the canonical union.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusNeedsInfo Status = "needs_info"
	StatusError     Status = "error"
	StatusPartial   Status = "partial"
)

// Source records which execution path produced a response.
type Source string

const (
	SourceDirect  Source = "direct"  // Single tool call
	SourceSession Source = "session" // Multi-turn department exchange
)

// RequiredField describes one missing input for a needs_info response.
type RequiredField struct {
	Field       string `json:"field"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ErrorDetail carries the failure taxonomy entry for an error response.
type ErrorDetail struct {
	Code      agenterr.Code `json:"code"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// Metadata is internal bookkeeping stamped during normalization. It is
// stripped before a response is handed back to the calling agent.
type Metadata struct {
	Source   Source        `json:"source"`
	Duration time.Duration `json:"duration"`
}

// Normalized is the canonical response every handler output becomes.
type Normalized struct {
	Status   Status          `json:"status"`
	Data     map[string]any  `json:"data,omitempty"`
	Required []RequiredField `json:"required,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// Success builds a success response around the given data.
func Success(data map[string]any) Normalized {
	return Normalized{Status: StatusSuccess, Data: data}
}

// NeedsInfo builds a needs_info response listing the missing fields.
func NeedsInfo(fields ...RequiredField) Normalized {
	return Normalized{Status: StatusNeedsInfo, Required: fields}
}

// FromError builds an error response, classifying err through the
// failure taxonomy. Unclassified errors are mapped by message: anything
// signalling a timeout becomes TOOL_TIMEOUT, the rest TOOL_EXECUTION_ERROR.
func FromError(err error) Normalized {
	code := agenterr.CodeOf(err)
	if code == "" {
		code = agenterr.CodeToolExecution
		if strings.Contains(strings.ToLower(err.Error()), "timeout") {
			code = agenterr.CodeToolTimeout
		}
	}
	return Normalized{
		Status: StatusError,
		Error: &ErrorDetail{
			Code:      code,
			Message:   err.Error(),
			Retryable: agenterr.IsRetryable(err),
		},
	}
}

// Normalize coerces a raw handler result into the canonical shape and
// stamps source/duration metadata.
//
// Shape detection, in order: a Go error or a map carrying an "error"
// field becomes status error; a map with "text" or "instructions"
// becomes success with data.instructions extracted; any other map is
// taken whole as data; a bare string becomes instructions; everything
// else lands under data.result.
func Normalize(raw any, source Source, duration time.Duration) Normalized {
	n := normalizeShape(raw)
	n.Metadata = &Metadata{Source: source, Duration: duration}
	return n
}

func normalizeShape(raw any) Normalized {
	switch v := raw.(type) {
	case nil:
		return Success(nil)
	case Normalized:
		return v
	case error:
		return FromError(v)
	case string:
		return Success(map[string]any{"instructions": v})
	case map[string]any:
		if errVal, ok := v["error"]; ok && errVal != nil {
			return mapError(errVal)
		}
		if text, ok := stringField(v, "text", "instructions"); ok {
			return Success(map[string]any{"instructions": text})
		}
		return Success(v)
	default:
		return Success(map[string]any{"result": raw})
	}
}

func mapError(errVal any) Normalized {
	switch e := errVal.(type) {
	case error:
		return FromError(e)
	case string:
		return FromError(agenterr.New(agenterr.CodeToolExecution, e))
	default:
		return FromError(agenterr.Newf(agenterr.CodeToolExecution, "%v", e))
	}
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// TransformForMaster strips internal-only fields, leaving a structure
// safe to hand back as a tool result to the calling agent.
func TransformForMaster(n Normalized) map[string]any {
	out := map[string]any{"status": string(n.Status)}
	switch n.Status {
	case StatusNeedsInfo:
		required := make([]map[string]any, 0, len(n.Required))
		for _, f := range n.Required {
			required = append(required, map[string]any{
				"field":       f.Field,
				"type":        f.Type,
				"description": f.Description,
			})
		}
		out["required"] = required
	case StatusError:
		detail := map[string]any{"code": string(agenterr.CodeToolExecution), "message": "unknown error"}
		if n.Error != nil {
			detail["code"] = string(n.Error.Code)
			detail["message"] = n.Error.Message
		}
		out["error"] = detail
	default:
		if n.Data != nil {
			out["data"] = n.Data
		}
	}
	return out
}

// Speakable renders a normalized response as a short user-facing string.
// Coordinators use it when a caller needs something sayable regardless
// of outcome.
func Speakable(n Normalized) string {
	switch n.Status {
	case StatusSuccess, StatusPartial:
		if s, ok := stringField(n.Data, "instructions", "text"); ok {
			return s
		}
		return "Done."
	case StatusNeedsInfo:
		if len(n.Required) > 0 {
			return fmt.Sprintf("I need a bit more information: %s.", n.Required[0].Description)
		}
		return "I need a bit more information to continue."
	case StatusError:
		if n.Error != nil && n.Error.Code == agenterr.CodeToolTimeout {
			return "That took too long to complete. Please try again."
		}
		return "I'm sorry, something went wrong handling that request."
	default:
		return "I'm sorry, something went wrong handling that request."
	}
}
