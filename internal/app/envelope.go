package app

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"

	"spt-go/internal/patch"
)

// Error codes reported in failure envelopes.
const (
	CodeInput    = 1
	CodeInternal = 2
)

// Envelope is the machine-readable result document for JSON output mode.
// Exactly one of Data (ok) or Code/Message (not ok) is populated.
type Envelope struct {
	Ok      bool   `json:"ok"`
	Data    any    `json:"data,omitempty"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Cause   string `json:"cause,omitempty"`
}

// OK wraps a successful result.
func OK(data any) Envelope {
	return Envelope{Ok: true, Data: data}
}

// Fail wraps an error, classifying caller mistakes separately from internal
// failures so scripted callers can branch on the code.
func Fail(err error) Envelope {
	env := Envelope{Ok: false, Code: CodeInternal, Message: err.Error()}

	var inputErr *patch.InputError
	if errors.As(err, &inputErr) {
		env.Code = CodeInput
		env.Message = inputErr.Msg
	}
	if cause := errors.Unwrap(err); cause != nil {
		env.Cause = cause.Error()
	}
	return env
}

// ApplyEnvelope converts an apply run into its result envelope. Any failed
// package makes the whole envelope a failure, so scripted callers see
// ok=false exactly when the command exits non-zero.
func ApplyEnvelope(result *patch.ApplyResult) Envelope {
	failed := result.Failed()
	if len(failed) > 0 {
		ids := make([]string, len(failed))
		for i, id := range failed {
			ids[i] = string(id)
		}
		return Envelope{
			Ok:      false,
			Code:    CodeInternal,
			Message: fmt.Sprintf("%d package(s) failed: %s", len(ids), strings.Join(ids, ", ")),
		}
	}
	return OK(map[string]any{
		"dryRun":  result.DryRun,
		"patched": result.Patched(),
		"failed":  failed,
	})
}

// WriteTo serializes the envelope as a single JSON line.
func (e Envelope) WriteTo(w io.Writer) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding result envelope: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing result envelope: %w", err)
	}
	return nil
}
