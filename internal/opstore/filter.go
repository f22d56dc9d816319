package opstore

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter wraps a compiled CEL program evaluated against quarantined records,
// so operators can narrow archive listings by type, reason, or payload
// fields. When built from an empty expression, Eval always returns true.
type Filter struct {
	prog    cel.Program
	enabled bool
}

// NewFilter compiles expr. Available variables: id, operation_type,
// priority, attempts, reason, last_error, quarantined_ms, payload (the
// structured payload map), and now_ms.
func NewFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("operation_type", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("attempts", cel.IntType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("last_error", cel.StringType),
		cel.Variable("quarantined_ms", cel.IntType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return Filter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return Filter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return Filter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return Filter{}, err
	}
	return Filter{prog: prog, enabled: true}, nil
}

// Eval evaluates the expression against one record. Evaluation errors count
// as non-matches.
func (f Filter) Eval(rec Record) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":             rec.ID,
		"operation_type": rec.OperationType,
		"priority":       string(rec.Priority),
		"attempts":       int64(rec.Attempts),
		"reason":         rec.QuarantineReason,
		"last_error":     rec.LastError,
		"quarantined_ms": rec.QuarantinedMs,
		"payload":        rec.Payload,
		"now_ms":         time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
