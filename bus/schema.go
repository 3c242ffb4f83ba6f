package bus

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

// FieldError is one structural problem found in a message.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every field-level problem of a message. Messages
// failing validation are dropped, never redelivered.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		if fe.Path == "" {
			msgs = append(msgs, fe.Message)
			continue
		}
		msgs = append(msgs, fe.Path+": "+fe.Message)
	}
	return "invalid message: " + strings.Join(msgs, "; ")
}

// Schema validates JSON payloads against a CUE definition.
type Schema struct {
	// cue.Context is not safe for concurrent use.
	mu    sync.Mutex
	ctx   *cue.Context
	value cue.Value
	name  string
	// selectors of the definition, stripped from error paths
	prefix []string
}

// CompileSchema compiles src and selects definition (e.g. "#Order"). An empty
// definition validates against the whole file.
func CompileSchema(src, definition string) (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	name := "schema"
	var prefix []string
	if definition != "" {
		path := cue.ParsePath(definition)
		if err := path.Err(); err != nil {
			return nil, fmt.Errorf("compile schema: %w", err)
		}
		for _, sel := range path.Selectors() {
			prefix = append(prefix, sel.String())
		}
		v = v.LookupPath(path)
		if !v.Exists() {
			return nil, fmt.Errorf("compile schema: definition %s not found", definition)
		}
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", definition, err)
		}
		name = definition
	}
	return &Schema{ctx: ctx, value: v, name: name, prefix: prefix}, nil
}

func MustCompileSchema(src, definition string) *Schema {
	s, err := CompileSchema(src, definition)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string {
	return s.name
}

// Validate returns a *ValidationError when payload is malformed or does not
// satisfy the schema.
func (s *Schema) Validate(payload []byte) error {
	expr, err := cuejson.Extract("payload.json", payload)
	if err != nil {
		return &ValidationError{Errors: []FieldError{{Message: "malformed JSON: " + err.Error()}}}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.BuildExpr(expr)
	if err := data.Err(); err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	err = s.value.Unify(data).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}

	var fieldErrs []FieldError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		fieldErrs = append(fieldErrs, FieldError{
			Path:    s.fieldPath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(fieldErrs) == 0 {
		fieldErrs = append(fieldErrs, FieldError{Message: err.Error()})
	}
	return &ValidationError{Errors: fieldErrs}
}

// fieldPath names a record field, without the definition it was checked
// against: "#Order.quantity" becomes "quantity".
func (s *Schema) fieldPath(path []string) string {
	if len(path) >= len(s.prefix) && slices.Equal(path[:len(s.prefix)], s.prefix) {
		path = path[len(s.prefix):]
	}
	return strings.Join(path, ".")
}
