// Package toolcall validates tool calls proposed by the model before the
// engine gates or executes them. A call that fails validation is an
// agent-caused mistake.
package toolcall

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const defaultCacheSize = 128

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.:\-]{1,128}$`)

// Call is the tool invocation the model asked for.
type Call struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
	// Schema is the tool's JSON Schema for Args, when the gateway supplies one.
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ValidationError describes why a call was refused.
type ValidationError struct {
	Tool    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Tool == "" {
		return "invalid tool call: " + e.Message
	}
	return fmt.Sprintf("invalid tool call %q: %s", e.Tool, e.Message)
}

// Validator checks calls and caches compiled schemas by content hash.
type Validator struct {
	schemas *lru.Cache[string, *jsonschema.Schema]
}

func NewValidator(cacheSize int) (*Validator, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, *jsonschema.Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &Validator{schemas: cache}, nil
}

// Normalize fills defaults on a call: empty args become {}.
func Normalize(c Call) Call {
	if len(bytes.TrimSpace(c.Args)) == 0 {
		c.Args = json.RawMessage(`{}`)
	}
	c.Name = strings.TrimSpace(c.Name)
	return c
}

// Validate checks the tool name, that args are a JSON object, and, when a
// schema is present, that args satisfy it.
func (v *Validator) Validate(c Call) error {
	c = Normalize(c)
	if !namePattern.MatchString(c.Name) {
		return &ValidationError{Tool: c.Name, Message: "tool name is empty or malformed"}
	}
	args, err := jsonschema.UnmarshalJSON(bytes.NewReader(c.Args))
	if err != nil {
		return &ValidationError{Tool: c.Name, Message: fmt.Sprintf("args are not valid JSON: %s", err)}
	}
	if _, ok := args.(map[string]any); !ok {
		return &ValidationError{Tool: c.Name, Message: "args must be a JSON object"}
	}
	if len(bytes.TrimSpace(c.Schema)) == 0 {
		return nil
	}
	schema, err := v.compile(c.Schema)
	if err != nil {
		return &ValidationError{Tool: c.Name, Message: err.Error()}
	}
	if err := schema.Validate(args); err != nil {
		return &ValidationError{Tool: c.Name, Message: fmt.Sprintf("schema validation failed: %s", err)}
	}
	return nil
}

// CachedSchemas reports how many compiled schemas are cached.
func (v *Validator) CachedSchemas() int {
	return v.schemas.Len()
}

func (v *Validator) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])
	if s, ok := v.schemas.Get(key); ok {
		return s, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	url := key + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.schemas.Add(key, schema)
	return schema, nil
}
