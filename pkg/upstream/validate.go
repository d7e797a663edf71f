package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"strconv"
	"strings"
)

// Issue is one schema violation
type Issue struct {
	Path    string
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationError lists every schema violation found in a payload. It
// matches ErrInvalidResponse with errors.Is.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrInvalidResponse.Error()
	}
	msg := ErrInvalidResponse.Error() + ": " + e.Issues[0].String()
	if n := len(e.Issues) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidResponse
}

// Validate parses data and checks it against the member payload schema. A
// payload with any violation is rejected as a whole.
func Validate(data []byte) (*Response, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Message: "malformed JSON: " + err.Error()}}}
	}

	var issues []Issue
	responseSchema.check("", doc, &issues)
	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	// integer fields were rewritten in canonical form during the check
	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, &ValidationError{Issues: []Issue{{Message: err.Error()}}}
	}

	var resp Response
	if err := json.Unmarshal(normalized, &resp); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Message: err.Error()}}}
	}
	return &resp, nil
}

// schema is a node of the payload shape. Unknown object keys are ignored.
type schema interface {
	check(path string, v any, issues *[]Issue)
}

type field struct {
	name string
	schema
}

type object []field

func (o object) check(path string, v any, issues *[]Issue) {
	m, ok := v.(map[string]any)
	if !ok {
		addIssue(issues, path, "expected object, got %s", typeName(v))
		return
	}
	for _, f := range o {
		child := joinPath(path, f.name)
		value, present := m[f.name]
		if !present {
			addIssue(issues, child, "required")
			continue
		}
		f.schema.check(child, value, issues)
		if _, isInt := f.schema.(integer); isInt {
			if n, ok := value.(json.Number); ok {
				if i, ok := integral(n); ok {
					m[f.name] = json.Number(strconv.FormatInt(i, 10))
				}
			}
		}
	}
}

type array struct {
	elem schema
}

func (a array) check(path string, v any, issues *[]Issue) {
	items, ok := v.([]any)
	if !ok {
		addIssue(issues, path, "expected array, got %s", typeName(v))
		return
	}
	for i, item := range items {
		a.elem.check(path+"["+strconv.Itoa(i)+"]", item, issues)
	}
}

type str struct {
	nullable bool
	email    bool
}

func (s str) check(path string, v any, issues *[]Issue) {
	if v == nil && s.nullable {
		return
	}
	text, ok := v.(string)
	if !ok {
		addIssue(issues, path, "expected string, got %s", typeName(v))
		return
	}
	if s.email && !validEmail(text) {
		addIssue(issues, path, "invalid email address")
	}
}

type integer struct{}

func (integer) check(path string, v any, issues *[]Issue) {
	n, ok := v.(json.Number)
	if !ok {
		addIssue(issues, path, "expected number, got %s", typeName(v))
		return
	}
	if _, ok := integral(n); !ok {
		addIssue(issues, path, "expected integer, got %s", n.String())
	}
}

// integral parses n as a whole number, accepting exponent forms like 1e3.
func integral(n json.Number) (int64, bool) {
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

type stringOrNumber struct{}

func (stringOrNumber) check(path string, v any, issues *[]Issue) {
	switch v.(type) {
	case string, json.Number:
	default:
		addIssue(issues, path, "expected string or number, got %s", typeName(v))
	}
}

var (
	text     = str{}
	nullable = str{nullable: true}
	email    = str{email: true}
)

var memberSchema = object{
	{"gender", text},
	{"name", object{
		{"title", text},
		{"first", text},
		{"last", text},
	}},
	{"location", object{
		{"street", object{
			{"number", integer{}},
			{"name", text},
		}},
		{"city", text},
		{"state", text},
		{"country", text},
		{"postcode", stringOrNumber{}},
	}},
	{"email", email},
	{"login", object{
		{"uuid", text},
	}},
	{"dob", object{
		{"date", text},
		{"age", integer{}},
	}},
	{"phone", text},
	{"cell", text},
	{"id", object{
		{"name", nullable},
		{"value", nullable},
	}},
	{"picture", object{
		{"large", text},
		{"medium", text},
		{"thumbnail", text},
	}},
	{"nat", text},
}

var responseSchema = object{
	{"results", array{elem: memberSchema}},
	{"info", object{
		{"seed", text},
		{"results", integer{}},
		{"page", integer{}},
		{"version", text},
	}},
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	domain := s[strings.LastIndex(s, "@")+1:]
	return strings.Contains(domain, ".")
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}

func addIssue(issues *[]Issue, path, format string, args ...any) {
	*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
