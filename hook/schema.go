package hook

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/xraph/durable"
)

// Schema validates a hook payload before it is delivered.
type Schema interface {
	Validate(payload []byte) error
}

// SchemaFunc adapts a function into a Schema.
type SchemaFunc func(payload []byte) error

// Validate calls f.
func (f SchemaFunc) Validate(payload []byte) error { return f(payload) }

// FieldType is the JSON type a Field must have.
type FieldType string

const (
	String  FieldType = "string"
	Number  FieldType = "number"
	Bool    FieldType = "bool"
	Object  FieldType = "object"
	Array   FieldType = "array"
	AnyType FieldType = "any"
)

// Field describes one member of a JSON object payload. Name is a gjson
// path, so nested members ("guest.email") are allowed.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// Required is shorthand for a required field of type t.
func Required(name string, t FieldType) Field { return Field{Name: name, Type: t, Required: true} }

// Optional is shorthand for an optional field of type t.
func Optional(name string, t FieldType) Field { return Field{Name: name, Type: t} }

// JSONObject returns a Schema accepting a JSON object whose fields match.
// Unknown members are allowed.
func JSONObject(fields ...Field) Schema {
	return SchemaFunc(func(payload []byte) error {
		if !gjson.ValidBytes(payload) {
			return durable.NewValidationError("payload", "not valid JSON")
		}
		root := gjson.ParseBytes(payload)
		if !root.IsObject() {
			return durable.NewValidationError("payload", "expected a JSON object")
		}

		var problems []string
		for _, f := range fields {
			v := root.Get(f.Name)
			if !v.Exists() || v.Type == gjson.Null {
				if f.Required {
					problems = append(problems, f.Name+" is required")
				}
				continue
			}
			if !matches(v, f.Type) {
				problems = append(problems, fmt.Sprintf("%s must be %s", f.Name, f.Type))
			}
		}
		if len(problems) > 0 {
			return durable.NewValidationError("payload", strings.Join(problems, "; "))
		}
		return nil
	})
}

// AnyJSON accepts any syntactically valid JSON document.
func AnyJSON() Schema {
	return SchemaFunc(func(payload []byte) error {
		if !gjson.ValidBytes(payload) {
			return durable.NewValidationError("payload", "not valid JSON")
		}
		return nil
	})
}

// Approval accepts approve/reject decisions: {"approved": bool, "comment"?: string}.
func Approval() Schema {
	return JSONObject(Required("approved", Bool), Optional("comment", String))
}

func matches(v gjson.Result, t FieldType) bool {
	switch t {
	case String:
		return v.Type == gjson.String
	case Number:
		return v.Type == gjson.Number
	case Bool:
		return v.IsBool()
	case Object:
		return v.IsObject()
	case Array:
		return v.IsArray()
	default:
		return true
	}
}
