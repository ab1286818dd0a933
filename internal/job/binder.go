package job

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"

	"conductor/internal/apperrors"
)

// TagName is the struct tag that marks bindable job fields:
//
//	Images []string `param:"images,required"`
//	Result string   `param:"migrated,output"`
//
// Input fields are bound from submission values before the first run.
// Output fields are never bound. Every tagged field is copied into the
// instance results after each run.
const TagName = "param"

type field struct {
	name     string
	index    []int
	typ      reflect.Type
	required bool
	output   bool
}

func (f field) describe() ParamDescription {
	return ParamDescription{
		Name:     f.name,
		Type:     f.typ.String(),
		Required: f.required,
		Output:   f.output,
	}
}

// inspect lists the tagged fields of j. Jobs that are not pointers to
// structs have no bindable fields.
func inspect(j Job) ([]field, error) {
	if j == nil {
		return nil, fmt.Errorf("factory returned nil job")
	}
	v := reflect.ValueOf(j)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return nil, nil
	}
	return structFields(v.Elem().Type())
}

func structFields(t reflect.Type) ([]field, error) {
	var fields []field
	seen := make(map[string]bool)
	for _, sf := range reflect.VisibleFields(t) {
		tag, ok := sf.Tag.Lookup(TagName)
		if !ok || tag == "-" {
			continue
		}
		if !sf.IsExported() {
			return nil, fmt.Errorf("field %s: %s tag on unexported field", sf.Name, TagName)
		}
		parts := strings.Split(tag, ",")
		f := field{name: parts[0], index: sf.Index, typ: sf.Type}
		if f.name == "" {
			f.name = sf.Name
		}
		for _, opt := range parts[1:] {
			switch strings.TrimSpace(opt) {
			case "required":
				f.required = true
			case "output":
				f.output = true
			case "":
			default:
				return nil, fmt.Errorf("field %s: unknown %s option %q", sf.Name, TagName, opt)
			}
		}
		if f.required && f.output {
			return nil, fmt.Errorf("field %s: output parameters cannot be required", sf.Name)
		}
		if seen[f.name] {
			return nil, fmt.Errorf("field %s: duplicate parameter name %q", sf.Name, f.name)
		}
		seen[f.name] = true
		fields = append(fields, f)
	}
	return fields, nil
}

// Validator is implemented by jobs that check their bound fields before
// the instance is accepted.
type Validator interface {
	Validate() error
}

// bind copies submission values onto the tagged input fields of j,
// coercing loosely typed values (strings to numbers, "30s" to durations,
// comma lists to slices, strings to encoding.TextUnmarshaler types).
// Values without a matching field are ignored.
func bind(j Job, params Parameters) error {
	if err := bindFields(j, params); err != nil {
		return err
	}
	if v, ok := j.(Validator); ok {
		if err := v.Validate(); err != nil {
			var appErr *apperrors.Error
			if errors.As(err, &appErr) && appErr.Field != "" {
				return apperrors.Binding(appErr.Field, appErr.Message, nil)
			}
			return apperrors.Binding("", "invalid parameters", err)
		}
	}
	return nil
}

func bindFields(j Job, params Parameters) error {
	fields, err := inspect(j)
	if err != nil {
		return apperrors.Binding("", "invalid job definition", err)
	}
	if len(fields) == 0 {
		return nil
	}
	target := reflect.ValueOf(j).Elem()

	for _, f := range fields {
		if f.output {
			continue
		}
		value, ok := params.Value(f.name)
		if !ok || value == nil {
			if f.required {
				return apperrors.Binding(f.name, "required parameter missing", nil)
			}
			continue
		}

		fv := target.FieldByIndex(f.index)
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           fv.Addr().Interface(),
			WeaklyTypedInput: true,
			TagName:          TagName,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.TextUnmarshallerHookFunc(),
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		})
		if err != nil {
			return apperrors.Binding(f.name, "decoder setup failed", err)
		}
		if err := decoder.Decode(value); err != nil {
			return apperrors.Binding(f.name, fmt.Sprintf("cannot convert %T to %s", value, f.typ), err)
		}
	}
	return nil
}

// readBack returns the current value of every tagged field of j.
func readBack(j Job) map[string]any {
	fields, err := inspect(j)
	if err != nil || len(fields) == 0 {
		return nil
	}
	source := reflect.ValueOf(j).Elem()
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.name] = source.FieldByIndex(f.index).Interface()
	}
	return out
}
