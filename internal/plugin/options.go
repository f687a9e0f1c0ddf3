package plugin

import (
	"fmt"
	"sort"

	"codeberg.org/mutker/spectractl/internal/errors"
	"github.com/spf13/cast"
)

// Kind is the value type of a declared option.
type Kind int

const (
	KindFloat Kind = iota
	KindInt
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	default:
		return "string"
	}
}

// Field declares one plugin option. Min and Max bound numeric fields when
// non-nil.
type Field struct {
	Name     string
	Kind     Kind
	Default  any
	Required bool
	Min      *float64
	Max      *float64
}

// Bound is a helper for Field.Min and Field.Max.
func Bound(v float64) *float64 {
	return &v
}

// Options holds the configuration passed to a plugin factory. Declared fields
// are coerced to their kind; undeclared keys are passed through verbatim.
type Options map[string]any

func (o Options) Float(name string) float64 {
	return cast.ToFloat64(o[name])
}

func (o Options) Int(name string) int {
	return cast.ToInt(o[name])
}

func (o Options) Bool(name string) bool {
	return cast.ToBool(o[name])
}

func (o Options) Str(name string) string {
	return cast.ToString(o[name])
}

// Has reports whether name was set or defaulted.
func (o Options) Has(name string) bool {
	_, ok := o[name]
	return ok
}

// Resolve validates raw against the descriptor's fields, applies defaults and
// returns the options handed to the factory.
func (d Descriptor) Resolve(raw map[string]any) (Options, error) {
	errFactory := errors.New()

	opts := make(Options, len(raw)+len(d.Fields))
	for k, v := range raw {
		opts[k] = v
	}

	for _, field := range d.Fields {
		v, ok := raw[field.Name]
		if !ok {
			if field.Required {
				return nil, errFactory.WithData(errors.ErrPluginOption,
					fmt.Sprintf("%s: option %q is required", d.Name, field.Name))
			}
			if field.Default != nil {
				opts[field.Name] = field.Default
			}
			continue
		}

		coerced, err := coerce(field, v)
		if err != nil {
			return nil, errFactory.WithData(errors.ErrPluginOption,
				fmt.Sprintf("%s: option %q: %v", d.Name, field.Name, err))
		}
		opts[field.Name] = coerced
	}

	return opts, nil
}

// Unknown lists the keys in raw that the descriptor does not declare.
func (d Descriptor) Unknown(raw map[string]any) []string {
	declared := make(map[string]struct{}, len(d.Fields))
	for _, f := range d.Fields {
		declared[f.Name] = struct{}{}
	}

	var out []string
	for k := range raw {
		if _, ok := declared[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)

	return out
}

func coerce(field Field, v any) (any, error) {
	switch field.Kind {
	case KindFloat:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return nil, fmt.Errorf("expected %s", field.Kind)
		}
		return f, checkRange(field, f)
	case KindInt:
		i, err := cast.ToIntE(v)
		if err != nil {
			return nil, fmt.Errorf("expected %s", field.Kind)
		}
		return i, checkRange(field, float64(i))
	case KindBool:
		b, err := cast.ToBoolE(v)
		if err != nil {
			return nil, fmt.Errorf("expected %s", field.Kind)
		}
		return b, nil
	default:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("expected %s", field.Kind)
		}
		return s, nil
	}
}

func checkRange(field Field, v float64) error {
	if field.Min != nil && v < *field.Min {
		return fmt.Errorf("%v is below minimum %v", v, *field.Min)
	}
	if field.Max != nil && v > *field.Max {
		return fmt.Errorf("%v is above maximum %v", v, *field.Max)
	}

	return nil
}
