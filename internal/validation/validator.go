// Package validation wraps go-playground/validator with a shared instance
// and messages that name fields by their JSON keys.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/common/model"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// Error collects every failed rule of one struct.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

// Validator returns the shared instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("labelname", func(fl validator.FieldLevel) bool {
			return model.LabelNameRE.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Struct validates s. The result is nil or an *Error.
func Struct(s any) error {
	return convert(Validator().Struct(s), "")
}

// Var validates a single value, reporting it under name.
func Var(name string, v any, tag string) error {
	return convert(Validator().Var(v, tag), name)
}

// LabelName reports whether s is a valid Prometheus label name.
func LabelName(s string) error {
	return Var("label", s, "required,labelname")
}

func convert(err error, name string) error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return &Error{Fields: []FieldError{{Field: "unknown", Tag: "unknown", Message: err.Error()}}}
	}
	out := &Error{Fields: make([]FieldError, len(ves))}
	for i, fe := range ves {
		field := fe.Field()
		if name != "" {
			field = name
		}
		out.Fields[i] = FieldError{Field: field, Tag: fe.Tag(), Message: message(fe, field)}
	}
	return out
}

var messages = map[string]string{
	"required":  "%s is required",
	"url":       "%s must be a valid URL",
	"hexcolor":  "%s must be a hex color such as #1f77b4",
	"labelname": "%s must be a valid label name",
}

var messagesWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
}

func message(fe validator.FieldError, field string) string {
	if tmpl, ok := messages[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field)
	}
	if tmpl, ok := messagesWithParam[fe.Tag()]; ok {
		return fmt.Sprintf(tmpl, field, fe.Param())
	}
	isString := fe.Kind() == reflect.String
	switch fe.Tag() {
	case "min":
		if isString {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		if isString {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
