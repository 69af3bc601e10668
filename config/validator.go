package config

import (
	_ "embed"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/depkit/errors"
)

//go:embed schema.json
var schemaJSON []byte

var (
	validate = newValidator()
	schema   = mustSchema()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("subject_token", func(fl validator.FieldLevel) bool {
		return isValidSubjectToken(fl.Field().String())
	})
	return v
}

func mustSchema() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return s
}

// isValidSubjectToken reports whether s can be used as one or more NATS
// subject tokens: letters, digits, dashes, underscores and inner dots.
func isValidSubjectToken(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// describe renders validator errors as "path: rule" pairs
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", path, rule))
	}
	return strings.Join(parts, "; ")
}

// ValidateDocument checks a decoded configuration document against the
// embedded schema
func ValidateDocument(doc map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%v: %w", err, errors.ErrInvalidConfig),
			"Config", "ValidateDocument", "schema evaluation")
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(fmt.Errorf("%s: %w", strings.Join(msgs, "; "), errors.ErrInvalidConfig),
		"Config", "ValidateDocument", "schema validation")
}
