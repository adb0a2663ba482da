package config

import (
	"errors"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	enTranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/samber/lo"
)

// ErrTranslatorNotFound indicates the English translator is unavailable.
var ErrTranslatorNotFound = errors.New("translator not found")

// ValidationError maps configuration keys, in YAML dotted form, to the
// reason they were rejected.
type ValidationError map[string]string

// Error implements the error interface.
func (ve ValidationError) Error() string {
	if len(ve) == 0 {
		return "invalid configuration"
	}

	keys := lo.Keys(ve)
	slices.Sort(keys)

	parts := lo.Map(keys, func(k string, _ int) string { return k + ": " + ve[k] })
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Validate checks the global settings and the section of the selected
// provider. The other provider sections are not checked.
func (c *Config) Validate() error {
	validate, trans, err := newValidator()
	if err != nil {
		return err
	}

	ve := make(ValidationError)
	if err := collect(ve, "", validate.Struct(c), trans); err != nil {
		return err
	}

	switch c.ResolvedProvider() {
	case ProviderMailjet:
		err = collect(ve, "mailjet", validate.Struct(c.Mailjet), trans)
	case ProviderSES:
		err = collect(ve, "ses", validate.Struct(c.SES), trans)
	}
	if err != nil {
		return err
	}

	maps.Copy(ve, c.envErrs)

	if len(ve) > 0 {
		return ve
	}
	return nil
}

// newValidator builds a validator that reports fields by their YAML name.
func newValidator() (*validator.Validate, ut.Translator, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	enLang := en.New()
	uni := ut.New(enLang, enLang)
	trans, ok := uni.GetTranslator("en")
	if !ok {
		return nil, nil, ErrTranslatorNotFound
	}
	if err := enTranslations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, nil, err
	}

	return validate, trans, nil
}

// collect adds every field error in err to ve under prefix. Errors that are
// not validation errors are returned as is.
func collect(ve ValidationError, prefix string, err error, trans ut.Translator) error {
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	for _, fe := range fieldErrs {
		// Namespace is "<StructType>.<yaml path>"; drop the type name.
		_, key, _ := strings.Cut(fe.Namespace(), ".")
		if prefix != "" {
			key = prefix + "." + key
		}
		ve[key] = fe.Translate(trans)
	}
	return nil
}
