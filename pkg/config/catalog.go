package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format is the syntax a catalog is written in.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCUE  Format = "cue"
)

// FormatFromPath picks the format from the file extension. Directories are
// read as CUE packages.
func FormatFromPath(path string) (Format, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return FormatCUE, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported catalog format %q (use .yaml, .json, .jsonc or .cue)", filepath.Ext(path))
	}
}

var catalogIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]*$`)

// Loader reads and validates catalogs.
type Loader struct {
	schemas  *SchemaRegistry
	cue      *CUEParser
	validate *validator.Validate
}

// NewLoader creates a loader with the built-in catalog schema.
func NewLoader() *Loader {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("catalogid", func(fl validator.FieldLevel) bool {
		return catalogIDPattern.MatchString(fl.Field().String())
	})

	return &Loader{
		schemas:  NewSchemaRegistry(),
		cue:      NewCUEParser(),
		validate: v,
	}
}

// LoadCatalog reads the catalog at path with a fresh Loader.
func LoadCatalog(path string) (*Catalog, error) {
	return NewLoader().Load(path)
}

// Load reads, checks and decodes the catalog at path.
func (l *Loader) Load(path string) (*Catalog, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	var raw []byte
	if format == FormatCUE {
		raw, err = l.cue.ParsePath(path)
	} else {
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		raw, err = l.toJSON(data, format, path)
	}
	if err != nil {
		return nil, withFile(err, path)
	}

	c, err := l.decode(raw)
	if err != nil {
		return nil, withFile(err, path)
	}
	c.Source = path
	return c, nil
}

// Parse checks and decodes a catalog held in memory.
func (l *Loader) Parse(data []byte, format Format) (*Catalog, error) {
	raw, err := l.toJSON(data, format, "catalog."+string(format))
	if err != nil {
		return nil, err
	}
	return l.decode(raw)
}

// toJSON normalizes any supported syntax to a JSON document.
func (l *Loader) toJSON(data []byte, format Format, filename string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return jsonc.ToJSON(data), nil
	case FormatCUE:
		return l.cue.Parse(data, filename)
	case FormatYAML:
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if doc == nil {
			doc = map[string]interface{}{}
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", format)
	}
}

// decode validates the JSON document against the schema, then decodes it
// strictly and applies the struct rules.
func (l *Loader) decode(raw []byte) (*Catalog, error) {
	var probe interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if err := l.schemas.ValidateAgainstSchema("catalog", json.RawMessage(raw)); err != nil {
		return nil, err
	}

	c := &Catalog{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	if err := l.Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate applies the struct rules and checks that the catalog declares
// at least one resource.
func (l *Loader) Validate(c *Catalog) error {
	if err := l.validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate catalog: %w", err)
		}
		out := make(ValidationErrors, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Path:    strings.TrimPrefix(fe.Namespace(), "Catalog."),
				Message: fieldMessage(fe),
			})
		}
		return out
	}

	if len(c.Workspaces) == 0 && len(c.Resources) == 0 {
		return ValidationErrors{{Message: "catalog declares no resources"}}
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_unless":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "catalogid":
		return fmt.Sprintf("%q is not a valid id", fe.Value())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func withFile(err error, path string) error {
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make(ValidationErrors, len(verrs))
	for i, e := range verrs {
		if e.File == "" {
			e.File = path
		}
		out[i] = e
	}
	return out
}
