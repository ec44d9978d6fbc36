package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CUEParser evaluates catalogs written in CUE, either a single file or a
// directory holding one CUE package, down to concrete JSON. It is not safe
// for concurrent use.
type CUEParser struct {
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: cuecontext.New()}
}

// ParsePath evaluates path, which may be a .cue file or a package directory.
func (cp *CUEParser) ParsePath(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}
	if !info.IsDir() {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		return cp.Parse(content, path)
	}

	val, err := cp.loadDirectory(path)
	if err != nil {
		return nil, err
	}
	return cp.export(val)
}

// Parse evaluates CUE source held in memory. filename is used in error positions.
func (cp *CUEParser) Parse(content []byte, filename string) ([]byte, error) {
	val := cp.ctx.CompileBytes(content, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, ValidationErrors(convertCUEErrors(err))
	}
	return cp.export(val)
}

// loadDirectory loads a directory as a CUE package.
func (cp *CUEParser) loadDirectory(dir string) (cue.Value, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, ValidationErrors(convertCUEErrors(inst.Err))
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, ValidationErrors(convertCUEErrors(err))
	}
	return val, nil
}

// export requires val to be concrete and renders it as JSON. Definitions and
// hidden fields are left out, so a catalog may declare helpers of its own.
func (cp *CUEParser) export(val cue.Value) ([]byte, error) {
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, ValidationErrors(convertCUEErrors(err))
	}
	raw, err := val.MarshalJSON()
	if err != nil {
		return nil, ValidationErrors(convertCUEErrors(err))
	}
	return raw, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		out = append(out, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		})
	}

	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
