package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds CUE definitions that catalogs are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("catalog", builtinCatalogSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles schema and stores it under name. The source must
// define #<Name> with the first letter upper-cased, e.g. #Catalog for "catalog".
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definitionName(name))
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema checks data, after JSON encoding, against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.CompileBytes(raw)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		// Positions point into the generated document or the schema, not the input.
		verrs := convertCUEErrors(err)
		for i := range verrs {
			verrs[i].File, verrs[i].Line, verrs[i].Column = "", 0, 0
		}
		return ValidationErrors(verrs)
	}
	return nil
}

// ValidateCatalog validates a catalog against the catalog schema.
func (sr *SchemaRegistry) ValidateCatalog(c *Catalog) error {
	return sr.ValidateAgainstSchema("catalog", c)
}

func definitionName(name string) string {
	if name == "" {
		return "#"
	}
	return "#" + strings.ToUpper(name[:1]) + name[1:]
}

const builtinCatalogSchema = `
#ID: string & =~"^[A-Za-z0-9][A-Za-z0-9._:/-]*$"

#Name: string & !="" & =~"^[^\\s].*[^\\s]$|^[^\\s]$"

#PrincipalType: "User" | "Group" | "ServicePrincipal" | "ServicePrincipalProfile"

#Role: "Admin" | "Member" | "Contributor" | "Viewer"

#Item: {
	id?:          #ID
	name:         #Name
	description?: string
	required?:    bool
	payload?: {...}
}

#Artifact: {
	id?:          #ID
	name:         #Name
	description?: string
	type?:        string & !=""
	file?:        string & !=""
	required?:    bool
	payload?: {...}
}

#AccessGrant: {
	id?:            #ID
	principalId:    string & !=""
	principalType?: #PrincipalType
	role:           #Role
	required?:      bool
}

#Workspace: {
	id?:          #ID
	name:         #Name
	description?: string
	capacityId?:  string
	payload?: {...}

	dataContainers?: [...#Item]
	computeContainers?: [...#Item]
	artifacts?: [...#Artifact]
	accessGrants?: [...#AccessGrant]
}

#Resource: {
	id:        #ID
	kind:      "workspace" | "data_container" | "compute_container" | "artifact" | "access_grant"
	name?:     #Name
	parent?:   #ID
	required?: bool
	file?:     string & !=""
	payload?: {...}

	if kind != "access_grant" {
		name: #Name
	}
	if kind == "workspace" {
		parent?: ""
	}
}

#Catalog: {
	defaults?: {
		capacityId?:    string
		principalType?: #PrincipalType
	}
	workspaces?: [...#Workspace]
	resources?: [...#Resource]
}
`
