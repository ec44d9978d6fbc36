package config

import (
	"fmt"
	"strings"
)

// Catalog is the declarative description of everything a run provisions.
// Workspaces carry their nested items inline; Resources is the flat form for
// anything that does not fit the nesting.
type Catalog struct {
	// Defaults apply to entries that leave the field empty.
	Defaults Defaults `json:"defaults,omitempty" yaml:"defaults"`

	// Workspaces are the roots of the resource forest.
	Workspaces []WorkspaceEntry `json:"workspaces,omitempty" yaml:"workspaces" validate:"dive"`

	// Resources lists additional resources with explicit ids and parents.
	Resources []ResourceEntry `json:"resources,omitempty" yaml:"resources" validate:"dive"`

	// Source is the file the catalog was read from.
	Source string `json:"-" yaml:"-"`
}

// Defaults holds catalog-wide default values.
type Defaults struct {
	// CapacityID is assigned to workspaces that do not name a capacity.
	CapacityID string `json:"capacityId,omitempty" yaml:"capacityId"`

	// PrincipalType is used by access grants that do not name one.
	PrincipalType string `json:"principalType,omitempty" yaml:"principalType" validate:"omitempty,oneof=User Group ServicePrincipal ServicePrincipalProfile"`
}

// WorkspaceEntry is a workspace and the items nested in it.
type WorkspaceEntry struct {
	ID          string                 `json:"id,omitempty" yaml:"id" validate:"omitempty,catalogid"`
	Name        string                 `json:"name" yaml:"name" validate:"required,max=256"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	CapacityID  string                 `json:"capacityId,omitempty" yaml:"capacityId"`
	Payload     map[string]interface{} `json:"payload,omitempty" yaml:"payload"`

	DataContainers    []ItemEntry        `json:"dataContainers,omitempty" yaml:"dataContainers" validate:"dive"`
	ComputeContainers []ItemEntry        `json:"computeContainers,omitempty" yaml:"computeContainers" validate:"dive"`
	Artifacts         []ArtifactEntry    `json:"artifacts,omitempty" yaml:"artifacts" validate:"dive"`
	AccessGrants      []AccessGrantEntry `json:"accessGrants,omitempty" yaml:"accessGrants" validate:"dive"`
}

// ItemEntry is a lakehouse or warehouse inside a workspace.
type ItemEntry struct {
	ID          string                 `json:"id,omitempty" yaml:"id" validate:"omitempty,catalogid"`
	Name        string                 `json:"name" yaml:"name" validate:"required,max=256"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	Required    bool                   `json:"required,omitempty" yaml:"required"`
	Payload     map[string]interface{} `json:"payload,omitempty" yaml:"payload"`
}

// ArtifactEntry is a document item such as a notebook. File, when set, is
// read at load time and sent as the item definition.
type ArtifactEntry struct {
	ID          string                 `json:"id,omitempty" yaml:"id" validate:"omitempty,catalogid"`
	Name        string                 `json:"name" yaml:"name" validate:"required,max=256"`
	Description string                 `json:"description,omitempty" yaml:"description"`
	Type        string                 `json:"type,omitempty" yaml:"type"`
	File        string                 `json:"file,omitempty" yaml:"file"`
	Required    bool                   `json:"required,omitempty" yaml:"required"`
	Payload     map[string]interface{} `json:"payload,omitempty" yaml:"payload"`
}

// AccessGrantEntry assigns a workspace role to a principal.
type AccessGrantEntry struct {
	ID            string `json:"id,omitempty" yaml:"id" validate:"omitempty,catalogid"`
	PrincipalID   string `json:"principalId" yaml:"principalId" validate:"required"`
	PrincipalType string `json:"principalType,omitempty" yaml:"principalType" validate:"omitempty,oneof=User Group ServicePrincipal ServicePrincipalProfile"`
	Role          string `json:"role" yaml:"role" validate:"required,oneof=Admin Member Contributor Viewer"`
	Required      bool   `json:"required,omitempty" yaml:"required"`
}

// ResourceEntry is a resource in flat form.
type ResourceEntry struct {
	ID       string                 `json:"id" yaml:"id" validate:"required,catalogid"`
	Kind     string                 `json:"kind" yaml:"kind" validate:"required,oneof=workspace data_container compute_container artifact access_grant"`
	Name     string                 `json:"name,omitempty" yaml:"name" validate:"required_unless=Kind access_grant,max=256"`
	Parent   string                 `json:"parent,omitempty" yaml:"parent"`
	Required bool                   `json:"required,omitempty" yaml:"required"`
	File     string                 `json:"file,omitempty" yaml:"file"`
	Payload  map[string]interface{} `json:"payload,omitempty" yaml:"payload"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "workspaces[0].artifacts[1].name").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var loc strings.Builder
	if e.File != "" {
		loc.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&loc, ":%d:%d", e.Line, e.Column)
		}
	}
	if e.Path != "" {
		if loc.Len() > 0 {
			loc.WriteString(" ")
		}
		loc.WriteString(e.Path)
	}
	if loc.Len() == 0 {
		return e.Message
	}
	return loc.String() + ": " + e.Message
}

// ValidationErrors is a list of validation errors reported together.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("catalog is invalid: %s", strings.Join(msgs, "; "))
}
