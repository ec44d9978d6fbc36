package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/fabprov/pkg/engine"
	"github.com/openfroyo/fabprov/pkg/fabric"
)

// ResourceOptions controls how a catalog is flattened.
type ResourceOptions struct {
	// BaseDir resolves relative artifact files. Defaults to the catalog's directory.
	BaseDir string

	// CapacityID applies when neither the workspace nor the catalog defaults name one.
	CapacityID string
}

// Resources flattens the catalog into resource specs. Nested entries get
// ids of the form <workspace id>/<kind>/<name> unless they declare one.
// Artifact files are read and embedded as base64 definitions.
func (c *Catalog) Resources(opts ResourceOptions) ([]engine.ResourceSpec, error) {
	if opts.BaseDir == "" && c.Source != "" {
		opts.BaseDir = filepath.Dir(c.Source)
		if info, err := os.Stat(c.Source); err == nil && info.IsDir() {
			opts.BaseDir = c.Source
		}
	}
	capacity := c.Defaults.CapacityID
	if capacity == "" {
		capacity = opts.CapacityID
	}
	b := &specBuilder{catalog: c, opts: opts, capacity: capacity}

	for i := range c.Workspaces {
		if err := b.addWorkspace(&c.Workspaces[i]); err != nil {
			return nil, err
		}
	}
	for i := range c.Resources {
		if err := b.addFlat(&c.Resources[i]); err != nil {
			return nil, err
		}
	}
	return b.specs, nil
}

type specBuilder struct {
	catalog  *Catalog
	opts     ResourceOptions
	capacity string
	specs    []engine.ResourceSpec
}

func (b *specBuilder) addWorkspace(ws *WorkspaceEntry) error {
	id := ws.ID
	if id == "" {
		id = ws.Name
	}

	payload := copyPayload(ws.Payload)
	setIfMissing(payload, "description", ws.Description)
	capacity := ws.CapacityID
	if capacity == "" {
		capacity = b.capacity
	}
	setIfMissing(payload, "capacityId", capacity)
	if err := b.add(id, engine.KindWorkspace, ws.Name, "", true, payload); err != nil {
		return err
	}

	for _, item := range ws.DataContainers {
		if err := b.addItem(id, engine.KindDataContainer, item); err != nil {
			return err
		}
	}
	for _, item := range ws.ComputeContainers {
		if err := b.addItem(id, engine.KindComputeContainer, item); err != nil {
			return err
		}
	}
	for _, a := range ws.Artifacts {
		payload := copyPayload(a.Payload)
		setIfMissing(payload, "description", a.Description)
		setIfMissing(payload, "type", a.Type)
		if err := b.attachDefinition(payload, a.File); err != nil {
			return err
		}
		if err := b.add(childID(id, a.ID, engine.KindArtifact, a.Name), engine.KindArtifact, a.Name, id, a.Required, payload); err != nil {
			return err
		}
	}
	for _, g := range ws.AccessGrants {
		payload := map[string]interface{}{
			"principalId":   g.PrincipalID,
			"principalType": b.principalType(g.PrincipalType),
			"role":          g.Role,
		}
		name := grantName(g.Role, g.PrincipalID)
		if err := b.add(childID(id, g.ID, engine.KindAccessGrant, g.PrincipalID), engine.KindAccessGrant, name, id, g.Required, payload); err != nil {
			return err
		}
	}
	return nil
}

func (b *specBuilder) addItem(wsID string, kind engine.Kind, item ItemEntry) error {
	payload := copyPayload(item.Payload)
	setIfMissing(payload, "description", item.Description)
	return b.add(childID(wsID, item.ID, kind, item.Name), kind, item.Name, wsID, item.Required, payload)
}

func (b *specBuilder) addFlat(r *ResourceEntry) error {
	kind := engine.Kind(r.Kind)
	payload := copyPayload(r.Payload)
	name := r.Name

	switch kind {
	case engine.KindWorkspace:
		setIfMissing(payload, "capacityId", b.capacity)
	case engine.KindArtifact:
		if err := b.attachDefinition(payload, r.File); err != nil {
			return err
		}
	case engine.KindAccessGrant:
		principal, _ := payload["principalId"].(string)
		role, _ := payload["role"].(string)
		if principal == "" || role == "" {
			return ValidationErrors{{
				File:    b.catalog.Source,
				Path:    "resources." + r.ID,
				Message: "access grants need payload.principalId and payload.role",
			}}
		}
		pt, _ := payload["principalType"].(string)
		payload["principalType"] = b.principalType(pt)
		if name == "" {
			name = grantName(role, principal)
		}
	}

	required := r.Required || kind == engine.KindWorkspace
	return b.add(r.ID, kind, name, r.Parent, required, payload)
}

func (b *specBuilder) add(id string, kind engine.Kind, name, parent string, required bool, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload of %s: %w", id, err)
	}
	b.specs = append(b.specs, engine.ResourceSpec{
		ID:          id,
		Kind:        kind,
		DisplayName: name,
		ParentRef:   parent,
		Payload:     raw,
		Required:    required,
	})
	return nil
}

// attachDefinition reads file and stores it as the item definition.
func (b *specBuilder) attachDefinition(payload map[string]interface{}, file string) error {
	if file == "" {
		return nil
	}
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.opts.BaseDir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact file %s: %w", file, err)
	}

	encoded := base64.StdEncoding.EncodeToString(content)
	if strings.EqualFold(filepath.Ext(file), ".ipynb") {
		payload["definition"] = fabric.NotebookDefinition(file, encoded)
		return nil
	}
	payload["definition"] = map[string]interface{}{
		"parts": []interface{}{
			map[string]interface{}{
				"path":        filepath.Base(file),
				"payload":     encoded,
				"payloadType": "InlineBase64",
			},
		},
	}
	return nil
}

func (b *specBuilder) principalType(t string) string {
	switch {
	case t != "":
		return t
	case b.catalog.Defaults.PrincipalType != "":
		return b.catalog.Defaults.PrincipalType
	default:
		return "User"
	}
}

func childID(wsID, explicit string, kind engine.Kind, name string) string {
	if explicit != "" {
		return explicit
	}
	return fmt.Sprintf("%s/%s/%s", wsID, kind, name)
}

func grantName(role, principal string) string {
	return role + ":" + principal
}

func copyPayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func setIfMissing(payload map[string]interface{}, key, value string) {
	if value == "" {
		return
	}
	if _, ok := payload[key]; !ok {
		payload[key] = value
	}
}
