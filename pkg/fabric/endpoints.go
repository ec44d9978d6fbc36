package fabric

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/openfroyo/fabprov/pkg/engine"
)

// DefaultArtifactType is used when an artifact payload names no item type.
const DefaultArtifactType = "Notebook"

// endpoint is where a kind is created and how it is found again.
type endpoint struct {
	createPath string
	listing    *engine.ListingQuery
}

// endpointFor returns the create path and listing query for spec inside parentID.
func endpointFor(spec *engine.ResourceSpec, parentID string, payload map[string]interface{}) (*endpoint, error) {
	if spec.Kind == engine.KindWorkspace {
		return &endpoint{
			createPath: "/workspaces",
			listing:    &engine.ListingQuery{URL: "/workspaces", DisplayName: spec.DisplayName},
		}, nil
	}

	if parentID == "" {
		return nil, engine.NewPermanentError(fmt.Sprintf("%s requires a parent workspace id", spec.Kind), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(spec.ID)
	}
	ws := "/workspaces/" + url.PathEscape(parentID)

	switch spec.Kind {
	case engine.KindDataContainer:
		return &endpoint{
			createPath: ws + "/lakehouses",
			listing:    &engine.ListingQuery{URL: ws + "/lakehouses", DisplayName: spec.DisplayName},
		}, nil
	case engine.KindComputeContainer:
		return &endpoint{
			createPath: ws + "/warehouses",
			listing:    &engine.ListingQuery{URL: ws + "/warehouses", DisplayName: spec.DisplayName},
		}, nil
	case engine.KindArtifact:
		return &endpoint{
			createPath: ws + "/items",
			listing: &engine.ListingQuery{
				URL:         ws + "/items",
				DisplayName: spec.DisplayName,
				ItemType:    artifactType(payload),
			},
		}, nil
	case engine.KindAccessGrant:
		principal, _ := payload["principalId"].(string)
		if principal == "" {
			return nil, engine.NewPermanentError("access grant requires principalId", nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(spec.ID)
		}
		return &endpoint{
			createPath: ws + "/roleAssignments",
			listing:    &engine.ListingQuery{URL: ws + "/roleAssignments", PrincipalID: principal},
		}, nil
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported kind %q", spec.Kind), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(spec.ID)
	}
}

func artifactType(payload map[string]interface{}) string {
	if t, ok := payload["type"].(string); ok && t != "" {
		return t
	}
	return DefaultArtifactType
}

// requestBody builds the creation body for spec.
func requestBody(spec *engine.ResourceSpec, payload map[string]interface{}) map[string]interface{} {
	if spec.Kind == engine.KindAccessGrant {
		principalType, _ := payload["principalType"].(string)
		if principalType == "" {
			principalType = "User"
		}
		return map[string]interface{}{
			"principal": map[string]interface{}{
				"id":   payload["principalId"],
				"type": principalType,
			},
			"role": payload["role"],
		}
	}

	body := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["displayName"] = spec.DisplayName
	if spec.Kind == engine.KindArtifact {
		body["type"] = artifactType(payload)
	}
	return body
}

// NotebookDefinition wraps base64 notebook content in the ipynb item
// definition envelope.
func NotebookDefinition(file, base64Payload string) map[string]interface{} {
	return map[string]interface{}{
		"format": "ipynb",
		"parts": []interface{}{
			map[string]interface{}{
				"path":        filepath.Base(file),
				"payload":     base64Payload,
				"payloadType": "InlineBase64",
			},
		},
	}
}
