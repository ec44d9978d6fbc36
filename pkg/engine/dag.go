package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is a resource in the validated forest.
type GraphNode struct {
	ID       string
	Level    int
	Parent   string
	Children []string
}

// ResourceGraph is the validated parent/child forest of a catalog.
type ResourceGraph struct {
	Nodes  map[string]*GraphNode
	Roots  []string
	Levels [][]string
	Depth  int
}

// Forest returns the summary form of the graph.
func (g *ResourceGraph) Forest() Forest {
	f := Forest{
		Roots: append([]string{}, g.Roots...),
		Edges: make([]ForestEdge, 0),
	}
	for _, level := range g.Levels {
		for _, id := range level {
			for _, child := range g.Nodes[id].Children {
				f.Edges = append(f.Edges, ForestEdge{Parent: id, Child: child})
			}
		}
	}
	return f
}

// Order returns node IDs in parent-before-child order.
func (g *ResourceGraph) Order() []string {
	order := make([]string, 0, len(g.Nodes))
	for _, level := range g.Levels {
		order = append(order, level...)
	}
	return order
}

// DAGBuilder validates a catalog as a forest and computes creation levels.
// Resources on the same level have no ordering constraint between them.
type DAGBuilder struct {
	// specs maps resource IDs to their specs
	specs map[string]*ResourceSpec

	// children maps resource IDs to the resources they own
	children map[string][]string

	// levels maps creation level to resource IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		specs:    make(map[string]*ResourceSpec),
		children: make(map[string][]string),
		levels:   make([][]string, 0),
	}
}

// BuildGraph validates resources and constructs the resource forest.
// It rejects empty or duplicate IDs, unknown kinds, missing parents, cycles,
// duplicate names within a parent scope and resources outside a workspace.
func (b *DAGBuilder) BuildGraph(resources []ResourceSpec) (*ResourceGraph, error) {
	if len(resources) == 0 {
		return &ResourceGraph{
			Nodes:  make(map[string]*GraphNode),
			Roots:  make([]string, 0),
			Levels: make([][]string, 0),
		}, nil
	}

	if err := b.initialize(resources); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.validateNesting(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildResourceGraph(), nil
}

// initialize indexes resources and validates parent references.
func (b *DAGBuilder) initialize(resources []ResourceSpec) error {
	for i := range resources {
		spec := &resources[i]
		if spec.ID == "" {
			return NewPermanentError("resource has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := b.specs[spec.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate resource ID: %s", spec.ID), nil).
				WithCode(ErrCodeValidation)
		}
		if !spec.Kind.IsValid() {
			return NewPermanentError(fmt.Sprintf("unknown resource kind %q", spec.Kind), nil).
				WithCode(ErrCodeValidation).WithResource(spec.ID)
		}
		if strings.TrimSpace(spec.DisplayName) == "" {
			return NewPermanentError("resource has empty display name", nil).
				WithCode(ErrCodeValidation).WithResource(spec.ID)
		}
		b.specs[spec.ID] = spec
		b.children[spec.ID] = make([]string, 0)
	}

	scopes := make(map[string]string)
	for i := range resources {
		spec := &resources[i]

		if spec.ParentRef != "" {
			if _, exists := b.specs[spec.ParentRef]; !exists {
				return NewPermanentError(
					fmt.Sprintf("resource %s references non-existent parent %s", spec.ID, spec.ParentRef), nil,
				).WithCode(ErrCodeValidation).WithResource(spec.ID)
			}
			b.children[spec.ParentRef] = append(b.children[spec.ParentRef], spec.ID)
		}

		scope := scopeKey(spec)
		if other, exists := scopes[scope]; exists {
			return NewPermanentError(
				fmt.Sprintf("resources %s and %s share display name %q within the same parent", other, spec.ID, spec.DisplayName), nil,
			).WithCode(ErrCodeValidation).WithResource(spec.ID)
		}
		scopes[scope] = spec.ID
	}

	for id := range b.children {
		sort.Strings(b.children[id])
	}

	return nil
}

// scopeKey identifies the uniqueness scope of a resource's display name.
func scopeKey(spec *ResourceSpec) string {
	return spec.ParentRef + "\x00" + string(spec.Kind) + "\x00" + spec.DisplayName
}

// detectCycles uses depth-first search over parent links to detect cycles.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	ids := b.sortedIDs()
	for _, id := range ids {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular parent reference detected: %s", formatCycle(cycle)), nil,
			).WithCode(ErrCodeValidation)
		}
	}

	return nil
}

// detectCyclesUtil follows the parent chain of nodeID.
func (b *DAGBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	if parent := b.specs[nodeID].ParentRef; parent != "" {
		if !visited[parent] {
			if cycle := b.detectCyclesUtil(parent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[parent] {
			for i, id := range path {
				if id == parent {
					return append(append([]string{}, path[i:]...), parent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// validateNesting enforces the workspace hierarchy: workspaces are roots and
// every other kind sits directly inside a workspace.
func (b *DAGBuilder) validateNesting() error {
	for _, id := range b.sortedIDs() {
		spec := b.specs[id]
		switch {
		case spec.Kind == KindWorkspace && spec.ParentRef != "":
			return NewPermanentError(
				fmt.Sprintf("workspace %s cannot have a parent", spec.ID), nil,
			).WithCode(ErrCodeValidation).WithResource(spec.ID)
		case spec.Kind != KindWorkspace && spec.ParentRef == "":
			return NewPermanentError(
				fmt.Sprintf("%s resource %s must be nested in a workspace", spec.Kind, spec.ID), nil,
			).WithCode(ErrCodeValidation).WithResource(spec.ID)
		case spec.Kind != KindWorkspace && b.specs[spec.ParentRef].Kind != KindWorkspace:
			return NewPermanentError(
				fmt.Sprintf("resource %s must be nested in a workspace, not a %s", spec.ID, b.specs[spec.ParentRef].Kind), nil,
			).WithCode(ErrCodeValidation).WithResource(spec.ID)
		}
	}
	return nil
}

// computeLevels assigns creation levels breadth-first from the roots.
func (b *DAGBuilder) computeLevels() error {
	currentLevel := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if b.specs[id].ParentRef == "" {
			currentLevel = append(currentLevel, id)
		}
	}

	if len(currentLevel) == 0 {
		return NewPermanentError("no root resources found", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, id := range currentLevel {
			nextLevel = append(nextLevel, b.children[id]...)
		}
		sort.Strings(nextLevel)
		currentLevel = nextLevel
	}

	if processed != len(b.specs) {
		return NewPermanentError("failed to reach all resources from the roots", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildResourceGraph creates the final ResourceGraph structure.
func (b *DAGBuilder) buildResourceGraph() *ResourceGraph {
	graph := &ResourceGraph{
		Nodes:  make(map[string]*GraphNode, len(b.specs)),
		Roots:  append([]string{}, b.levels[0]...),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:       id,
				Level:    level,
				Parent:   b.specs[id].ParentRef,
				Children: b.children[id],
			}
		}
	}

	return graph
}

// GetLevels returns the computed creation levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT format representation of the forest for visualization.
// The output can be rendered with Graphviz tools.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ResourceForest {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			spec := b.specs[id]
			label := fmt.Sprintf("%s\\n%s", spec.DisplayName, spec.Kind)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, getKindColor(spec.Kind)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, ids := range b.levels {
		for _, id := range ids {
			for _, child := range b.children[id] {
				sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", id, child))
			}
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.specs))
	for id := range b.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getKindColor returns a color for visualizing resource kinds.
func getKindColor(kind Kind) string {
	switch kind {
	case KindWorkspace:
		return "lightblue"
	case KindDataContainer:
		return "lightgreen"
	case KindComputeContainer:
		return "khaki"
	case KindArtifact:
		return "lightyellow"
	case KindAccessGrant:
		return "lightgray"
	default:
		return "white"
	}
}
