// Package flowdef parses flow definition documents into an executable node
// graph and validates them before publish.
//
// A definition looks like:
//
//	{
//	  "trigger": {"type": "keyword"},
//	  "startNodeId": "start_1",
//	  "nodes": [{"id": "start_1", "type": "start", "next": "text_1", "config": {}}],
//	  "edges": []
//	}
//
// Parsing is lenient: unknown or missing node fields become empty strings and
// a non-object config becomes an empty config. Only a document that is not a
// JSON object fails, with ErrDefinitionInvalid.
package flowdef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"

	"msgflow/backend/internal/apperr"
	"msgflow/backend/pkg/models"
)

// ErrDefinitionInvalid is returned for documents that cannot be parsed.
var ErrDefinitionInvalid = errors.New("definition invalid")

// Node is one step of a parsed graph.
type Node struct {
	ID        string
	Type      string
	Name      string
	Next      string
	OnTrue    string
	OnFalse   string
	OnSuccess string
	OnFailure string
	Config    map[string]any
}

// Kind returns the normalized node type.
func (n *Node) Kind() string {
	return strings.ToLower(strings.TrimSpace(n.Type))
}

// SuccessNext is the edge followed after a node that does not branch.
func (n *Node) SuccessNext() string {
	return firstNonEmpty(n.Next, n.OnSuccess)
}

// BranchNext is the edge followed after a condition evaluates to result.
func (n *Node) BranchNext(result bool) string {
	if result {
		return firstNonEmpty(n.OnTrue, n.OnSuccess, n.Next)
	}
	return firstNonEmpty(n.OnFalse, n.OnFailure, n.Next)
}

// Graph is a parsed definition: nodes addressable by case-insensitive id.
type Graph struct {
	StartID     string
	TriggerType string
	Order       []*Node
	nodes       map[string]*Node
}

// Node looks a node up by id, ignoring case.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[strings.ToLower(strings.TrimSpace(id))]
	return n, ok
}

// Len returns the number of addressable nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Parse turns a definition document into a Graph. The start node is the
// explicit startNodeId, else the first node of type start, else the first
// declared node.
func Parse(raw []byte) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node)}
	if len(bytes.TrimSpace(raw)) == 0 {
		return g, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Wrap(apperr.Invalid, "flowdef.Parse", fmt.Errorf("%w: %v", ErrDefinitionInvalid, err))
	}
	if doc == nil {
		return nil, apperr.Wrap(apperr.Invalid, "flowdef.Parse", fmt.Errorf("%w: document is null", ErrDefinitionInvalid))
	}

	if trig, ok := doc["trigger"].(map[string]any); ok {
		g.TriggerType = cast.ToString(trig["type"])
	}

	items, _ := doc["nodes"].([]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		n := &Node{
			ID:        strings.TrimSpace(cast.ToString(m["id"])),
			Type:      cast.ToString(m["type"]),
			Name:      cast.ToString(m["name"]),
			Next:      cast.ToString(m["next"]),
			OnTrue:    cast.ToString(m["onTrue"]),
			OnFalse:   cast.ToString(m["onFalse"]),
			OnSuccess: cast.ToString(m["onSuccess"]),
			OnFailure: cast.ToString(m["onFailure"]),
		}
		n.Config, _ = m["config"].(map[string]any)
		if n.Config == nil {
			n.Config = map[string]any{}
		}
		g.Order = append(g.Order, n)
		if n.ID == "" {
			continue
		}
		key := strings.ToLower(n.ID)
		if _, dup := g.nodes[key]; !dup {
			g.nodes[key] = n
		}
	}

	g.StartID = strings.TrimSpace(cast.ToString(doc["startNodeId"]))
	if g.StartID == "" {
		for _, n := range g.Order {
			if n.ID != "" && n.Kind() == KindStart {
				g.StartID = n.ID
				break
			}
		}
	}
	if g.StartID == "" {
		for _, n := range g.Order {
			if n.ID != "" {
				g.StartID = n.ID
				break
			}
		}
	}
	return g, nil
}

// Definition is the serialized document shape.
type Definition struct {
	Trigger     TriggerDef `json:"trigger"`
	StartNodeID string     `json:"startNodeId"`
	Nodes       []NodeDef  `json:"nodes"`
	Edges       []any      `json:"edges"`
}

// TriggerDef names the trigger inside a definition.
type TriggerDef struct {
	Type string `json:"type"`
}

// NodeDef is one serialized node.
type NodeDef struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	Next      string         `json:"next"`
	OnTrue    string         `json:"onTrue"`
	OnFalse   string         `json:"onFalse"`
	OnSuccess string         `json:"onSuccess"`
	OnFailure string         `json:"onFailure"`
	Config    map[string]any `json:"config"`
}

// DefaultDefinition is the graph every new flow starts with:
// start_1 -> text_1 -> end_1.
func DefaultDefinition(trigger models.TriggerType) json.RawMessage {
	def := Definition{
		Trigger:     TriggerDef{Type: string(trigger)},
		StartNodeID: "start_1",
		Nodes: []NodeDef{
			{ID: "start_1", Type: KindStart, Name: "Start", Next: "text_1", Config: map[string]any{}},
			{ID: "text_1", Type: KindText, Name: "Reply", Next: "end_1", Config: map[string]any{
				"body": "Thanks for your message: {{message}}",
			}},
			{ID: "end_1", Type: KindEnd, Name: "End", Config: map[string]any{}},
		},
		Edges: []any{},
	}
	raw, _ := json.Marshal(def)
	return raw
}

// Compile builds a definition document from authored nodes, ordered by
// sequence. A node's key is its id inside the graph.
func Compile(trigger models.TriggerType, nodes []*models.Node) (json.RawMessage, error) {
	sorted := make([]*models.Node, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Sequence != sorted[j].Sequence {
			return sorted[i].Sequence < sorted[j].Sequence
		}
		return sorted[i].Key < sorted[j].Key
	})

	def := Definition{Trigger: TriggerDef{Type: string(trigger)}, Nodes: []NodeDef{}, Edges: []any{}}
	for _, n := range sorted {
		id := firstNonEmpty(n.Key, n.ID)
		nd := NodeDef{ID: id, Type: n.Type, Name: n.Name, Config: map[string]any{}}
		if len(n.Config) > 0 {
			if err := json.Unmarshal(n.Config, &nd.Config); err != nil {
				return nil, apperr.Wrapf(apperr.Invalid, "flowdef.Compile", err, "node %q config", id)
			}
		}
		if len(n.Edges) > 0 {
			var edges models.NodeEdges
			if err := json.Unmarshal(n.Edges, &edges); err != nil {
				return nil, apperr.Wrapf(apperr.Invalid, "flowdef.Compile", err, "node %q edges", id)
			}
			nd.Next, nd.OnTrue, nd.OnFalse = edges.Next, edges.OnTrue, edges.OnFalse
			nd.OnSuccess, nd.OnFailure = edges.OnSuccess, edges.OnFailure
		}
		if def.StartNodeID == "" && strings.EqualFold(n.Type, KindStart) {
			def.StartNodeID = id
		}
		def.Nodes = append(def.Nodes, nd)
	}
	if def.StartNodeID == "" && len(def.Nodes) > 0 {
		def.StartNodeID = def.Nodes[0].ID
	}
	return json.Marshal(def)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
