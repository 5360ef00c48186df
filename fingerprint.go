package loom

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"
)

// nodeConfig is everything that determines what a node computes from its
// upstream outputs.
type nodeConfig struct {
	Type     NodeType      `json:"type"`
	Settings Settings      `json:"settings,omitempty"`
	Inputs   []Port        `json:"inputs"`
	Outputs  []Port        `json:"outputs"`
	Supplied Values        `json:"supplied,omitempty"`
	Incoming []incomingRef `json:"incoming,omitempty"`
}

type incomingRef struct {
	ID        string   `json:"id"`
	From      string   `json:"from"`
	FromPort  string   `json:"from_port"`
	ToPort    string   `json:"to_port"`
	Type      DataType `json:"type,omitempty"`
	Transform string   `json:"transform,omitempty"`
	Schema    Schema   `json:"schema,omitempty"`
}

// fingerprints hashes each node's configuration, including the run inputs
// supplied to it. A node whose value cannot be encoded gets no fingerprint
// and is never reused.
func fingerprints(g *Graph, inputs map[string]Values) map[string]string {
	out := make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		cfg := nodeConfig{
			Type:     n.Type,
			Settings: n.Settings,
			Inputs:   n.Inputs,
			Outputs:  n.Outputs,
			Supplied: inputs[n.ID],
		}
		for _, e := range g.EdgesInto(n.ID) {
			cfg.Incoming = append(cfg.Incoming, incomingRef{
				ID:        e.ID,
				From:      e.From,
				FromPort:  e.FromPort,
				ToPort:    e.ToPort,
				Type:      e.Type,
				Transform: e.Transform,
				Schema:    e.Schema,
			})
		}
		slices.SortFunc(cfg.Incoming, func(a, b incomingRef) int {
			return strings.Compare(a.ToPort+"\x00"+a.ID, b.ToPort+"\x00"+b.ID)
		})

		data, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		out[n.ID] = hex.EncodeToString(sum[:])
	}
	return out
}
