// Copyright 2024 The Flamelet Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flamegraph renders a folded profile as the hierarchical
// {name, value, children} JSON consumed by d3-flame-graph, optionally
// embedded in a single HTML page.
package flamegraph

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/flamelet/flamelet/pkg/fold"
)

// Node is one frame in the flame graph hierarchy. Values are cumulative:
// every node carries the summed weight of its subtree, which is what the
// renderer's default mode expects, and the root carries the profile total.
type Node struct {
	Name     string  `json:"name"`
	Value    uint64  `json:"value"`
	Children []*Node `json:"children"`
}

func newNode(name string) *Node {
	return &Node{Name: name, Children: []*Node{}}
}

// BuildTree converts sorted folded lines into the d3 hierarchy. Sorted input
// keeps shared stack prefixes adjacent, so the tree can be built with a
// breadcrumb walk instead of per-node child lookups.
func BuildTree(lines []fold.Line) *Node {
	root := newNode("")
	crumbs := []*Node{root}

	for _, line := range lines {
		depth := 0
		for _, name := range strings.Split(line.Stack, ";") {
			depth++
			if depth >= len(crumbs) || name != crumbs[depth].Name {
				crumbs = crumbs[:depth]
				node := newNode(name)
				crumbs[depth-1].Children = append(crumbs[depth-1].Children, node)
				crumbs = append(crumbs, node)
			}
		}
		if depth+1 != len(crumbs) {
			crumbs = crumbs[:depth+1]
		}
		for _, node := range crumbs {
			node.Value += line.Value
		}
	}

	return root
}

// JSON returns the profile as d3-flame-graph JSON.
func JSON(p *fold.Profile) ([]byte, error) {
	return json.Marshal(BuildTree(p.Lines()))
}

// Render writes a single HTML page showing the profile as an interactive
// flame graph.
func Render(w io.Writer, title string, p *fold.Profile) error {
	data, err := JSON(p)
	if err != nil {
		return fmt.Errorf("marshal flame graph data: %w", err)
	}
	return renderHTML(w, title, data)
}
