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

package flamegraph

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flamelet/flamelet/pkg/fold"
	"github.com/flamelet/flamelet/pkg/profile"
	"github.com/flamelet/flamelet/pkg/symbol"
)

func TestBuildTree(t *testing.T) {
	lines := []fold.Line{
		{Stack: "a", Value: 1},
		{Stack: "a;b", Value: 2},
		{Stack: "a;b;c", Value: 1},
		{Stack: "a;b;c;d", Value: 1},
		{Stack: "a;b;e", Value: 3},
		{Stack: "f;g", Value: 1},
	}

	data, err := json.Marshal(BuildTree(lines))
	require.NoError(t, err)
	require.JSONEq(t,
		`{"name":"","value":9,"children":[`+
			`{"name":"a","value":8,"children":[`+
			`{"name":"b","value":7,"children":[`+
			`{"name":"c","value":2,"children":[`+
			`{"name":"d","value":1,"children":[]}]},`+
			`{"name":"e","value":3,"children":[]}]}]},`+
			`{"name":"f","value":1,"children":[`+
			`{"name":"g","value":1,"children":[]}]}]}`,
		string(data))
}

func TestBuildTreeEmpty(t *testing.T) {
	data, err := json.Marshal(BuildTree(nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"","value":0,"children":[]}`, string(data))
}

func TestJSONFromProfile(t *testing.T) {
	p := fold.NewProfile(fold.WithCaptureExpectation(true, false))
	p.AddSample("app",
		[]symbol.Frame{{Function: "work"}, {Function: "main"}},
		nil, profile.StackPresent, profile.StackAbsent, 4)

	data, err := JSON(p)
	require.NoError(t, err)
	require.JSONEq(t,
		`{"name":"","value":4,"children":[`+
			`{"name":"app","value":4,"children":[`+
			`{"name":"main","value":4,"children":[`+
			`{"name":"work","value":4,"children":[]}]}]}]}`,
		string(data))
}

func TestRenderHTML(t *testing.T) {
	p := fold.NewProfile(fold.WithCaptureExpectation(true, false))
	p.AddSample("app",
		[]symbol.Frame{{Function: "work"}},
		nil, profile.StackPresent, profile.StackAbsent, 1)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "flamelet", p))

	html := buf.String()
	require.Contains(t, html, "<title>flamelet</title>")
	require.Contains(t, html, `"name":"work"`)
	require.Contains(t, html, "d3.flamegraph()")
}
