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
	// Enable go:embed.
	_ "embed"
	"html/template"
	"io"
)

//go:embed flamegraph.html
var flamegraphTemplateBytes []byte

var flamegraphTemplate = template.Must(template.New("flamegraph").Parse(string(flamegraphTemplateBytes)))

type page struct {
	Title string
	Data  template.JS
}

func renderHTML(w io.Writer, title string, data []byte) error {
	return flamegraphTemplate.Execute(w, &page{
		Title: title,
		// The data is encoding/json output, safe to inline in a script tag.
		Data: template.JS(data), //nolint:gosec
	})
}
