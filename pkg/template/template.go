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

// Package template renders the agent's status page.
package template

import (
	// Enable go:embed.
	_ "embed"
	"html/template"
	"io"
	"time"
)

//go:embed statuspage.html
var statusPageTemplateBytes []byte

var statusPageTemplate = template.Must(
	template.New("statuspage").Parse(string(statusPageTemplateBytes)),
)

// StatusPage carries everything the status page shows. Snapshot fields are
// only meaningful when SnapshotAvailable is set.
type StatusPage struct {
	Version string
	Kernel  string
	Uptime  time.Duration

	CollectionMode string
	CaptureMode    string
	FrequencyHz    uint64
	PollInterval   time.Duration

	SnapshotAvailable bool
	SnapshotAge       time.Duration
	SnapshotStacks    int
	SnapshotWeight    uint64
}

// Render writes the status page HTML.
func Render(w io.Writer, page StatusPage) error {
	return statusPageTemplate.Execute(w, page)
}
