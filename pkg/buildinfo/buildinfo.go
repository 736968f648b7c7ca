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

package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// version is overridden at link time on release builds.
var version = "dev"

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version     string
	GoArch      string
	GoOS        string
	VcsRevision string
	VcsTime     string
	VcsModified bool
}

// Fetch reads the binary's embedded build information.
func Fetch() BuildInfo {
	info := BuildInfo{Version: version}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}

	for _, setting := range bi.Settings {
		switch setting.Key {
		case "GOARCH":
			info.GoArch = setting.Value
		case "GOOS":
			info.GoOS = setting.Value
		case "vcs.revision":
			info.VcsRevision = setting.Value
		case "vcs.time":
			info.VcsTime = setting.Value
		case "vcs.modified":
			info.VcsModified = setting.Value == "true"
		}
	}

	return info
}

func (b BuildInfo) String() string {
	rev := b.VcsRevision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev == "" {
		return b.Version
	}
	if b.VcsModified {
		rev += "-dirty"
	}
	return fmt.Sprintf("%s (%s)", b.Version, rev)
}
