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

package symbol

import (
	"os"
	"path/filepath"
)

// findDebugFile looks for a split debug file for the mapped binary,
// following the conventions debuggers use: the build-id tree under each
// debug directory, a .debug sibling directory, and the binary's path mirrored
// under each debug directory. All paths are taken relative to the process's
// root so binaries in containers resolve against their own debug files.
func findDebugFile(root, binaryPath, buildID string, debugDirs []string) (string, bool) {
	if len(buildID) > 2 {
		for _, dir := range debugDirs {
			p := filepath.Join(root, dir, ".build-id", buildID[:2], buildID[2:]+".debug")
			if isRegular(p) {
				return p, true
			}
		}
	}

	base := filepath.Base(binaryPath)
	dir := filepath.Dir(binaryPath)

	if p := filepath.Join(root, dir, ".debug", base+".debug"); isRegular(p) {
		return p, true
	}

	for _, debugDir := range debugDirs {
		if p := filepath.Join(root, debugDir, dir, base+".debug"); isRegular(p) {
			return p, true
		}
	}

	return "", false
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
