// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var issueIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ValidateIssueID enforces the alphanumeric/dash/underscore, <=100
// char rule from spec section 3.
func ValidateIssueID(id string) error {
	if !issueIDPattern.MatchString(id) {
		return fmt.Errorf("invalid issue id %q: must be 1-100 chars of [A-Za-z0-9_-]", id)
	}
	return nil
}

// ValidateWorktreePath enforces invariant I1: the path must be
// absolute and free of null bytes. Canonicalisation (symlink
// resolution) is the caller's responsibility since it requires
// filesystem access, which this package deliberately avoids.
func ValidateWorktreePath(path string) error {
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("worktree path contains a null byte")
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("worktree path %q must be absolute", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("worktree path %q must not contain '..'", path)
	}
	return nil
}
