// Copyright 2025 Kadir Pekel
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

// Package ids centralizes id generation so every entity uses the same
// representation (a UUIDv4 string) and the same short-form derivation used
// in places like tmux session names where a full UUID would be unwieldy.
package ids

import "github.com/google/uuid"

// New returns a random UUIDv4 string, suitable for any entity's primary key.
func New() string {
	return uuid.NewString()
}

// shortLen is how many leading characters of an id are kept by Short.
const shortLen = 8

// Short returns the leading shortLen characters of id, used for
// human-readable derived names (tmux sessions, log tags) where the full
// UUID would be noise. Ids shorter than shortLen are returned unchanged.
func Short(id string) string {
	if len(id) <= shortLen {
		return id
	}
	return id[:shortLen]
}
