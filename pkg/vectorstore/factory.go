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

package vectorstore

// Config selects and configures a Store backend. An empty Host falls back to
// MemoryStore so the system runs with zero external configuration.
type Config struct {
	Qdrant QdrantConfig `yaml:"qdrant"`
}

// New builds the Store described by cfg. When cfg.Qdrant.Host is empty,
// MemoryStore is returned instead of dialing a Qdrant instance.
func New(cfg Config) (Store, error) {
	if cfg.Qdrant.Host == "" {
		return NewMemoryStore(), nil
	}
	return NewQdrantStore(cfg.Qdrant)
}
