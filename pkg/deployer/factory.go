// Copyright 2025 Google LLC
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

package deployer

import (
	"fmt"
	"sort"
	"sync"
)

// Factory resolves a Deployer by platform name. It is process-local and
// explicit: nothing is discovered by reflection or side-effecting
// package init, every alias is registered by a caller that holds a
// reference to the concrete deployer.
type Factory struct {
	mu        sync.RWMutex
	deployers map[string]Deployer
}

// NewFactory constructs an empty Factory; callers register backends
// with Register.
func NewFactory() *Factory {
	return &Factory{deployers: map[string]Deployer{}}
}

// Register adds d under its own Platform() name plus any additional
// aliases (e.g. registering the cluster deployer under "k8s" too).
func (f *Factory) Register(d Deployer, aliases ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deployers[d.Platform()] = d
	for _, alias := range aliases {
		f.deployers[alias] = d
	}
}

// Get resolves platform to its Deployer, or ok=false if unregistered.
func (f *Factory) Get(platform string) (Deployer, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.deployers[platform]
	return d, ok
}

// MustGet resolves platform or returns an error naming it, for callers
// (the pipeline's select_deployer step) that want a plain error instead
// of a boolean.
func (f *Factory) MustGet(platform string) (Deployer, error) {
	d, ok := f.Get(platform)
	if !ok {
		return nil, fmt.Errorf("deployer: no deployer registered for platform %q", platform)
	}
	return d, nil
}

// ListPlatforms returns every distinct registered platform name
// (aliases included), sorted.
func (f *Factory) ListPlatforms() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.deployers))
	for name := range f.deployers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
