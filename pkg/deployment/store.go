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

package deployment

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/postqode/orchestrator/pkg/orcherr"
)

// Store is the Deployment Store of spec.md §4.5. Update is the only
// mutation path components other than the pipeline should use directly;
// it holds the store-wide mutex for the duration of the mutator
// call, so two concurrent callers racing on the same id serialize
// without either seeing the other's half-applied patch — the
// compare-and-set spec.md §5 asks for, expressed as "hold the lock
// across read-modify-write" rather than a version counter, since there
// is exactly one writer per row at a time either way.
type Store struct {
	mu   sync.Mutex
	rows map[string]*Deployment
}

// New constructs an empty, in-process Deployment Store.
func New() *Store {
	return &Store{rows: map[string]*Deployment{}}
}

// Create inserts d in state=pending (the pipeline's create_record
// step), assigning a fresh id if d.ID is empty, and returns the id.
func (s *Store) Create(d Deployment) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.State = StatePending
	cp := d
	s.rows[d.ID] = &cp
	return d.ID
}

// Get returns a copy of the row for id, or ok=false.
func (s *Store) Get(id string) (Deployment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return Deployment{}, false
	}
	return *row, true
}

// List returns every row matching filter, newest-deployed-first.
func (s *Store) List(filter Filter) []Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Deployment, 0, len(s.rows))
	for _, row := range s.rows {
		if filter.matches(*row) {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeployedAt.After(out[j].DeployedAt)
	})
	return out
}

// Update applies mutate to the row for id under the store's lock,
// rejecting the forbidden pending->stopped transition and the
// stopped_at < deployed_at ordering, then persists the result. A
// *orcherr.NotFound error is returned if id is absent.
func (s *Store) Update(id string, mutate func(d *Deployment)) (Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return Deployment{}, &orcherr.NotFound{What: "deployment", ID: id}
	}

	before := *row
	next := before
	mutate(&next)

	if before.State == StatePending && next.State == StateStopped {
		return Deployment{}, fmt.Errorf("deployment: pending -> stopped is forbidden (id=%s)", id)
	}
	if !next.StoppedAt.IsZero() && !next.DeployedAt.IsZero() && next.StoppedAt.Before(next.DeployedAt) {
		return Deployment{}, fmt.Errorf("deployment: stopped_at before deployed_at (id=%s)", id)
	}

	*row = next
	return next, nil
}

// Seed loads rows verbatim, bypassing Create's forced pending state.
// It exists for process restart: a caller that persisted a prior
// List(Filter{}) snapshot to disk replays it here so deployment ids
// and states survive across invocations of the ambient CLI.
func (s *Store) Seed(rows []Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		cp := row
		s.rows[row.ID] = &cp
	}
}

// Delete removes the row for id. Returns whether a row was removed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return false
	}
	delete(s.rows, id)
	return true
}
