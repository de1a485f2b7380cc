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
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestCreateDefaultsToPending(t *testing.T) {
	s := New()
	id := s.Create(Deployment{AgentID: "a1", Platform: PlatformLocalContainer})

	got, ok := s.Get(id)
	if !ok {
		t.Fatalf("expected row to exist")
	}
	if got.State != StatePending {
		t.Fatalf("state = %q, want pending", got.State)
	}
}

func TestUpdateRejectsPendingToStopped(t *testing.T) {
	s := New()
	id := s.Create(Deployment{AgentID: "a1"})

	_, err := s.Update(id, func(d *Deployment) { d.State = StateStopped })
	if err == nil {
		t.Fatalf("expected pending->stopped to be rejected")
	}
}

func TestUpdateAllowsPendingToActive(t *testing.T) {
	s := New()
	id := s.Create(Deployment{AgentID: "a1"})

	got, err := s.Update(id, func(d *Deployment) {
		d.State = StateActive
		d.ExternalID = "postqode-a1-12345678"
		d.DeployedAt = time.Now()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != StateActive || got.ExternalID == "" {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestUpdateRejectsStoppedBeforeDeployed(t *testing.T) {
	s := New()
	id := s.Create(Deployment{AgentID: "a1"})
	deployedAt := time.Now()
	if _, err := s.Update(id, func(d *Deployment) {
		d.State = StateActive
		d.DeployedAt = deployedAt
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := s.Update(id, func(d *Deployment) {
		d.State = StateStopped
		d.StoppedAt = deployedAt.Add(-time.Hour)
	})
	if err == nil {
		t.Fatalf("expected stopped_at < deployed_at to be rejected")
	}
}

func TestUpdateUnknownIDReturnsNotFound(t *testing.T) {
	s := New()
	if _, err := s.Update("missing", func(d *Deployment) {}); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestListFiltersAndOrdersNewestFirst(t *testing.T) {
	s := New()
	idOld := s.Create(Deployment{AgentID: "a1", OwnerID: "u1", Platform: PlatformLocalContainer})
	s.Update(idOld, func(d *Deployment) { d.State = StateActive; d.DeployedAt = time.Now().Add(-time.Hour) })

	idNew := s.Create(Deployment{AgentID: "a1", OwnerID: "u1", Platform: PlatformLocalContainer})
	s.Update(idNew, func(d *Deployment) { d.State = StateActive; d.DeployedAt = time.Now() })

	s.Create(Deployment{AgentID: "a2", OwnerID: "u2", Platform: PlatformCluster})

	got := s.List(Filter{OwnerID: "u1"})
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0].ID != idNew || got[1].ID != idOld {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestUpdateSerializesConcurrentCallers(t *testing.T) {
	s := New()
	id := s.Create(Deployment{AgentID: "a1"})
	s.Update(id, func(d *Deployment) { d.State = StateActive; d.DeployedAt = time.Now() })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Update(id, func(d *Deployment) { d.TotalInvocations++ })
		}(i)
	}
	wg.Wait()

	got, _ := s.Get(id)
	if got.TotalInvocations != 50 {
		t.Fatalf("total invocations = %d, want 50", got.TotalInvocations)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	s := New()
	id := s.Create(Deployment{AgentID: "a1"})
	if !s.Delete(id) {
		t.Fatalf("expected delete to report removal")
	}
	if s.Delete(id) {
		t.Fatalf("expected second delete to report no-op")
	}
	if _, ok := s.Get(id); ok {
		t.Fatalf("expected row to be gone")
	}
}

func TestSeedRoundTripsAPriorSnapshot(t *testing.T) {
	original := New()
	id := original.Create(Deployment{AgentID: "a1", Platform: PlatformCluster})
	original.Update(id, func(d *Deployment) {
		d.State = StateActive
		d.ExternalID = "postqode-a1-deadbeef"
		d.DeployedAt = time.Now().UTC()
	})
	snapshot := original.List(Filter{})

	restored := New()
	restored.Seed(snapshot)

	got := restored.List(Filter{})
	if diff := cmp.Diff(snapshot, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Fatalf("Seed did not round-trip the snapshot (-want +got):\n%s", diff)
	}
}
