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

package packages

import "testing"

func TestCompareVersionsOrdersDottedNumericComponents(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.10.0", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0", 0},
		{"1.0.0-beta", "1.0.0-beta", 0},
	}
	for _, c := range cases {
		if got := CompareVersions(c.a, c.b); sign(got) != c.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func TestMemRegistrySetLatestClearsOthers(t *testing.T) {
	r := NewMemRegistry()
	r.Upsert(Record{AgentID: "a1", Version: "1.0.0"})
	r.Upsert(Record{AgentID: "a1", Version: "2.0.0"})

	if err := r.SetLatest("a1", "2.0.0"); err != nil {
		t.Fatalf("SetLatest: %v", err)
	}
	recs := r.List("a1")
	for _, rec := range recs {
		want := rec.Version == "2.0.0"
		if rec.IsLatest != want {
			t.Fatalf("version %s: IsLatest = %v, want %v", rec.Version, rec.IsLatest, want)
		}
	}
}

func TestMemRegistrySetLatestUnknownVersionErrors(t *testing.T) {
	r := NewMemRegistry()
	r.Upsert(Record{AgentID: "a1", Version: "1.0.0"})
	if err := r.SetLatest("a1", "9.9.9"); err == nil {
		t.Fatalf("expected an error for an unknown version")
	}
}

func TestMemRegistryDeletePromotesNextHighest(t *testing.T) {
	r := NewMemRegistry()
	r.Upsert(Record{AgentID: "a1", Version: "1.0.0", IsLatest: false})
	r.Upsert(Record{AgentID: "a1", Version: "2.0.0", IsLatest: true})

	if !r.Delete("a1", "2.0.0") {
		t.Fatalf("expected delete to report removal")
	}
	rec, ok := r.Get("a1", "1.0.0")
	if !ok || !rec.IsLatest {
		t.Fatalf("expected 1.0.0 promoted to latest")
	}
}
