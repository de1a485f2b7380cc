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

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/postqode/orchestrator/pkg/manifest"
	"github.com/postqode/orchestrator/pkg/orcherr"
)

// Store implements the Package Store of spec.md §4.1: validate, hash,
// persist, and serve agent packages by (agent, version).
type Store struct {
	root     string
	registry Registry
}

// New constructs a Store rooted at root (spec.md §6's persisted-state
// layout: <root>/<agent_id>/<version>.zip), backed by registry.
func New(root string, registry Registry) *Store {
	return &Store{root: root, registry: registry}
}

// Put validates, hashes, and durably persists bytes for (agentID,
// version). Re-uploads of the same tuple overwrite iff the new bytes
// also validate; the digest is recomputed and the row updated in
// place.
func (s *Store) Put(agentID, version string, data []byte, originalFilename string, opts PutOptions) (Record, error) {
	report := manifest.Validate(data)
	if !report.OK {
		return Record{}, &orcherr.PackageInvalid{Errors: report.Errors, Warnings: report.Warnings}
	}

	agentDir := filepath.Join(s.root, agentID)
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		return Record{}, fmt.Errorf("packages: create agent dir: %w", err)
	}

	dest := filepath.Join(agentDir, version+".zip")
	if err := writeAtomic(dest, data); err != nil {
		return Record{}, fmt.Errorf("packages: write package: %w", err)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	rec := Record{
		AgentID:       agentID,
		Version:       version,
		ContentDigest: digest,
		ByteLength:    int64(len(data)),
		StorageURI:    dest,
		Manifest:      report.Manifest.Raw,
		Adapters:      adaptersFromManifest(data),
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.registry.Upsert(rec); err != nil {
		return Record{}, fmt.Errorf("packages: upsert record: %w", err)
	}

	// A fresh (agent, version) with no prior is_latest anywhere
	// becomes latest; a superseding newer version also becomes
	// latest. We resolve this by always promoting the newest of
	// List() after upsert, which keeps the invariant correct whether
	// this is the first version, a re-upload, or a new high version.
	newest := s.registry.List(agentID)
	if len(newest) > 0 {
		best := newest[0]
		for _, r := range newest {
			if CompareVersions(r.Version, best.Version) > 0 {
				best = r
			}
		}
		if err := s.registry.SetLatest(agentID, best.Version); err != nil {
			return Record{}, fmt.Errorf("packages: set latest: %w", err)
		}
	}

	rec, _ = s.registry.Get(agentID, version)
	_ = originalFilename // retained for parity with upload call sites; not part of the stored record
	return rec, nil
}

// adaptersFromManifest re-derives the adapter list for a package's
// bytes. Validate only uses adapter presence for its warning; Store
// needs the actual names for PackageRecord.Adapters, so it opens a
// fresh zip.Reader against manifest.DiscoverAdapters.
func adaptersFromManifest(data []byte) []string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil
	}
	return manifest.DiscoverAdapters(zr, manifest.FindRoot(zr))
}

// GetPath returns the on-disk path for (agentID, version), or ok=false
// if no such record exists.
func (s *Store) GetPath(agentID, version string) (string, bool) {
	rec, ok := s.registry.Get(agentID, version)
	if !ok {
		return "", false
	}
	return rec.StorageURI, true
}

// DownloadURL resolves a URL for (agentID, version) when licenseOK is
// true and the record exists. This reference implementation returns a
// file:// proxy path; a blob-store-backed Store would return a
// time-bounded signed URL instead (spec.md §6).
func (s *Store) DownloadURL(agentID, version string, licenseOK bool) (string, bool) {
	if !licenseOK {
		return "", false
	}
	path, ok := s.GetPath(agentID, version)
	if !ok {
		return "", false
	}
	return "file://" + path, true
}

// ListVersions returns version strings for agentID, newest first.
func (s *Store) ListVersions(agentID string) []string {
	recs := s.registry.List(agentID)
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Version
	}
	return out
}

// Delete removes bytes and the row for (agentID, version). If the
// removed row was is_latest, the registry promotes the next-highest
// version.
func (s *Store) Delete(agentID, version string) bool {
	path, ok := s.GetPath(agentID, version)
	if ok {
		_ = os.Remove(path)
	}
	return s.registry.Delete(agentID, version)
}

// writeAtomic writes data to dest via write-temp+fsync+rename, so a
// crash mid-write never leaves a torn file at dest.
func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-"+uuid.NewString())
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dest)
}
