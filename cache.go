// cache.go: On-disk snapshot cache keyed by the remote identity hash
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"
)

const cacheFormatVersion = 1

// CacheEntry is one persisted parameter. Values are stored as canonical
// text so the file stays human readable.
type CacheEntry struct {
	Name  string `yaml:"name"`
	Index int    `yaml:"index"`
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

type cacheRecord struct {
	Component int          `yaml:"component"`
	Hash      string       `yaml:"hash"`
	Checksum  string       `yaml:"checksum"`
	SavedAt   time.Time    `yaml:"saved_at"`
	Params    []CacheEntry `yaml:"params"`
}

type cacheDocument struct {
	Version    int           `yaml:"version"`
	Components []cacheRecord `yaml:"components"`
}

// CachedParameter is a validated cache entry
type CachedParameter struct {
	Name  string
	Index int
	Value Value
}

// CacheSnapshot is the complete cached parameter set of one component
type CacheSnapshot struct {
	ComponentID int
	Hash        string
	SavedAt     time.Time
	Params      []CachedParameter
}

// CacheSummary describes a cached component without decoding its values
type CacheSummary struct {
	ComponentID int
	Hash        string
	SavedAt     time.Time
	Count       int
	Valid       bool
}

// CacheStore persists fully loaded parameter sets so that a later session
// with the same identity hash can skip the network protocol. The file is
// opened only for the duration of a single read or write.
type CacheStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewCacheStore creates a store backed by path. The file does not need to
// exist yet.
func NewCacheStore(path string, logger *zap.Logger) (*CacheStore, error) {
	if err := ValidateSecurePath(path); err != nil {
		return nil, errors.Wrap(err, ErrCodeInvalidConfig, "invalid cache path").
			WithContext("path", path)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheStore{path: path, logger: logger}, nil
}

// Path returns the cache file location
func (c *CacheStore) Path() string { return c.path }

// Lookup returns the snapshot for componentID if one was saved under
// exactly hash. Any other outcome is reported as ErrCodeCacheMiss or
// ErrCodeCacheCorrupt; neither is fatal and callers fall back to the
// network protocol.
func (c *CacheStore) Lookup(componentID int, hash string) (*CacheSnapshot, error) {
	c.mu.Lock()
	doc, err := c.readDocument()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, record := range doc.Components {
		if record.Component != componentID {
			continue
		}
		if record.Hash != hash {
			return nil, errors.New(ErrCodeCacheMiss, "identity hash does not match cached set").
				WithContext("component", componentID).
				WithContext("cached_hash", record.Hash).
				WithContext("hash", hash)
		}
		return decodeRecord(record)
	}
	return nil, errors.New(ErrCodeCacheMiss, "component not cached").
		WithContext("component", componentID)
}

// Save stores params as the snapshot of componentID under hash, replacing
// any previous snapshot of that component. Other components are kept.
func (c *CacheStore) Save(componentID int, hash string, params []Parameter) error {
	if hash == "" {
		return errors.New(ErrCodeInvalidConfig, "cannot cache a parameter set without identity hash").
			WithContext("component", componentID)
	}

	entries := make([]CacheEntry, 0, len(params))
	for _, p := range params {
		entries = append(entries, CacheEntry{
			Name:  p.Name,
			Index: p.Index,
			Type:  p.Value.Type().String(),
			Value: p.Value.String(),
		})
	}
	record := cacheRecord{
		Component: componentID,
		Hash:      hash,
		Checksum:  checksumEntries(hash, entries),
		SavedAt:   timecache.CachedTime().UTC(),
		Params:    entries,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.readDocument()
	if err != nil {
		// a missing or unreadable file is replaced, never merged
		c.logger.Debug("starting new cache document", zap.String("path", c.path), zap.Error(err))
		doc = &cacheDocument{}
	}
	doc.Version = cacheFormatVersion

	replaced := false
	for i := range doc.Components {
		if doc.Components[i].Component == componentID {
			doc.Components[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Components = append(doc.Components, record)
	}
	sort.Slice(doc.Components, func(i, j int) bool {
		return doc.Components[i].Component < doc.Components[j].Component
	})

	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to encode cache document")
	}
	return atomicWriteFile(c.path, data)
}

// Components summarizes every cached component
func (c *CacheStore) Components() ([]CacheSummary, error) {
	c.mu.Lock()
	doc, err := c.readDocument()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]CacheSummary, 0, len(doc.Components))
	for _, record := range doc.Components {
		out = append(out, CacheSummary{
			ComponentID: record.Component,
			Hash:        record.Hash,
			SavedAt:     record.SavedAt,
			Count:       len(record.Params),
			Valid:       record.Checksum == checksumEntries(record.Hash, record.Params),
		})
	}
	return out, nil
}

// Snapshot returns the cached set of a component regardless of its hash
func (c *CacheStore) Snapshot(componentID int) (*CacheSnapshot, error) {
	c.mu.Lock()
	doc, err := c.readDocument()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, record := range doc.Components {
		if record.Component == componentID {
			return decodeRecord(record)
		}
	}
	return nil, errors.New(ErrCodeCacheMiss, "component not cached").
		WithContext("component", componentID)
}

// Clear removes the cache file
func (c *CacheStore) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, ErrCodeIOError, "failed to remove cache file").
			WithContext("path", c.path)
	}
	return nil
}

// readDocument loads and decodes the cache file (caller holds mu)
func (c *CacheStore) readDocument() (*cacheDocument, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(ErrCodeCacheMiss, "cache file does not exist").
				WithContext("path", c.path)
		}
		return nil, errors.Wrap(err, ErrCodeCacheMiss, "cannot open cache file").
			WithContext("path", c.path)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			c.logger.Debug("cache file close failed", zap.Error(closeErr))
		}
	}()

	var doc cacheDocument
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, ErrCodeCacheCorrupt, "cache file is not a valid document").
			WithContext("path", c.path)
	}
	if doc.Version != cacheFormatVersion {
		return nil, errors.New(ErrCodeCacheCorrupt, "unsupported cache format version").
			WithContext("version", doc.Version)
	}
	return &doc, nil
}

// decodeRecord validates a record and converts it into a snapshot. A
// record is trusted completely or not at all.
func decodeRecord(record cacheRecord) (*CacheSnapshot, error) {
	if record.Checksum != checksumEntries(record.Hash, record.Params) {
		return nil, errors.New(ErrCodeCacheCorrupt, "cache checksum mismatch").
			WithContext("component", record.Component)
	}

	snapshot := &CacheSnapshot{
		ComponentID: record.Component,
		Hash:        record.Hash,
		SavedAt:     record.SavedAt,
		Params:      make([]CachedParameter, 0, len(record.Params)),
	}
	names := make(map[string]struct{}, len(record.Params))
	indices := make(map[int]struct{}, len(record.Params))
	for _, entry := range record.Params {
		if entry.Name == "" {
			return nil, errors.New(ErrCodeCacheCorrupt, "cache entry without name").
				WithContext("component", record.Component)
		}
		if _, dup := names[entry.Name]; dup {
			return nil, errors.New(ErrCodeCacheCorrupt, "duplicate cache entry").
				WithContext("name", entry.Name)
		}
		names[entry.Name] = struct{}{}
		if entry.Index >= 0 {
			if _, dup := indices[entry.Index]; dup {
				return nil, errors.New(ErrCodeCacheCorrupt, "duplicate cache index").
					WithContext("index", entry.Index)
			}
			indices[entry.Index] = struct{}{}
		}

		t, err := ParseValueType(entry.Type)
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeCacheCorrupt, "cache entry has unknown type").
				WithContext("name", entry.Name)
		}
		v, err := ParseValue(entry.Value, t)
		if err != nil {
			return nil, errors.Wrap(err, ErrCodeCacheCorrupt, "cache entry value does not parse").
				WithContext("name", entry.Name)
		}
		snapshot.Params = append(snapshot.Params, CachedParameter{Name: entry.Name, Index: entry.Index, Value: v})
	}
	return snapshot, nil
}

// checksumEntries computes the SHA-256 of the canonical entry listing
func checksumEntries(hash string, entries []CacheEntry) string {
	h := sha256.New()
	h.Write([]byte(hash))
	h.Write([]byte{'\n'})
	for _, e := range entries {
		h.Write([]byte(e.Name))
		h.Write([]byte{'\t'})
		h.Write([]byte(strconv.Itoa(e.Index)))
		h.Write([]byte{'\t'})
		h.Write([]byte(e.Type))
		h.Write([]byte{'\t'})
		h.Write([]byte(e.Value))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// atomicWriteFile writes data through a temporary file in the target
// directory followed by a rename, so readers never observe a partial file.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to create cache directory").
			WithContext("dir", dir)
	}

	tempPath := filepath.Join(dir, "."+filepath.Base(path)+".tmp."+fmt.Sprintf("%d", time.Now().UnixNano()))
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) // #nosec G304 -- derived from a validated path
	if err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to create temp file").
			WithContext("path", tempPath)
	}

	_, writeErr := f.Write(data)
	if writeErr == nil {
		writeErr = f.Sync()
	}
	closeErr := f.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(writeErr, ErrCodeIOError, "failed to write temp file").
			WithContext("path", tempPath)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(err, ErrCodeIOError, "failed to rename temp file").
			WithContext("path", path)
	}
	return nil
}
