// Package recordstore persists verification records: the durable,
// queryable record of a verdict together with the artifact that
// produced it, per spec.md §6's "Persisted artifacts" shape.
package recordstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned when a record for the requested address does
// not exist.
var ErrNotFound = errors.New("verification record not found")

// Record is the persisted shape of a successful verification: enough
// to answer "is this address verified" and to reconstruct what was
// verified, without re-running compilation.
type Record struct {
	Address         string            `json:"address"`
	ABI             string            `json:"abi"`
	SourceBundle    map[string]string `json:"source_bundle,omitempty"`
	FlatSource      string            `json:"flat_source,omitempty"`
	CompilerVersion string            `json:"compiler_version"`
	OptimizerOn     bool              `json:"optimizer_on"`
	OptimizerRuns   int               `json:"optimizer_runs"`
	EVMTarget       string            `json:"evm_target"`
	Libraries       map[string]string `json:"libraries,omitempty"`
	ConstructorArgs string            `json:"constructor_args,omitempty"`
	VerifiedAt      time.Time         `json:"verified_at"`
	IsMultiUnit     bool              `json:"is_multi_unit"`
	MainUnitName    string            `json:"main_unit_name"`
	MetadataSuffix  string            `json:"metadata_suffix,omitempty"`
}

// Registry is the collaborator contract the Verifier uses to persist
// and query verification records. Implementations MUST be safe for
// concurrent use.
type Registry interface {
	Get(address string) (Record, error)
	IsVerified(address string) (bool, error)
	Set(record Record) error
	Delete(address string) error
	List(offset, limit int) ([]Record, error)
	Count() (int, error)
}

func normalizeAddress(address string) string {
	return strings.ToLower(address)
}

// Memory is an in-memory Registry, primarily for tests and for
// single-process deployments that don't need cross-restart durability.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string // addresses, ordered by VerifiedAt ascending
}

// NewMemory constructs an empty in-memory Registry.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Get(address string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[normalizeAddress(address)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) IsVerified(address string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[normalizeAddress(address)]
	return ok, nil
}

func (m *Memory) Set(record Record) error {
	key := normalizeAddress(record.Address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[key]; !exists {
		m.order = append(m.order, key)
	}
	m.records[key] = record
	m.resortLocked()
	return nil
}

func (m *Memory) resortLocked() {
	sort.SliceStable(m.order, func(i, j int) bool {
		return m.records[m.order[i]].VerifiedAt.Before(m.records[m.order[j]].VerifiedAt)
	})
}

func (m *Memory) Delete(address string) error {
	key := normalizeAddress(address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	for i, a := range m.order {
		if a == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) List(offset, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset >= len(m.order) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(m.order) {
		end = len(m.order)
	}

	out := make([]Record, 0, end-offset)
	for _, addr := range m.order[offset:end] {
		out = append(out, m.records[addr])
	}
	return out, nil
}

func (m *Memory) Count() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Pebble is a pebble-backed Registry. It writes a direct
// address-keyed entry plus a timestamp-ordered index entry, mirroring
// the teacher's verified-contract storage scheme, so List can page in
// verification order without a full scan.
type Pebble struct {
	db *pebble.DB
}

// NewPebble constructs a Registry backed by db.
func NewPebble(db *pebble.DB) *Pebble {
	return &Pebble{db: db}
}

const (
	recordKeyPrefix = "recordstore/record/"
	indexKeyPrefix  = "recordstore/by-time/"
)

func recordKey(address string) []byte {
	return []byte(recordKeyPrefix + normalizeAddress(address))
}

func indexKey(verifiedAt time.Time, address string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", indexKeyPrefix, verifiedAt.UnixNano(), normalizeAddress(address)))
}

func (p *Pebble) Get(address string) (Record, error) {
	data, closer, err := p.db.Get(recordKey(address))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	defer closer.Close()

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("recordstore: corrupt record for %s: %w", address, err)
	}
	return r, nil
}

func (p *Pebble) IsVerified(address string) (bool, error) {
	_, err := p.Get(address)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pebble) Set(record Record) error {
	// Replace, rather than duplicate, any existing index entry.
	if existing, err := p.Get(record.Address); err == nil {
		if delErr := p.db.Delete(indexKey(existing.VerifiedAt, existing.Address), nil); delErr != nil {
			return delErr
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(recordKey(record.Address), data, nil); err != nil {
		return err
	}
	if err := batch.Set(indexKey(record.VerifiedAt, record.Address), []byte(record.Address), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *Pebble) Delete(address string) error {
	existing, err := p.Get(address)
	if err != nil {
		return err
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(recordKey(address), nil); err != nil {
		return err
	}
	if err := batch.Delete(indexKey(existing.VerifiedAt, existing.Address), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *Pebble) List(offset, limit int) ([]Record, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(indexKeyPrefix),
		UpperBound: []byte(indexKeyPrefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Record
	i := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if i < offset {
			i++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		address := string(iter.Value())
		record, err := p.Get(address)
		if err != nil {
			i++
			continue
		}
		out = append(out, record)
		i++
	}
	return out, iter.Error()
}

func (p *Pebble) Count() (int, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(recordKeyPrefix),
		UpperBound: []byte(recordKeyPrefix + "\xff"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}
