// Package compilecache implements the Compilation Cache: a bounded,
// LRU-evicted, single-flight memoization of compilation artifacts keyed
// by the Compilation Input Key digest.
package compilecache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/studioplatforms/contract-verifier/internal/constants"
)

// KeyInputs is the tuple that determines a Compilation Input Key:
// two inputs with equal keys MUST produce equal outputs.
type KeyInputs struct {
	Content        []byte
	CanonicalBuild string
	ContractName   string
	OptimizerOn    bool
	OptimizerRuns  int
	Libraries      map[string]string
	EVMTarget      string
}

// Key computes the Compilation Input Key digest for a set of inputs.
func Key(in KeyInputs) string {
	libKeys := make([]string, 0, len(in.Libraries))
	for k := range in.Libraries {
		libKeys = append(libKeys, k)
	}
	sort.Strings(libKeys)
	orderedLibs := make([][2]string, 0, len(libKeys))
	for _, k := range libKeys {
		orderedLibs = append(orderedLibs, [2]string{k, in.Libraries[k]})
	}

	payload := struct {
		Content        []byte      `json:"content"`
		CanonicalBuild string      `json:"build"`
		ContractName   string      `json:"contract"`
		OptimizerOn    bool        `json:"opt_on"`
		OptimizerRuns  int         `json:"opt_runs"`
		Libraries      [][2]string `json:"libs"`
		EVMTarget      string      `json:"evm"`
	}{in.Content, in.CanonicalBuild, in.ContractName, in.OptimizerOn, in.OptimizerRuns, orderedLibs, in.EVMTarget}

	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compute is the caller-supplied function that produces an Artifact on a
// cache miss. It receives the same context Get was called with.
type Compute func(ctx context.Context) (any, error)

type entry struct {
	key   string
	value any
}

type inflight struct {
	done  chan struct{}
	value any
	err   error
}

// Cache is a bounded in-memory mapping from Compilation Input Key to
// Artifact, LRU-evicted, with a compile-once-per-key single-flight
// guarantee: concurrent Get calls with the same key see exactly one
// Compute invocation.
type Cache struct {
	capacity int

	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	inFlight map[string]*inflight
}

// New constructs a Cache with the given capacity. A non-positive
// capacity falls back to constants.DefaultCacheCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = constants.DefaultCacheCapacity
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		inFlight: make(map[string]*inflight),
	}
}

// Get returns the cached artifact for key, or computes it via compute.
// Cache lookups happen before any compiler work, per spec.md §4.7. A
// context cancellation during compute leaves no cache entry and does
// not corrupt the structure for other waiters, who observe the same
// cancellation error.
func (c *Cache) Get(ctx context.Context, key string, compute Compute) (any, error) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		v := el.Value.(*entry).value
		c.mu.Unlock()
		return v, nil
	}

	if inf, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		select {
		case <-inf.done:
			return inf.value, inf.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	inf := &inflight{done: make(chan struct{})}
	c.inFlight[key] = inf
	c.mu.Unlock()

	value, err := compute(ctx)

	c.mu.Lock()
	delete(c.inFlight, key)
	if err == nil {
		c.putLocked(key, value)
	}
	c.mu.Unlock()

	inf.value, inf.err = value, err
	close(inf.done)

	return value, err
}

func (c *Cache) putLocked(key string, value any) {
	if el, ok := c.items[key]; ok {
		el.Value.(*entry).value = value
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{key: key, value: value})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

// Len reports the number of cached artifacts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
