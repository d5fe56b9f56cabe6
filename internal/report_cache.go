package internal

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/lychee-technology/occams"
)

// compiledReport is the reusable part of a report build: the column layout
// merged across versions and the rendered query with its arguments.
type compiledReport struct {
	table   string
	form    string
	columns []*reportColumn
	sql     string
	args    []any
}

// reportQueryCache keeps compiled reports keyed by a fingerprint of the
// loaded attribute metadata and request shape. It holds at most size
// entries and evicts the oldest first.
type reportQueryCache struct {
	cacheMu sync.RWMutex
	size    int
	entries map[uint64]*compiledReport
	order   []uint64
}

func newReportQueryCache(size int) *reportQueryCache {
	return &reportQueryCache{
		size:    size,
		entries: make(map[uint64]*compiledReport),
	}
}

func (c *reportQueryCache) get(key uint64) (*compiledReport, bool) {
	if c == nil || c.size <= 0 {
		return nil, false
	}
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *reportQueryCache) put(key uint64, entry *compiledReport) {
	if c == nil || c.size <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = entry
		return
	}
	for len(c.order) >= c.size {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[key] = entry
	c.order = append(c.order, key)
}

func (c *reportQueryCache) len() int {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	return len(c.entries)
}

// reportFingerprint hashes everything a compiled report depends on: the
// schema name, the matched versions and their attributes and choices, the randomization
// flag and the filter. Label and expansion switches are applied after the
// query and do not take part.
func reportFingerprint(name string, versions []*reportVersion, randomized bool, filter *occams.CompositeCondition) (uint64, error) {
	h := xxhash.New()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeStr := func(s string) {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	writeStr(occams.NormalizeName(name))
	for _, v := range versions {
		writeInt(v.schema.ID)
		for _, a := range v.attributes {
			writeInt(a.ID)
			writeStr(a.Name)
			writeStr(string(a.Type))
			if a.IsCollection {
				writeStr("collection")
			}
			writeInt(int64(a.Order))
			for _, ch := range a.Choices {
				writeInt(ch.ID)
				writeStr(ch.Name)
				writeStr(ch.Title)
			}
		}
	}
	if randomized {
		writeStr("randomized")
	}
	if filter != nil {
		raw, err := json.Marshal(filter)
		if err != nil {
			return 0, occams.NewInternalError("encode report filter", err)
		}
		_, _ = h.Write(raw)
	}
	return h.Sum64(), nil
}
