// Package dnstest provides an in-memory dns.Provider with synchronous reads
// for tests.
package dnstest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/thankful-ai/mcsync/internal/dns"
)

// Memory implements dns.Provider. Every call is recorded in Calls, e.g.
// "AddRecords 2", to let tests assert on the network calls a real backend
// would make.
type Memory struct {
	domain    string
	canUpdate bool

	mu      sync.Mutex
	init    bool
	nextID  int
	records map[string]dns.RawRecord

	// Err, when set, is returned from every call other than Init.
	Err   error
	Calls []string
}

var _ dns.Provider = &Memory{}

func NewMemory(domain string, canUpdate bool) *Memory {
	return &Memory{
		domain:    domain,
		canUpdate: canUpdate,
		records:   map[string]dns.RawRecord{},
	}
}

// Seed records directly, bypassing Calls. IDs are kept if set.
func (m *Memory) Seed(records ...dns.RawRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		if r.ID == "" {
			r.ID = m.newID()
		}
		m.records[r.ID] = r
	}
}

func (m *Memory) newID() string {
	m.nextID++
	return "r" + strconv.Itoa(m.nextID)
}

func (m *Memory) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, "Init")
	m.init = true
	return nil
}

func (m *Memory) Initialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.init
}

func (m *Memory) Domain() string            { return m.domain }
func (m *Memory) HasUpdateCapability() bool { return m.canUpdate }

func (m *Memory) ListRecords(context.Context) ([]dns.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, "ListRecords")
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]dns.RawRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AddRecords(_ context.Context, records []dns.Record) error {
	if len(records) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, fmt.Sprintf("AddRecords %d", len(records)))
	if err := m.check(); err != nil {
		return err
	}
	for _, r := range records {
		id := m.newID()
		m.records[id] = dns.RawRecord{ID: id, Record: r}
	}
	return nil
}

func (m *Memory) RemoveRecords(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, fmt.Sprintf("RemoveRecords %d", len(ids)))
	if err := m.check(); err != nil {
		return err
	}
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *Memory) UpdateRecords(
	_ context.Context,
	records []dns.RawRecord,
) error {
	if !m.canUpdate {
		return dns.ErrUpdateUnsupported
	}
	if len(records) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, fmt.Sprintf("UpdateRecords %d", len(records)))
	if err := m.check(); err != nil {
		return err
	}
	for _, r := range records {
		if _, exist := m.records[r.ID]; !exist {
			return fmt.Errorf("update %s: missing", r.ID)
		}
		m.records[r.ID] = r
	}
	return nil
}

func (m *Memory) check() error {
	if !m.init {
		return dns.ErrNotInitialized
	}
	return m.Err
}
