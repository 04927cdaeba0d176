// Package summary is registry of named data items with numeric IDs.
// Items are grouped in subsets: summary is published over radio, nvm is persisted.
// Binary export is CBOR map {id: value} in ascending ID order.
package summary

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
)

type Subset uint32

const (
	SubsetSummary Subset = 1 << iota
	SubsetNVM
)

// Well known object IDs.
const (
	IDRoot    uint16 = 0x00
	IDSummary uint16 = 0x08 // uplink port is PortSummaryBase+IDSummary
	IDDevice  uint16 = 0x20
	IDLorawan uint16 = 0x27

	PortSummaryBase uint8 = 0x80
)

type Item struct {
	ID      uint16
	Parent  uint16
	Name    string
	Subsets Subset
	Get     func() interface{}
	// Set parses human text form, nil for read-only items.
	Set func(text string) error
}

func (i *Item) Writable() bool { return i.Set != nil }

type Registry struct {
	mu     sync.RWMutex
	items  []Item // sorted by ID
	byName map[string]int
	byID   map[uint16]struct{}
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("summary CBOR encoder mode: %v", err))
	}
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]int),
		byID:   make(map[uint16]struct{}),
	}
}

func (r *Registry) Add(items ...Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make(map[string]struct{}, len(items))
	ids := make(map[uint16]struct{}, len(items))
	for _, item := range items {
		if item.Name == "" || item.Get == nil {
			return errors.NotValidf("summary item id=%#x name='%s' without name or getter", item.ID, item.Name)
		}
		if _, ok := r.byName[item.Name]; ok {
			return errors.AlreadyExistsf("summary item name=%s", item.Name)
		}
		if _, ok := names[item.Name]; ok {
			return errors.AlreadyExistsf("summary item name=%s", item.Name)
		}
		if _, ok := r.byID[item.ID]; ok {
			return errors.AlreadyExistsf("summary item id=%#x", item.ID)
		}
		if _, ok := ids[item.ID]; ok {
			return errors.AlreadyExistsf("summary item id=%#x", item.ID)
		}
		names[item.Name] = struct{}{}
		ids[item.ID] = struct{}{}
	}

	for _, item := range items {
		r.byID[item.ID] = struct{}{}
		r.items = append(r.items, item)
	}
	sort.Slice(r.items, func(a, b int) bool { return r.items[a].ID < r.items[b].ID })
	for i := range r.items {
		r.byName[r.items[i].Name] = i
	}
	return nil
}

func (r *Registry) MustAdd(items ...Item) {
	if err := r.Add(items...); err != nil {
		panic("code error " + err.Error())
	}
}

// Items returns copy of items in subset, zero subset means all.
func (r *Registry) Items(subset Subset) []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Item, 0, len(r.items))
	for _, item := range r.items {
		if subset == 0 || item.Subsets&subset != 0 {
			result = append(result, item)
		}
	}
	return result
}

func (r *Registry) Lookup(name string) (Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.byName[name]; ok {
		return r.items[i], true
	}
	return Item{}, false
}

func (r *Registry) Get(name string) (interface{}, error) {
	item, ok := r.Lookup(name)
	if !ok {
		return nil, errors.NotFoundf("summary item name=%s", name)
	}
	return item.Get(), nil
}

func (r *Registry) Set(name, text string) error {
	item, ok := r.Lookup(name)
	if !ok {
		return errors.NotFoundf("summary item name=%s", name)
	}
	if !item.Writable() {
		return errors.Forbiddenf("summary item name=%s read-only", name)
	}
	return errors.Annotatef(item.Set(text), "summary item name=%s", name)
}

// Export encodes subset items, dropping highest IDs until result fits maxLen.
func (r *Registry) Export(subset Subset, maxLen int) ([]byte, error) {
	items := r.Items(subset)
	values := make([]interface{}, len(items))
	for i := range items {
		values[i] = items[i].Get()
	}
	for n := len(items); n >= 0; n-- {
		m := make(map[uint16]interface{}, n)
		for i := 0; i < n; i++ {
			m[items[i].ID] = values[i]
		}
		b, err := encMode.Marshal(m)
		if err != nil {
			return nil, errors.Annotatef(err, "summary export subset=%#x", subset)
		}
		if len(b) <= maxLen {
			return b, nil
		}
	}
	return nil, errors.Errorf("summary export subset=%#x does not fit max_len=%d", subset, maxLen)
}

func (r *Registry) ExportSummary(maxLen int) ([]byte, error) {
	return r.Export(SubsetSummary, maxLen)
}

// Decode is inverse of Export, for tests and console.
func Decode(b []byte) (map[uint16]interface{}, error) {
	m := make(map[uint16]interface{})
	err := cbor.Unmarshal(b, &m)
	return m, errors.Annotate(err, "summary decode")
}
