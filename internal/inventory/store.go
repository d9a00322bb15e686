package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/invdhcp/invdhcpd/internal/metrics"
)

// BoltDB bucket names.
var (
	bucketEntities  = []byte("entities")
	bucketIndexAttr = []byte("index_attr")
)

// Entity kinds.
const (
	KindHost = "host"
	KindPool = "pool"
)

// maxDepth bounds parent chains; deeper chains are treated as cycles.
const maxDepth = 32

// Entity is a stored inventory object. Pools are containers whose
// attributes hosts inherit through Parents.
type Entity struct {
	Name    string      `json:"name" toml:"name"`
	Kind    string      `json:"kind" toml:"-"`
	Parents []string    `json:"parents,omitempty" toml:"parents"`
	IPs     []string    `json:"ips,omitempty" toml:"ips"`
	Attrs   []Attribute `json:"attrs,omitempty" toml:"attr"`
	// Runtime records the attributes stored through WriteAttribute. A seed
	// re-import keeps these and replaces everything else.
	Runtime []Attribute `json:"runtime,omitempty" toml:"-"`
	Source  string      `json:"source,omitempty" toml:"-"`
	Updated time.Time   `json:"updated" toml:"-"`
}

func (e *Entity) validate() error {
	if e.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if e.Kind != KindHost && e.Kind != KindPool {
		return fmt.Errorf("entity %s: kind must be %q or %q, got %q", e.Name, KindHost, KindPool, e.Kind)
	}
	for _, s := range e.IPs {
		if net.ParseIP(s) == nil {
			return fmt.Errorf("entity %s: invalid ip %q", e.Name, s)
		}
	}
	for _, p := range e.Parents {
		if p == e.Name {
			return fmt.Errorf("entity %s: cannot be its own parent", e.Name)
		}
	}
	return nil
}

// setSlot replaces the attribute in attr's slot or appends it.
func setSlot(attrs []Attribute, attr Attribute) []Attribute {
	for i := range attrs {
		if attrs[i].SameSlot(attr) {
			attrs[i] = attr
			return attrs
		}
	}
	return append(attrs, attr)
}

// Store is the bbolt-backed inventory. It implements Gateway.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

var _ Gateway = (*Store)(nil)

// NewStore opens or creates the inventory database.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening inventory database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntities, bucketIndexAttr} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database buckets: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	metrics.InventoryRecords.Set(float64(s.Count()))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// indexKey is key \x00 subkey \x00 number \x00 lower(value) \x00. The entity
// name follows so one attribute value can point at many entities.
func indexKey(key, subkey string, number int, value string) []byte {
	var b bytes.Buffer
	b.WriteString(key)
	b.WriteByte(0)
	b.WriteString(subkey)
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(number))
	b.WriteByte(0)
	b.WriteString(strings.ToLower(value))
	b.WriteByte(0)
	return b.Bytes()
}

func indexEntity(idx *bolt.Bucket, e *Entity) error {
	for _, a := range e.Attrs {
		k := append(indexKey(a.Key, a.Subkey, a.Number, a.Value), e.Name...)
		if err := idx.Put(k, nil); err != nil {
			return fmt.Errorf("indexing %s on %s: %w", a, e.Name, err)
		}
	}
	return nil
}

func unindexEntity(idx *bolt.Bucket, e *Entity) error {
	for _, a := range e.Attrs {
		k := append(indexKey(a.Key, a.Subkey, a.Number, a.Value), e.Name...)
		if err := idx.Delete(k); err != nil {
			return fmt.Errorf("unindexing %s on %s: %w", a, e.Name, err)
		}
	}
	return nil
}

func getEntity(b *bolt.Bucket, name string) (*Entity, error) {
	data := b.Get([]byte(name))
	if data == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	e := &Entity{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("unmarshalling entity %s: %w", name, err)
	}
	return e, nil
}

func putEntity(tx *bolt.Tx, e *Entity) error {
	b := tx.Bucket(bucketEntities)
	idx := tx.Bucket(bucketIndexAttr)

	if old, err := getEntity(b, e.Name); err == nil {
		if err := unindexEntity(idx, old); err != nil {
			return err
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling entity %s: %w", e.Name, err)
	}
	if err := b.Put([]byte(e.Name), data); err != nil {
		return fmt.Errorf("writing entity %s: %w", e.Name, err)
	}
	return indexEntity(idx, e)
}

// Put creates or replaces an entity.
func (s *Store) Put(e *Entity) error {
	if err := e.validate(); err != nil {
		return err
	}
	e.Updated = s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return putEntity(tx, e)
	})
	if err != nil {
		return err
	}
	metrics.InventoryRecords.Set(float64(s.Count()))
	return nil
}

// Get returns the stored entity by name.
func (s *Store) Get(name string) (*Entity, error) {
	var e *Entity
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		e, err = getEntity(tx.Bucket(bucketEntities), name)
		return err
	})
	return e, err
}

// Delete removes an entity and its index entries.
func (s *Store) Delete(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		e, err := getEntity(b, name)
		if err != nil {
			return err
		}
		if err := unindexEntity(tx.Bucket(bucketIndexAttr), e); err != nil {
			return err
		}
		return b.Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	metrics.InventoryRecords.Set(float64(s.Count()))
	return nil
}

// List returns every entity ordered by name.
func (s *Store) List() ([]*Entity, error) {
	var out []*Entity
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntities).ForEach(func(k, v []byte) error {
			e := &Entity{}
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("unmarshalling entity %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Count returns the number of stored entities.
func (s *Store) Count() int {
	n := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntities).Stats().KeyN
		return nil
	})
	return n
}

// Query returns the hosts matching any descriptor in q, ordered by name.
func (s *Store) Query(ctx context.Context, q Query) ([]*HostRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		metrics.InventoryQueryDuration.WithLabelValues("query").Observe(time.Since(start).Seconds())
	}()

	var out []*HostRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		c := tx.Bucket(bucketIndexAttr).Cursor()

		seen := make(map[string]bool)
		var names []string
		for _, m := range q.Match {
			prefix := indexKey(m.Key, m.Subkey, m.Number, m.Value)
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				name := string(k[len(prefix):])
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
		sort.Strings(names)

		for _, name := range names {
			e, err := getEntity(b, name)
			if err != nil {
				return err
			}
			if e.Kind != KindHost {
				continue
			}
			rec, err := buildRecord(b, e)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying inventory for %s: %w", q, err)
	}
	return out, nil
}

// Record returns the merged snapshot of a single host by name.
func (s *Store) Record(ctx context.Context, name string) (*HostRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *HostRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		e, err := getEntity(b, name)
		if err != nil {
			return err
		}
		rec, err = buildRecord(b, e)
		return err
	})
	return rec, err
}

// WriteAttribute upserts attr on the named host.
func (s *Store) WriteAttribute(ctx context.Context, host string, attr Attribute) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		metrics.InventoryQueryDuration.WithLabelValues("write").Observe(time.Since(start).Seconds())
	}()

	return s.db.Update(func(tx *bolt.Tx) error {
		e, err := getEntity(tx.Bucket(bucketEntities), host)
		if err != nil {
			return err
		}
		e.Attrs = setSlot(e.Attrs, attr)
		e.Runtime = setSlot(e.Runtime, attr)
		e.Updated = s.now()
		return putEntity(tx, e)
	})
}

// buildRecord flattens e and its ancestors into a HostRecord.
func buildRecord(b *bolt.Bucket, e *Entity) (*HostRecord, error) {
	attrs, err := mergedAttrs(b, e, map[string]bool{}, 0)
	if err != nil {
		return nil, err
	}
	rec := &HostRecord{Name: e.Name, Attrs: attrs}
	for _, s := range e.IPs {
		if ip := net.ParseIP(s); ip != nil {
			rec.IPs = append(rec.IPs, ip)
		}
	}
	return rec, nil
}

func mergedAttrs(b *bolt.Bucket, e *Entity, visiting map[string]bool, depth int) ([]Attribute, error) {
	if visiting[e.Name] || depth > maxDepth {
		return nil, fmt.Errorf("parent cycle at %s", e.Name)
	}
	visiting[e.Name] = true
	defer delete(visiting, e.Name)

	var out []Attribute
	for _, p := range e.Parents {
		parent, err := getEntity(b, p)
		if err != nil {
			return nil, fmt.Errorf("resolving parent of %s: %w", e.Name, err)
		}
		attrs, err := mergedAttrs(b, parent, visiting, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, attrs...)
	}
	return append(out, e.Attrs...), nil
}
