package inventory

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	bolt "go.etcd.io/bbolt"

	"github.com/invdhcp/invdhcpd/internal/metrics"
)

// SourceSeed marks entities created by a seed import.
const SourceSeed = "seed"

// Seed is the on-disk TOML inventory format:
//
//	[[pool]]
//	name = "rack-a"
//	  [[pool.attr]]
//	  key = "dhcp"
//	  subkey = "enabled"
//	  value = "1"
//
//	[[host]]
//	name = "web01"
//	parents = ["rack-a"]
//	ips = ["10.0.0.5"]
//	  [[host.attr]]
//	  key = "port-nic-eth"
//	  subkey = "mac"
//	  number = 1
//	  value = "aa:bb:cc:dd:ee:ff"
type Seed struct {
	Pools []Entity `toml:"pool"`
	Hosts []Entity `toml:"host"`
}

// LoadSeed parses a TOML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file %s: %w", path, err)
	}
	seed := &Seed{}
	if err := toml.Unmarshal(data, seed); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	for i := range seed.Pools {
		seed.Pools[i].Kind = KindPool
	}
	for i := range seed.Hosts {
		seed.Hosts[i].Kind = KindHost
	}
	return seed, nil
}

// ImportResult summarizes a seed import.
type ImportResult struct {
	Written int
	Pruned  int
}

// Import writes every seed entity in one transaction. The seed replaces a
// stored entity's attributes, except those written at runtime through
// WriteAttribute in a slot the seed leaves empty. Previously seeded entities
// missing from the seed are deleted.
func (s *Store) Import(seed *Seed) (ImportResult, error) {
	var res ImportResult

	all := make([]Entity, 0, len(seed.Pools)+len(seed.Hosts))
	all = append(all, seed.Pools...)
	all = append(all, seed.Hosts...)

	want := make(map[string]bool, len(all))
	for i := range all {
		e := &all[i]
		if err := e.validate(); err != nil {
			return res, fmt.Errorf("invalid seed entity: %w", err)
		}
		if want[e.Name] {
			return res, fmt.Errorf("duplicate seed entity %s", e.Name)
		}
		want[e.Name] = true
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntities)
		idx := tx.Bucket(bucketIndexAttr)
		now := s.now()

		for i := range all {
			e := all[i]
			e.Attrs = append([]Attribute(nil), e.Attrs...)
			e.Runtime = nil
			if old, err := getEntity(b, e.Name); err == nil {
				for _, a := range old.Runtime {
					if hasSlot(e.Attrs, a) {
						continue
					}
					e.Attrs = append(e.Attrs, a)
					e.Runtime = append(e.Runtime, a)
				}
			}
			e.Source = SourceSeed
			e.Updated = now
			if err := putEntity(tx, &e); err != nil {
				return err
			}
			res.Written++
		}

		var stale []*Entity
		err := b.ForEach(func(k, v []byte) error {
			if want[string(k)] {
				return nil
			}
			e, err := getEntity(b, string(k))
			if err != nil {
				return err
			}
			if e.Source == SourceSeed {
				stale = append(stale, e)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range stale {
			if err := unindexEntity(idx, e); err != nil {
				return err
			}
			if err := b.Delete([]byte(e.Name)); err != nil {
				return fmt.Errorf("deleting stale entity %s: %w", e.Name, err)
			}
			res.Pruned++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("importing seed: %w", err)
	}
	metrics.InventoryRecords.Set(float64(s.Count()))
	return res, nil
}

// ImportFile loads and imports a seed file.
func (s *Store) ImportFile(path string) (ImportResult, error) {
	seed, err := LoadSeed(path)
	if err != nil {
		return ImportResult{}, err
	}
	return s.Import(seed)
}

func hasSlot(attrs []Attribute, a Attribute) bool {
	for _, x := range attrs {
		if x.SameSlot(a) {
			return true
		}
	}
	return false
}
