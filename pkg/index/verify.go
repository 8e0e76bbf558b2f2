package index

import (
	"bytes"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/aretw0/humus/pkg/core"
)

// Mismatch describes one divergence between stored and expected entries.
type Mismatch struct {
	Index string
	Key   string
	Issue string
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s: %s (%s)", m.Index, m.Key, m.Issue)
}

// Verify recomputes the entries of every document in src and compares them
// with what r holds. The caller holds at least RLock.
func (m *Manager) Verify(r Reader, src Source) ([]Mismatch, error) {
	expected := make(map[string][]byte)
	owner := make(map[string]string)
	err := src(func(key string, row uint32, doc *core.Document) error {
		for _, spec := range m.specs {
			entries, err := m.entries(spec, key, row, doc)
			if err != nil {
				return err
			}
			for k, v := range entries {
				expected[k] = v
				owner[k] = spec.Name
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Mismatch
	for _, spec := range m.Specs() {
		for _, p := range []string{valuePrefix, termPrefix} {
			it := r.NewIterator(util.BytesPrefix([]byte(p+spec.Name+"\x00")), nil)
			for it.Next() {
				k := string(it.Key())
				want, ok := expected[k]
				switch {
				case !ok:
					out = append(out, Mismatch{Index: spec.Name, Key: k, Issue: "stale entry"})
				case !bytes.Equal(want, it.Value()):
					out = append(out, Mismatch{Index: spec.Name, Key: k, Issue: "entry differs"})
				}
				delete(expected, k)
			}
			err := it.Error()
			it.Release()
			if err != nil {
				return nil, err
			}
		}
	}
	for k := range expected {
		out = append(out, Mismatch{Index: owner[k], Key: k, Issue: "missing entry"})
	}
	return out, nil
}
