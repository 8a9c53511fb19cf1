package m2mi

import (
	"fmt"
	"sync"
	"sync/atomic"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// catalog indexes the interfaces known to a layer by name, so inbound
// frames can be decoded against the right descriptor.
//
// Readers (the receiver) never lock: they load an immutable snapshot of
// the tree. Writers serialise on `lk`.
type catalog struct {
	tree atomic.Pointer[iradix.Tree]
	lk   sync.Mutex
}

func newCatalog() *catalog {
	c := &catalog{}
	c.tree.Store(iradix.New())
	return c
}

// register adds `desc` and its whole lineage.
func (c *catalog) register(desc *InterfaceDescriptor) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	tree := c.tree.Load()
	for _, d := range desc.Lineage() {
		existing, has := tree.Get([]byte(d.name))
		if has {
			if existing.(*InterfaceDescriptor).typ != d.typ {
				return fmt.Errorf("%w: name %s is already used by %s", ErrInvalidInterface, d.name, existing.(*InterfaceDescriptor).typ)
			}
			continue
		}
		tree, _, _ = tree.Insert([]byte(d.name), d)
	}
	c.tree.Store(tree)
	return nil
}

func (c *catalog) lookup(name string) (*InterfaceDescriptor, bool) {
	v, has := c.tree.Load().Get([]byte(name))
	if !has {
		return nil, false
	}
	return v.(*InterfaceDescriptor), true
}

func (c *catalog) scan(prefix string) []*InterfaceDescriptor {
	var found []*InterfaceDescriptor
	c.tree.Load().Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		found = append(found, v.(*InterfaceDescriptor))
		return false
	})
	return found
}
