package bridge

import (
	"reflect"
	"time"

	"github.com/basket/modbridge/internal/module"
	"github.com/basket/modbridge/internal/shared"
)

const instancePrefix = "inst_"

// Instance is a live value created by a constructor.
type Instance struct {
	ID      string
	Type    *module.Type
	Value   reflect.Value
	Created time.Time
}

// instanceTable is owned by one ExecutionContext and guarded by the
// registry lock.
type instanceTable struct {
	byID map[string]*Instance
}

func newInstanceTable() *instanceTable {
	return &instanceTable{byID: map[string]*Instance{}}
}

func (t *instanceTable) add(typ *module.Type, v reflect.Value) *Instance {
	inst := &Instance{ID: instancePrefix + shared.CompactID(), Type: typ, Value: v, Created: time.Now()}
	for t.byID[inst.ID] != nil {
		inst.ID = instancePrefix + shared.CompactID()
	}
	t.byID[inst.ID] = inst
	return inst
}

func (t *instanceTable) get(id string) (*Instance, bool) {
	inst, ok := t.byID[id]
	return inst, ok
}

// release removes id and reports whether it was present.
func (t *instanceTable) release(id string) bool {
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	return true
}

func (t *instanceTable) count() int { return len(t.byID) }

func (t *instanceTable) reset() int {
	n := len(t.byID)
	clear(t.byID)
	return n
}
