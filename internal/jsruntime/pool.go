package jsruntime

import (
	"context"

	"github.com/dop251/goja"
)

// vmPool bounds the number of JS VMs in concurrent use. A VM is discarded
// (not returned) on release — isolation between unrelated apps matters
// more here than reuse, and goja.New() is cheap relative to a handler
// invocation — so the pool's job is purely admission control on
// concurrency, not instance recycling.
type vmPool struct {
	slots chan *goja.Runtime
}

func newVMPool(size int) *vmPool {
	p := &vmPool{slots: make(chan *goja.Runtime, size)}
	for i := 0; i < size; i++ {
		p.slots <- goja.New()
	}
	return p
}

// acquire blocks until a VM slot is available or ctx is done.
func (p *vmPool) acquire(ctx context.Context) (*goja.Runtime, error) {
	select {
	case vm := <-p.slots:
		return vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns the slot to the pool with a fresh VM, discarding the
// used one so no state leaks between executions that happen to land on
// the same slot.
func (p *vmPool) release(used *goja.Runtime) {
	used.ClearInterrupt()
	p.slots <- goja.New()
}

// size reports the pool's fixed capacity.
func (p *vmPool) size() int {
	return cap(p.slots)
}
