/*
Package jsruntime embeds a pool of JS VMs (dop251/goja) that run app
handlers under a hard wall-clock deadline, with a capability bridge
(fazt.env, fazt.storage.*, fazt.realtime, fazt.net) that is the only
host-facing surface a handler script can see — generalized from the
teacher's plugin constructor-registry (a name-keyed table of
capabilities validated and wired at init time) to a per-request
namespace table bound to site_id/app_id/budget at injection time.
*/
package jsruntime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/config"
	"github.com/fazt-sh/fazt/internal/egress"
	"github.com/fazt-sh/fazt/internal/hub"
	"github.com/fazt-sh/fazt/internal/secrets"
	"github.com/fazt-sh/fazt/internal/store"
	"github.com/fazt-sh/fazt/internal/writequeue"
)

// ExecError is a handler execution failure: an uncaught host capability
// error, a VM interrupt (deadline/panic), or a malformed handler return
// value. Retryable mirrors the underlying capability error, if any.
type ExecError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Runtime is the bounded VM pool plus the shared services every
// capability namespace is bound to.
type Runtime struct {
	cfg     config.JSRuntime
	db      *store.DB
	queue   *writequeue.Queue
	hubs    *hub.Manager
	egress  *egress.Proxy
	secrets *secrets.Store
	logger  *slog.Logger

	pool *vmPool

	progMu   sync.RWMutex
	programs map[string]*goja.Program
}

// New creates a Runtime with a pool of cfg.PoolSize VMs.
func New(cfg config.JSRuntime, db *store.DB, queue *writequeue.Queue, hubs *hub.Manager, egressProxy *egress.Proxy, secretStore *secrets.Store, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		db:       db,
		queue:    queue,
		hubs:     hubs,
		egress:   egressProxy,
		secrets:  secretStore,
		logger:   logger,
		pool:     newVMPool(cfg.PoolSize),
		programs: make(map[string]*goja.Program),
	}
}

// PoolSize reports the runtime's configured concurrency bound.
func (rt *Runtime) PoolSize() int { return rt.pool.size() }

// compile parses source once and caches the resulting Program keyed by
// its content hash, so repeated invocations of the same handler (the
// common case — one script per app, many requests) skip reparsing.
func (rt *Runtime) compile(source string) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(source))
	key := hex.EncodeToString(sum[:])

	rt.progMu.RLock()
	if p, ok := rt.programs[key]; ok {
		rt.progMu.RUnlock()
		return p, nil
	}
	rt.progMu.RUnlock()

	prog, err := goja.Compile("handler.js", source, false)
	if err != nil {
		return nil, fmt.Errorf("compile handler: %w", err)
	}

	rt.progMu.Lock()
	rt.programs[key] = prog
	rt.progMu.Unlock()
	return prog, nil
}

// Execute runs source's top-level `handle` function against req, bound
// to siteID/appID and charged against b. It acquires a VM from the pool,
// arms a deadline interrupt, installs the capability bridge, and awaits
// the handler's synchronous return value.
func (rt *Runtime) Execute(ctx context.Context, siteID, appID, source string, b *budget.Budget, req Request) (resp *Response, execErr error) {
	vm, err := rt.pool.acquire(ctx)
	if err != nil {
		return nil, &ExecError{Code: "HANDLER_ERROR", Message: fmt.Sprintf("acquire VM: %v", err)}
	}
	defer rt.pool.release(vm)

	prog, err := rt.compile(source)
	if err != nil {
		return nil, &ExecError{Code: "HANDLER_ERROR", Message: err.Error()}
	}

	deadline := b.Remaining()
	if max := rt.cfg.HandlerTimeout.Duration; max > 0 && (deadline == 0 || max < deadline) {
		deadline = max
	}
	timer := time.AfterFunc(deadline, func() {
		vm.Interrupt("handler exceeded its execution deadline")
	})
	defer timer.Stop()

	bind := &bindings{
		siteID:  siteID,
		appID:   appID,
		budget:  b,
		db:      rt.db,
		queue:   rt.queue,
		hubs:    rt.hubs,
		egress:  rt.egress,
		secrets: rt.secrets,
	}
	if err := install(vm, bind); err != nil {
		return nil, &ExecError{Code: "HANDLER_ERROR", Message: fmt.Sprintf("install capabilities: %v", err)}
	}

	defer func() {
		if r := recover(); r != nil {
			execErr = mapPanic(vm, r)
		}
	}()

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, mapRunErr(vm, err)
	}

	handleFn, ok := goja.AssertFunction(vm.Get("handle"))
	if !ok {
		return nil, &ExecError{Code: "HANDLER_ERROR", Message: "handler does not define a top-level `handle` function"}
	}

	result, err := handleFn(goja.Undefined(), req.toJS(vm))
	if err != nil {
		return nil, mapRunErr(vm, err)
	}

	out, err := responseFromJS(vm, result)
	if err != nil {
		return nil, &ExecError{Code: "HANDLER_ERROR", Message: err.Error()}
	}
	return out, nil
}

// mapRunErr classifies an error returned from vm.RunProgram/handleFn: a
// goja.Exception carrying a structured host error (code/message/
// retryable) maps those fields through; an interrupt maps to a
// non-retryable handler error; anything else is a generic handler error.
func mapRunErr(vm *goja.Runtime, err error) error {
	if e, ok := err.(*goja.InterruptedError); ok {
		return &ExecError{Code: "HANDLER_ERROR", Message: fmt.Sprintf("interrupted: %v", e.Value())}
	}

	if exc, ok := err.(*goja.Exception); ok {
		return mapException(vm, exc.Value())
	}

	return &ExecError{Code: "HANDLER_ERROR", Message: err.Error()}
}

// mapPanic handles a host-side panic(obj) that escaped goja's own
// recovery (defensive — goja normally converts these into a returned
// *goja.Exception, but a panic raised outside a tracked call frame would
// otherwise crash the whole process).
func mapPanic(vm *goja.Runtime, r any) error {
	if val, ok := r.(goja.Value); ok {
		return mapException(vm, val)
	}
	return &ExecError{Code: "HANDLER_ERROR", Message: fmt.Sprintf("panic: %v", r)}
}

func mapException(vm *goja.Runtime, val goja.Value) error {
	if val == nil {
		return &ExecError{Code: "HANDLER_ERROR", Message: "unknown handler error"}
	}
	obj := val.ToObject(vm)
	if obj == nil {
		return &ExecError{Code: "HANDLER_ERROR", Message: val.String()}
	}

	code := "HANDLER_ERROR"
	if cv := obj.Get("code"); cv != nil && !goja.IsUndefined(cv) {
		code = cv.String()
	}
	message := val.String()
	if mv := obj.Get("message"); mv != nil && !goja.IsUndefined(mv) {
		message = mv.String()
	}
	retryable := false
	if rv := obj.Get("retryable"); rv != nil && !goja.IsUndefined(rv) {
		retryable = rv.ToBoolean()
	}

	return &ExecError{Code: code, Message: message, Retryable: retryable}
}
