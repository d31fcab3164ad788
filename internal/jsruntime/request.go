package jsruntime

import (
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
)

// Request is the descriptor passed into a handler's top-level function.
type Request struct {
	Method  string
	Path    string
	Query   string
	Headers map[string]string
	Body    []byte
}

// Response is the descriptor a handler returns. Exactly one of Body or
// JSON should be set by the handler script; JSON wins if both are
// present.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

func (req Request) toJS(vm *goja.Runtime) goja.Value {
	obj := vm.NewObject()
	_ = obj.Set("method", req.Method)
	_ = obj.Set("path", req.Path)
	_ = obj.Set("query", req.Query)

	headers := vm.NewObject()
	for k, v := range req.Headers {
		_ = headers.Set(k, v)
	}
	_ = obj.Set("headers", headers)
	_ = obj.Set("body", string(req.Body))
	return obj
}

// responseFromJS converts the handler's return value into a Response. A
// handler that returns undefined/null has produced no response, which the
// caller treats as a handler error.
func responseFromJS(vm *goja.Runtime, v goja.Value) (*Response, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("handler returned no response")
	}
	obj := v.ToObject(vm)
	if obj == nil {
		return nil, fmt.Errorf("handler did not return an object")
	}

	resp := &Response{Status: 200, Headers: map[string]string{}}

	if sv := obj.Get("status"); sv != nil && !goja.IsUndefined(sv) {
		resp.Status = int(sv.ToInteger())
	}

	if hv := obj.Get("headers"); hv != nil && !goja.IsUndefined(hv) && !goja.IsNull(hv) {
		if hobj := hv.ToObject(vm); hobj != nil {
			for _, key := range hobj.Keys() {
				resp.Headers[key] = hobj.Get(key).String()
			}
		}
	}

	if jv := obj.Get("json"); jv != nil && !goja.IsUndefined(jv) {
		data, err := json.Marshal(jv.Export())
		if err != nil {
			return nil, fmt.Errorf("encode json response: %w", err)
		}
		resp.Body = data
		if _, ok := resp.Headers["Content-Type"]; !ok {
			resp.Headers["Content-Type"] = "application/json"
		}
		return resp, nil
	}

	if bv := obj.Get("body"); bv != nil && !goja.IsUndefined(bv) {
		resp.Body = []byte(bv.String())
	}

	return resp, nil
}
