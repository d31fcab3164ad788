package jsruntime

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/fazt-sh/fazt/internal/budget"
	"github.com/fazt-sh/fazt/internal/egress"
	"github.com/fazt-sh/fazt/internal/hub"
	"github.com/fazt-sh/fazt/internal/secrets"
	"github.com/fazt-sh/fazt/internal/store"
	"github.com/fazt-sh/fazt/internal/writequeue"
	"github.com/google/uuid"
)

// bindings captures everything a capability namespace closes over:
// site_id, app_id, and the request's budget, fixed at injection time so
// no handler invocation can reach across sites or outlive its deadline.
type bindings struct {
	siteID string
	appID  string
	budget *budget.Budget

	db      *store.DB
	queue   *writequeue.Queue
	hubs    *hub.Manager
	egress  *egress.Proxy
	secrets *secrets.Store
}

// jsThrow panics with a structured host error, the form the JS capability
// contract requires: {code, message, retryable}. goja's call machinery
// turns a panic with a Value into a catchable JS exception; if the
// handler doesn't catch it, Execute recovers it at the top level.
func jsThrow(vm *goja.Runtime, code string, retryable bool, format string, args ...any) {
	obj := vm.NewObject()
	_ = obj.Set("name", "FaztError")
	_ = obj.Set("message", fmt.Sprintf(format, args...))
	_ = obj.Set("code", code)
	_ = obj.Set("retryable", retryable)
	panic(obj)
}

// install binds the fazt.* namespace table onto vm's global object.
func install(vm *goja.Runtime, b *bindings) error {
	fazt := vm.NewObject()

	envObj := vm.NewObject()
	_ = envObj.Set("get", func(name string) any {
		val, ok, err := b.secrets.Get(b.appID, name)
		if err != nil {
			jsThrow(vm, "ENV_ERROR", false, "env.get(%s): %v", name, err)
		}
		if !ok {
			return nil
		}
		return val
	})
	_ = fazt.Set("env", envObj)

	storageObj := vm.NewObject()
	_ = storageObj.Set("kv", buildKV(vm, b))
	_ = storageObj.Set("docs", buildDocs(vm, b))
	_ = storageObj.Set("blobs", buildBlobs(vm, b))
	_ = fazt.Set("storage", storageObj)

	_ = fazt.Set("realtime", buildRealtime(vm, b))
	_ = fazt.Set("net", buildNet(vm, b))

	return vm.Set("fazt", fazt)
}

// runWrite submits fn to the WriteQueue and throws the appropriate
// structured JS error (retryable or not) if admission or commit fails.
func runWrite(vm *goja.Runtime, b *bindings, fn writequeue.Job) {
	if err := b.queue.Submit(b.budget.Context(), b.budget, fn); err != nil {
		if writequeue.IsRetryable(err) {
			jsThrow(vm, "STORAGE_RETRYABLE", true, "%v", err)
		}
		jsThrow(vm, "STORAGE_ERROR", false, "%v", err)
	}
}

func buildKV(vm *goja.Runtime, b *bindings) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("get", func(key string) any {
		var value string
		row := b.db.QueryRow(`SELECT value FROM app_kv WHERE app_id = ? AND key = ?`, b.appID, key)
		if err := row.Scan(&value); err != nil {
			return nil
		}
		return value
	})

	_ = obj.Set("set", func(key string, value goja.Value) {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		v := value.String()
		runWrite(vm, b, func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				INSERT INTO app_kv (app_id, key, value, updated_at) VALUES (?, ?, ?, ?)
				ON CONFLICT (app_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
			`, b.appID, key, v, now)
			return err
		})
	})

	_ = obj.Set("del", func(key string) {
		runWrite(vm, b, func(tx *sql.Tx) error {
			_, err := tx.Exec(`DELETE FROM app_kv WHERE app_id = ? AND key = ?`, b.appID, key)
			return err
		})
	})

	return obj
}

func buildDocs(vm *goja.Runtime, b *bindings) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("insert", func(collection string, doc map[string]any) string {
		id := uuid.NewString()
		data, err := json.Marshal(doc)
		if err != nil {
			jsThrow(vm, "STORAGE_ERROR", false, "docs.insert: encode document: %v", err)
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		runWrite(vm, b, func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				INSERT INTO app_docs (app_id, collection, doc_id, data, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, b.appID, collection, id, string(data), now, now)
			return err
		})
		return id
	})

	_ = obj.Set("query", func(collection string) []map[string]any {
		rows, err := b.db.Query(`SELECT data FROM app_docs WHERE app_id = ? AND collection = ? ORDER BY created_at`, b.appID, collection)
		if err != nil {
			jsThrow(vm, "STORAGE_ERROR", false, "docs.query: %v", err)
		}
		defer rows.Close()

		var out []map[string]any
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				jsThrow(vm, "STORAGE_ERROR", false, "docs.query: scan: %v", err)
			}
			var doc map[string]any
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				jsThrow(vm, "STORAGE_ERROR", false, "docs.query: decode: %v", err)
			}
			out = append(out, doc)
		}
		return out
	})

	_ = obj.Set("update", func(collection, docID string, doc map[string]any) {
		data, err := json.Marshal(doc)
		if err != nil {
			jsThrow(vm, "STORAGE_ERROR", false, "docs.update: encode document: %v", err)
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		runWrite(vm, b, func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				UPDATE app_docs SET data = ?, updated_at = ?
				WHERE app_id = ? AND collection = ? AND doc_id = ?
			`, string(data), now, b.appID, collection, docID)
			return err
		})
	})

	_ = obj.Set("delete", func(collection, docID string) {
		runWrite(vm, b, func(tx *sql.Tx) error {
			_, err := tx.Exec(`DELETE FROM app_docs WHERE app_id = ? AND collection = ? AND doc_id = ?`, b.appID, collection, docID)
			return err
		})
	})

	return obj
}

func buildBlobs(vm *goja.Runtime, b *bindings) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("put", func(key, data string) {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		runWrite(vm, b, func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				INSERT INTO app_blobs (app_id, key, content, size_bytes, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (app_id, key) DO UPDATE SET
					content = excluded.content, size_bytes = excluded.size_bytes, updated_at = excluded.updated_at
			`, b.appID, key, []byte(data), len(data), now)
			return err
		})
	})

	_ = obj.Set("get", func(key string) any {
		var content []byte
		row := b.db.QueryRow(`SELECT content FROM app_blobs WHERE app_id = ? AND key = ?`, b.appID, key)
		if err := row.Scan(&content); err != nil {
			return nil
		}
		return string(content)
	})

	_ = obj.Set("del", func(key string) {
		runWrite(vm, b, func(tx *sql.Tx) error {
			_, err := tx.Exec(`DELETE FROM app_blobs WHERE app_id = ? AND key = ?`, b.appID, key)
			return err
		})
	})

	return obj
}

func buildRealtime(vm *goja.Runtime, b *bindings) *goja.Object {
	obj := vm.NewObject()
	h := b.hubs.GetHub(b.siteID)

	_ = obj.Set("broadcast", func(channel string, data any) {
		raw, err := json.Marshal(data)
		if err != nil {
			jsThrow(vm, "REALTIME_ERROR", false, "realtime.broadcast: encode: %v", err)
		}
		h.BroadcastToChannel(channel, raw)
	})
	_ = obj.Set("broadcastAll", func(data any) {
		raw, err := json.Marshal(data)
		if err != nil {
			jsThrow(vm, "REALTIME_ERROR", false, "realtime.broadcastAll: encode: %v", err)
		}
		h.BroadcastAllJSON(raw)
	})
	_ = obj.Set("subscribers", func(channel string) []string {
		return h.GetSubscribers(channel)
	})
	_ = obj.Set("count", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 || goja.IsUndefined(call.Argument(0)) {
			return vm.ToValue(h.ClientCount())
		}
		return vm.ToValue(h.ChannelCount(call.Argument(0).String()))
	})
	_ = obj.Set("kick", func(call goja.FunctionCall) goja.Value {
		clientID := call.Argument(0).String()
		reason := ""
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
			reason = call.Argument(1).String()
		}
		return vm.ToValue(h.KickClient(clientID, reason))
	})
	return obj
}

func buildNet(vm *goja.Runtime, b *bindings) *goja.Object {
	obj := vm.NewObject()

	_ = obj.Set("fetch", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()

		fetchOpts := egress.Options{Method: "GET"}
		if optsVal := call.Argument(1); !goja.IsUndefined(optsVal) && !goja.IsNull(optsVal) {
			if optsObj := optsVal.ToObject(vm); optsObj != nil {
				if m := optsObj.Get("method"); m != nil && !goja.IsUndefined(m) {
					fetchOpts.Method = m.String()
				}
				if body := optsObj.Get("body"); body != nil && !goja.IsUndefined(body) {
					fetchOpts.Body = []byte(body.String())
				}
				if hdrs := optsObj.Get("headers"); hdrs != nil && !goja.IsUndefined(hdrs) && !goja.IsNull(hdrs) {
					if hobj := hdrs.ToObject(vm); hobj != nil {
						fetchOpts.Headers = map[string]string{}
						for _, key := range hobj.Keys() {
							fetchOpts.Headers[key] = hobj.Get(key).String()
						}
					}
				}
			}
		}

		resp, err := b.egress.Fetch(b.budget, b.appID, url, fetchOpts)
		if err != nil {
			var egressErr *egress.Error
			if errors.As(err, &egressErr) {
				jsThrow(vm, string(egressErr.Code), egressErr.Retryable, "%s", egressErr.Message)
			}
			jsThrow(vm, "NET_ERROR", true, "%v", err)
		}

		result := vm.NewObject()
		_ = result.Set("status", resp.Status)
		_ = result.Set("ok", resp.OK)
		headers := vm.NewObject()
		for k, v := range resp.Headers {
			_ = headers.Set(k, v)
		}
		_ = result.Set("headers", headers)
		_ = result.Set("text", func() string { return resp.Text() })
		_ = result.Set("json", func() any {
			var v any
			if err := resp.JSON(&v); err != nil {
				jsThrow(vm, "NET_ERROR", false, "response is not valid JSON: %v", err)
			}
			return v
		})
		return result
	})

	return obj
}
