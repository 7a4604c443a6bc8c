// Package etcdtest provides an in-memory stand-in for the etcd v3
// HTTP/JSON gateway, good enough to exercise the client against: a
// revisioned key-value store, compare-and-branch transactions, leases
// with manual expiry control, and streaming watches.
package etcdtest

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/etcdgw/etcdgw/config"
)

type record struct {
	value     []byte
	createRev int64
	modRev    int64
	version   int64
	lease     int64
}

type leaseRec struct {
	id       int64
	granted  int64
	expireAt time.Time
}

type watchRange struct {
	key []byte
	end []byte // nil for single key
}

func (wr watchRange) contains(key []byte) bool {
	if wr.end == nil {
		return bytes.Equal(wr.key, key)
	}
	if bytes.Compare(key, wr.key) < 0 {
		return false
	}
	if len(wr.end) == 1 && wr.end[0] == 0 {
		return true
	}
	return bytes.Compare(key, wr.end) < 0
}

type watchEvent struct {
	typ    string
	kv     *record
	key    []byte
	prevKV *record
}

type watcher struct {
	ranges []watchRange
	prevKV bool
	ch     chan watchEvent
}

// Gateway is the test double. Create one with New, point the client at
// URL(), and close it when done.
type Gateway struct {
	mu        sync.Mutex
	rev       int64
	kvs       map[string]*record
	leases    map[int64]*leaseRec
	nextLease int64
	watchers  map[*watcher]struct{}

	srv *httptest.Server
}

func New() *Gateway {
	g := &Gateway{
		rev:       1,
		kvs:       make(map[string]*record),
		leases:    make(map[int64]*leaseRec),
		nextLease: 7000,
		watchers:  make(map[*watcher]struct{}),
	}
	r := mux.NewRouter()
	r.HandleFunc("/v3alpha/maintenance/status", g.handleStatus).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/kv/put", g.handlePut).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/kv/range", g.handleRange).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/kv/deleterange", g.handleDeleteRange).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/kv/txn", g.handleTxn).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/watch", g.handleWatch).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/lease/grant", g.handleLeaseGrant).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/lease/keepalive", g.handleLeaseKeepAlive).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/kv/lease/revoke", g.handleLeaseRevoke).Methods(http.MethodPost)
	r.HandleFunc("/v3alpha/kv/lease/timetolive", g.handleLeaseTTL).Methods(http.MethodPost)
	g.srv = httptest.NewServer(r)
	return g
}

func (g *Gateway) Close() { g.srv.Close() }

// URL returns the gateway base URL.
func (g *Gateway) URL() string { return g.srv.URL }

// ClientConfig returns a client config pointed at this gateway.
func (g *Gateway) ClientConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Endpoint = g.srv.URL
	return cfg
}

// Revision returns the current store revision.
func (g *Gateway) Revision() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rev
}

// ExpireLease force-expires a lease, deleting its attached keys the way
// the real store would. It lets lease tests avoid real-time waits.
func (g *Gateway) ExpireLease(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expireLeaseLocked(id)
}

func (g *Gateway) expireLeaseLocked(id int64) {
	if _, ok := g.leases[id]; !ok {
		return
	}
	delete(g.leases, id)
	var doomed []string
	for k, rec := range g.kvs {
		if rec.lease == id {
			doomed = append(doomed, k)
		}
	}
	if len(doomed) > 0 {
		g.rev++
		for _, k := range doomed {
			prev := g.kvs[k]
			delete(g.kvs, k)
			g.notifyLocked(watchEvent{typ: "DELETE", key: []byte(k), prevKV: prev})
		}
	}
}

// -- wire helpers -----------------------------------------------------------

func b64(b []byte) string  { return base64.StdEncoding.EncodeToString(b) }
func itoa(v int64) string  { return strconv.FormatInt(v, 10) }
func utoa(v uint64) string { return strconv.FormatUint(v, 10) }

func unb64(s string) []byte {
	b, _ := base64.StdEncoding.DecodeString(s)
	return b
}

func (g *Gateway) headerLocked() map[string]interface{} {
	return map[string]interface{}{
		"cluster_id": utoa(0xC1),
		"member_id":  utoa(0xA1),
		"revision":   itoa(g.rev),
		"raft_term":  itoa(2),
	}
}

func kvJSON(key []byte, rec *record) map[string]interface{} {
	obj := map[string]interface{}{
		"key":             b64(key),
		"value":           b64(rec.value),
		"version":         itoa(rec.version),
		"create_revision": itoa(rec.createRev),
		"mod_revision":    itoa(rec.modRev),
	}
	if rec.lease != 0 {
		obj["lease"] = itoa(rec.lease)
	}
	return obj
}

func writeJSON(w http.ResponseWriter, obj interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(obj)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": msg,
		"code":  code,
	})
}

func decodeBody(r *http.Request, into interface{}) error {
	return json.NewDecoder(r.Body).Decode(into)
}

// -- store primitives (callers hold g.mu) -----------------------------------

func (g *Gateway) putLocked(key, value []byte, lease int64, bump bool) (prev *record) {
	if bump {
		g.rev++
	}
	prev = g.kvs[string(key)]
	rec := &record{value: value, modRev: g.rev, lease: lease}
	if prev != nil {
		rec.createRev = prev.createRev
		rec.version = prev.version + 1
	} else {
		rec.createRev = g.rev
		rec.version = 1
	}
	g.kvs[string(key)] = rec
	g.notifyLocked(watchEvent{typ: "PUT", key: key, kv: rec, prevKV: prev})
	return prev
}

func (g *Gateway) rangeKeysLocked(key, end []byte) []string {
	wr := watchRange{key: key, end: end}
	var keys []string
	for k := range g.kvs {
		if wr.contains([]byte(k)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (g *Gateway) deleteRangeLocked(key, end []byte, bump bool) (int64, []*record, [][]byte) {
	keys := g.rangeKeysLocked(key, end)
	if len(keys) == 0 {
		return 0, nil, nil
	}
	if bump {
		g.rev++
	}
	var prevs []*record
	var prevKeys [][]byte
	for _, k := range keys {
		prev := g.kvs[k]
		delete(g.kvs, k)
		prevs = append(prevs, prev)
		prevKeys = append(prevKeys, []byte(k))
		g.notifyLocked(watchEvent{typ: "DELETE", key: []byte(k), prevKV: prev})
	}
	return int64(len(keys)), prevs, prevKeys
}

func (g *Gateway) notifyLocked(ev watchEvent) {
	for w := range g.watchers {
		for _, wr := range w.ranges {
			if wr.contains(ev.key) {
				select {
				case w.ch <- ev:
				default:
					// Test double: drop instead of deadlocking under the lock.
				}
				break
			}
		}
	}
}

// -- handlers ---------------------------------------------------------------

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	writeJSON(w, map[string]interface{}{
		"version":   "3.3.0",
		"dbSize":    itoa(int64(20480 + len(g.kvs)*64)),
		"leader":    utoa(0xA1),
		"raftIndex": utoa(uint64(g.rev)),
		"raftTerm":  itoa(2),
		"header":    g.headerLocked(),
	})
}

type putReq struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Lease  int64  `json:"lease"`
	PrevKV bool   `json:"prev_kv"`
}

func (g *Gateway) handlePut(w http.ResponseWriter, r *http.Request) {
	var req putReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 3, "invalid put request")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.Lease != 0 {
		if _, ok := g.leases[req.Lease]; !ok {
			writeError(w, 5, "etcdserver: requested lease not found")
			return
		}
	}
	key := unb64(req.Key)
	prev := g.putLocked(key, unb64(req.Value), req.Lease, true)
	resp := map[string]interface{}{"header": g.headerLocked()}
	if req.PrevKV && prev != nil {
		resp["prev_kv"] = kvJSON(key, prev)
	}
	writeJSON(w, resp)
}

type rangeReq struct {
	Key       string `json:"key"`
	RangeEnd  string `json:"range_end"`
	CountOnly bool   `json:"count_only"`
	KeysOnly  bool   `json:"keys_only"`
	Limit     int64  `json:"limit"`
}

func (g *Gateway) rangeRespLocked(req rangeReq) map[string]interface{} {
	var end []byte
	if req.RangeEnd != "" {
		end = unb64(req.RangeEnd)
	}
	keys := g.rangeKeysLocked(unb64(req.Key), end)
	resp := map[string]interface{}{
		"header": g.headerLocked(),
		"count":  itoa(int64(len(keys))),
	}
	if req.CountOnly {
		return resp
	}
	more := false
	if req.Limit > 0 && int64(len(keys)) > req.Limit {
		keys = keys[:req.Limit]
		more = true
	}
	var kvs []map[string]interface{}
	for _, k := range keys {
		obj := kvJSON([]byte(k), g.kvs[k])
		if req.KeysOnly {
			delete(obj, "value")
		}
		kvs = append(kvs, obj)
	}
	if kvs != nil {
		resp["kvs"] = kvs
	}
	if more {
		resp["more"] = true
	}
	return resp
}

func (g *Gateway) handleRange(w http.ResponseWriter, r *http.Request) {
	var req rangeReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 3, "invalid range request")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	writeJSON(w, g.rangeRespLocked(req))
}

type deleteReq struct {
	Key      string `json:"key"`
	RangeEnd string `json:"range_end"`
	PrevKV   bool   `json:"prev_kv"`
}

func (g *Gateway) deleteRespLocked(req deleteReq, bump bool) map[string]interface{} {
	var end []byte
	if req.RangeEnd != "" {
		end = unb64(req.RangeEnd)
	}
	n, prevs, prevKeys := g.deleteRangeLocked(unb64(req.Key), end, bump)
	resp := map[string]interface{}{
		"header":  g.headerLocked(),
		"deleted": itoa(n),
	}
	if req.PrevKV && len(prevs) > 0 {
		var objs []map[string]interface{}
		for i, p := range prevs {
			objs = append(objs, kvJSON(prevKeys[i], p))
		}
		resp["prev_kvs"] = objs
	}
	return resp
}

func (g *Gateway) handleDeleteRange(w http.ResponseWriter, r *http.Request) {
	var req deleteReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 3, "invalid delete request")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	writeJSON(w, g.deleteRespLocked(req, true))
}

type compareReq struct {
	Key            string `json:"key"`
	Result         string `json:"result"`
	Target         string `json:"target"`
	Value          string `json:"value"`
	Version        int64  `json:"version"`
	CreateRevision int64  `json:"create_revision"`
	ModRevision    int64  `json:"mod_revision"`
}

type requestOp struct {
	Range       *rangeReq  `json:"request_range"`
	Put         *putReq    `json:"request_put"`
	DeleteRange *deleteReq `json:"request_delete_range"`
}

type txnReq struct {
	Compare []compareReq `json:"compare"`
	Success []requestOp  `json:"success"`
	Failure []requestOp  `json:"failure"`
}

func (g *Gateway) evalCompareLocked(c compareReq) (bool, error) {
	rec := g.kvs[string(unb64(c.Key))]
	var cmp int
	switch c.Target {
	case "VALUE":
		var live []byte
		if rec != nil {
			live = rec.value
		}
		cmp = bytes.Compare(live, unb64(c.Value))
	case "VERSION":
		cmp = compareInt64(recVersion(rec), c.Version)
	case "CREATE":
		cmp = compareInt64(recCreate(rec), c.CreateRevision)
	case "MOD":
		cmp = compareInt64(recMod(rec), c.ModRevision)
	default:
		return false, fmt.Errorf("unknown compare target %q", c.Target)
	}
	switch c.Result {
	case "EQUAL":
		return cmp == 0, nil
	case "NOT_EQUAL":
		return cmp != 0, nil
	case "GREATER":
		return cmp > 0, nil
	case "LESS":
		return cmp < 0, nil
	}
	return false, fmt.Errorf("unknown compare result %q", c.Result)
}

func recVersion(r *record) int64 {
	if r == nil {
		return 0
	}
	return r.version
}

func recCreate(r *record) int64 {
	if r == nil {
		return 0
	}
	return r.createRev
}

func recMod(r *record) int64 {
	if r == nil {
		return 0
	}
	return r.modRev
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (g *Gateway) handleTxn(w http.ResponseWriter, r *http.Request) {
	var req txnReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 3, "invalid txn request")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	// Reject duplicate mutations of one key within a branch, like the
	// real store does.
	for _, branch := range [][]requestOp{req.Success, req.Failure} {
		seen := map[string]bool{}
		for _, op := range branch {
			var key string
			if op.Put != nil {
				key = op.Put.Key
			} else if op.DeleteRange != nil {
				key = op.DeleteRange.Key
			} else {
				continue
			}
			if seen[key] {
				writeError(w, 3, "etcdserver: duplicate key given in txn request")
				return
			}
			seen[key] = true
		}
	}

	succeeded := true
	for _, c := range req.Compare {
		ok, err := g.evalCompareLocked(c)
		if err != nil {
			writeError(w, 3, err.Error())
			return
		}
		if !ok {
			succeeded = false
			break
		}
	}

	branch := req.Success
	if !succeeded {
		branch = req.Failure
	}

	// One revision bump covers every mutation of the executed branch.
	mutates := false
	for _, op := range branch {
		if op.Put != nil || op.DeleteRange != nil {
			mutates = true
			break
		}
	}
	if mutates {
		g.rev++
	}

	var responses []map[string]interface{}
	for _, op := range branch {
		switch {
		case op.Put != nil:
			prev := g.putLocked(unb64(op.Put.Key), unb64(op.Put.Value), op.Put.Lease, false)
			inner := map[string]interface{}{"header": g.headerLocked()}
			if op.Put.PrevKV && prev != nil {
				inner["prev_kv"] = kvJSON(unb64(op.Put.Key), prev)
			}
			responses = append(responses, map[string]interface{}{"response_put": inner})
		case op.DeleteRange != nil:
			inner := g.deleteRespLocked(*op.DeleteRange, false)
			responses = append(responses, map[string]interface{}{"response_delete_range": inner})
		case op.Range != nil:
			inner := g.rangeRespLocked(*op.Range)
			responses = append(responses, map[string]interface{}{"response_range": inner})
		}
	}

	resp := map[string]interface{}{
		"header":    g.headerLocked(),
		"succeeded": succeeded,
	}
	if responses != nil {
		resp["responses"] = responses
	}
	writeJSON(w, resp)
}

// -- leases -----------------------------------------------------------------

type leaseReq struct {
	ID   int64 `json:"ID"`
	TTL  int64 `json:"TTL"`
	Keys bool  `json:"keys"`
}

func (g *Gateway) handleLeaseGrant(w http.ResponseWriter, r *http.Request) {
	var req leaseReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 3, "invalid lease grant request")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	id := req.ID
	if id == 0 {
		g.nextLease++
		id = g.nextLease
	}
	if _, ok := g.leases[id]; ok {
		writeError(w, 6, "etcdserver: lease already exists")
		return
	}
	g.rev++
	g.leases[id] = &leaseRec{
		id:       id,
		granted:  req.TTL,
		expireAt: time.Now().Add(time.Duration(req.TTL) * time.Second),
	}
	writeJSON(w, map[string]interface{}{
		"ID":     itoa(id),
		"TTL":    itoa(req.TTL),
		"header": g.headerLocked(),
	})
}

func (g *Gateway) remainingLocked(id int64) int64 {
	l, ok := g.leases[id]
	if !ok {
		return 0
	}
	rem := int64(time.Until(l.expireAt).Seconds() + 0.999)
	if rem <= 0 {
		g.expireLeaseLocked(id)
		return 0
	}
	return rem
}

func (g *Gateway) handleLeaseTTL(w http.ResponseWriter, r *http.Request) {
	var req leaseReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 3, "invalid lease ttl request")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rem := g.remainingLocked(req.ID)
	resp := map[string]interface{}{
		"header": g.headerLocked(),
		"ID":     itoa(req.ID),
	}
	if rem > 0 {
		resp["TTL"] = itoa(rem)
		resp["grantedTTL"] = itoa(g.leases[req.ID].granted)
		if req.Keys {
			var keys []string
			for k, rec := range g.kvs {
				if rec.lease == req.ID {
					keys = append(keys, b64([]byte(k)))
				}
			}
			sort.Strings(keys)
			if keys != nil {
				resp["keys"] = keys
			}
		}
	}
	writeJSON(w, resp)
}

func (g *Gateway) handleLeaseKeepAlive(w http.ResponseWriter, r *http.Request) {
	var req leaseReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 3, "invalid lease keepalive request")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	result := map[string]interface{}{
		"ID":     itoa(req.ID),
		"header": g.headerLocked(),
	}
	if rem := g.remainingLocked(req.ID); rem > 0 {
		l := g.leases[req.ID]
		l.expireAt = time.Now().Add(time.Duration(l.granted) * time.Second)
		result["TTL"] = itoa(l.granted)
	}
	writeJSON(w, map[string]interface{}{"result": result})
}

func (g *Gateway) handleLeaseRevoke(w http.ResponseWriter, r *http.Request) {
	var req leaseReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, 3, "invalid lease revoke request")
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.leases[req.ID]; !ok {
		writeError(w, 5, "etcdserver: requested lease not found")
		return
	}
	g.expireLeaseLocked(req.ID)
	writeJSON(w, map[string]interface{}{"header": g.headerLocked()})
}

// -- watch ------------------------------------------------------------------

type watchCreateReq struct {
	CreateRequest *struct {
		Key      string `json:"key"`
		RangeEnd string `json:"range_end"`
		PrevKV   bool   `json:"prev_kv"`
	} `json:"create_request"`
}

func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	wch := &watcher{ch: make(chan watchEvent, 128)}
	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req watchCreateReq
		if err := json.Unmarshal(line, &req); err != nil || req.CreateRequest == nil {
			writeError(w, 3, "invalid watch request")
			return
		}
		wr := watchRange{key: unb64(req.CreateRequest.Key)}
		if req.CreateRequest.RangeEnd != "" {
			wr.end = unb64(req.CreateRequest.RangeEnd)
		}
		wch.ranges = append(wch.ranges, wr)
		wch.prevKV = wch.prevKV || req.CreateRequest.PrevKV
	}
	if len(wch.ranges) == 0 {
		writeError(w, 3, "watch request carries no create_request")
		return
	}

	g.mu.Lock()
	g.watchers[wch] = struct{}{}
	// Created notification, empty events.
	created := map[string]interface{}{
		"result": map[string]interface{}{
			"header":  g.headerLocked(),
			"created": true,
		},
	}
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(created)
	flusher.Flush()

	defer func() {
		g.mu.Lock()
		delete(g.watchers, wch)
		g.mu.Unlock()
	}()

	for {
		select {
		case ev := <-wch.ch:
			g.mu.Lock()
			obj := map[string]interface{}{"type": ev.typ}
			if ev.kv != nil {
				obj["kv"] = kvJSON(ev.key, ev.kv)
			} else {
				// Delete events still carry the key.
				obj["kv"] = map[string]interface{}{
					"key":          b64(ev.key),
					"mod_revision": itoa(g.rev),
				}
			}
			if wch.prevKV && ev.prevKV != nil {
				obj["prev_kv"] = kvJSON(ev.key, ev.prevKV)
			}
			msg := map[string]interface{}{
				"result": map[string]interface{}{
					"header": g.headerLocked(),
					"events": []interface{}{obj},
				},
			}
			g.mu.Unlock()
			_ = enc.Encode(msg)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
