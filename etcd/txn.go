package etcd

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pingcap/errors"
)

// CmpOp is a comparison operator applied by the store when evaluating a
// transaction guard.
type CmpOp int

const (
	CmpEqual CmpOp = iota
	CmpNotEqual
	CmpGreater
	CmpLess
)

func (op CmpOp) wire() (string, error) {
	switch op {
	case CmpEqual:
		return "EQUAL", nil
	case CmpNotEqual:
		return "NOT_EQUAL", nil
	case CmpGreater:
		return "GREATER", nil
	case CmpLess:
		return "LESS", nil
	}
	return "", errors.Errorf("unknown comparison operator %d", op)
}

type cmpTarget int

const (
	targetValue cmpTarget = iota
	targetVersion
	targetCreateRevision
	targetModRevision
)

// Cmp is a single comparison against one key. The comparisons of a
// transaction guard are conjoined; there is no disjunction primitive.
type Cmp struct {
	key    []byte
	op     CmpOp
	target cmpTarget
	value  []byte // targetValue only
	rev    int64  // the other targets
}

// CmpValue compares the live value of key against value.
func CmpValue(key []byte, op CmpOp, value []byte) Cmp {
	return Cmp{key: dup(key), op: op, target: targetValue, value: dup(value)}
}

// CmpVersion compares the version of key against version.
func CmpVersion(key []byte, op CmpOp, version int64) Cmp {
	return Cmp{key: dup(key), op: op, target: targetVersion, rev: version}
}

// CmpCreateRevision compares the create revision of key against rev.
func CmpCreateRevision(key []byte, op CmpOp, rev int64) Cmp {
	return Cmp{key: dup(key), op: op, target: targetCreateRevision, rev: rev}
}

// CmpModRevision compares the mod revision of key against rev.
func CmpModRevision(key []byte, op CmpOp, rev int64) Cmp {
	return Cmp{key: dup(key), op: op, target: targetModRevision, rev: rev}
}

type wireCompare struct {
	Key            string `json:"key"`
	Result         string `json:"result"`
	Target         string `json:"target"`
	Value          string `json:"value,omitempty"`
	Version        int64  `json:"version,omitempty"`
	CreateRevision int64  `json:"create_revision,omitempty"`
	ModRevision    int64  `json:"mod_revision,omitempty"`
}

func (c Cmp) marshal() (*wireCompare, error) {
	if len(c.key) == 0 {
		return nil, errors.New("comparison key must not be empty")
	}
	result, err := c.op.wire()
	if err != nil {
		return nil, err
	}
	w := &wireCompare{
		Key:    base64.StdEncoding.EncodeToString(c.key),
		Result: result,
	}
	switch c.target {
	case targetValue:
		w.Target = "VALUE"
		w.Value = base64.StdEncoding.EncodeToString(c.value)
	case targetVersion:
		w.Target = "VERSION"
		w.Version = c.rev
	case targetCreateRevision:
		w.Target = "CREATE"
		w.CreateRevision = c.rev
	case targetModRevision:
		w.Target = "MOD"
		w.ModRevision = c.rev
	}
	return w, nil
}

// Sort options for range gets.
const (
	SortNone    = "NONE"
	SortAscend  = "ASCEND"
	SortDescend = "DESCEND"

	SortByKey            = "KEY"
	SortByVersion        = "VERSION"
	SortByCreateRevision = "CREATE"
	SortByModRevision    = "MOD"
	SortByValue          = "VALUE"
)

// GetOptions refine a range get. The zero value requests a plain get.
type GetOptions struct {
	CountOnly         bool
	KeysOnly          bool
	Serializable      bool
	Limit             int64
	Revision          int64
	MinModRevision    int64
	MaxModRevision    int64
	MinCreateRevision int64
	MaxCreateRevision int64
	SortOrder         string
	SortTarget        string
}

// PutOptions refine a put.
type PutOptions struct {
	Lease  int64 // attach the key to this lease; 0 means no lease
	PrevKV bool  // return the supplanted key-value
}

// DeleteOptions refine a delete.
type DeleteOptions struct {
	PrevKV bool // return the deleted key-values
}

type wireRangeRequest struct {
	Key               string `json:"key"`
	RangeEnd          string `json:"range_end,omitempty"`
	CountOnly         bool   `json:"count_only,omitempty"`
	KeysOnly          bool   `json:"keys_only,omitempty"`
	Serializable      bool   `json:"serializable,omitempty"`
	Limit             int64  `json:"limit,omitempty"`
	Revision          int64  `json:"revision,omitempty"`
	MinModRevision    int64  `json:"min_mod_revision,omitempty"`
	MaxModRevision    int64  `json:"max_mod_revision,omitempty"`
	MinCreateRevision int64  `json:"min_create_revision,omitempty"`
	MaxCreateRevision int64  `json:"max_create_revision,omitempty"`
	SortOrder         string `json:"sort_order,omitempty"`
	SortTarget        string `json:"sort_target,omitempty"`
}

type wirePutRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Lease  int64  `json:"lease,omitempty"`
	PrevKV bool   `json:"prev_kv,omitempty"`
}

type wireDeleteRangeRequest struct {
	Key      string `json:"key"`
	RangeEnd string `json:"range_end,omitempty"`
	PrevKV   bool   `json:"prev_kv,omitempty"`
}

func marshalRangeRequest(keys KeySet, opts *GetOptions) (*wireRangeRequest, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	if err := validateSort(opts.SortOrder, opts.SortTarget); err != nil {
		return nil, err
	}
	key, rangeEnd := keys.marshal()
	return &wireRangeRequest{
		Key:               key,
		RangeEnd:          rangeEnd,
		CountOnly:         opts.CountOnly,
		KeysOnly:          opts.KeysOnly,
		Serializable:      opts.Serializable,
		Limit:             opts.Limit,
		Revision:          opts.Revision,
		MinModRevision:    opts.MinModRevision,
		MaxModRevision:    opts.MaxModRevision,
		MinCreateRevision: opts.MinCreateRevision,
		MaxCreateRevision: opts.MaxCreateRevision,
		SortOrder:         opts.SortOrder,
		SortTarget:        opts.SortTarget,
	}, nil
}

func validateSort(order, target string) error {
	switch order {
	case "", SortNone, SortAscend, SortDescend:
	default:
		return errors.Errorf("invalid sort order %q", order)
	}
	switch target {
	case "", SortByKey, SortByVersion, SortByCreateRevision, SortByModRevision, SortByValue:
	default:
		return errors.Errorf("invalid sort target %q", target)
	}
	return nil
}

// Op is one operation inside a transaction branch: a get, a put, or a
// delete. Ops are built with OpGet, OpPut and OpDelete.
type Op interface {
	marshalOp() (*wireRequestOp, error)
}

type wireRequestOp struct {
	Range       *wireRangeRequest       `json:"request_range,omitempty"`
	Put         *wirePutRequest         `json:"request_put,omitempty"`
	DeleteRange *wireDeleteRangeRequest `json:"request_delete_range,omitempty"`
}

type getOp struct {
	keys KeySet
	opts *GetOptions
}

func (o getOp) marshalOp() (*wireRequestOp, error) {
	req, err := marshalRangeRequest(o.keys, o.opts)
	if err != nil {
		return nil, err
	}
	return &wireRequestOp{Range: req}, nil
}

type putOp struct {
	key   []byte
	value []byte
	opts  *PutOptions
}

func (o putOp) marshalOp() (*wireRequestOp, error) {
	if len(o.key) == 0 {
		return nil, errors.New("put key must not be empty")
	}
	opts := o.opts
	if opts == nil {
		opts = &PutOptions{}
	}
	return &wireRequestOp{Put: &wirePutRequest{
		Key:    base64.StdEncoding.EncodeToString(o.key),
		Value:  base64.StdEncoding.EncodeToString(o.value),
		Lease:  opts.Lease,
		PrevKV: opts.PrevKV,
	}}, nil
}

type deleteOp struct {
	keys KeySet
	opts *DeleteOptions
}

func (o deleteOp) marshalOp() (*wireRequestOp, error) {
	opts := o.opts
	if opts == nil {
		opts = &DeleteOptions{}
	}
	key, rangeEnd := o.keys.marshal()
	return &wireRequestOp{DeleteRange: &wireDeleteRangeRequest{
		Key:      key,
		RangeEnd: rangeEnd,
		PrevKV:   opts.PrevKV,
	}}, nil
}

// OpGet builds a range-get operation over the key set.
func OpGet(keys KeySet, opts *GetOptions) Op { return getOp{keys: keys, opts: opts} }

// OpPut builds a put operation for a single key.
func OpPut(key, value []byte, opts *PutOptions) Op {
	return putOp{key: dup(key), value: dup(value), opts: opts}
}

// OpDelete builds a delete operation over the key set.
func OpDelete(keys KeySet, opts *DeleteOptions) Op { return deleteOp{keys: keys, opts: opts} }

// Txn is an atomically evaluated compare-and-branch transaction: if every
// comparison in If holds, the Then operations execute; otherwise the Else
// operations execute. Either branch runs atomically at one revision.
//
// The store rejects a transaction that mutates the same key more than once
// within a branch; the client does not pre-validate this.
type Txn struct {
	If   []Cmp
	Then []Op
	Else []Op
}

type wireTxnRequest struct {
	Compare []*wireCompare   `json:"compare,omitempty"`
	Success []*wireRequestOp `json:"success,omitempty"`
	Failure []*wireRequestOp `json:"failure,omitempty"`
}

func (t Txn) marshal() (*wireTxnRequest, error) {
	req := &wireTxnRequest{}
	for _, c := range t.If {
		w, err := c.marshal()
		if err != nil {
			return nil, err
		}
		req.Compare = append(req.Compare, w)
	}
	for _, op := range t.Then {
		w, err := op.marshalOp()
		if err != nil {
			return nil, err
		}
		req.Success = append(req.Success, w)
	}
	for _, op := range t.Else {
		w, err := op.marshalOp()
		if err != nil {
			return nil, err
		}
		req.Failure = append(req.Failure, w)
	}
	return req, nil
}

// TxnOpResult is the typed result of one operation of the executed branch:
// *Revision for a put, *Deleted for a delete, *RangeResult for a get.
type TxnOpResult interface {
	isTxnOpResult()
}

func (*Revision) isTxnOpResult()    {}
func (*Deleted) isTxnOpResult()     {}
func (*RangeResult) isTxnOpResult() {}

// TxnResult is the outcome of a submitted transaction. A false Succeeded
// is not an error: it means the guard evaluated false and the Else branch
// executed; Responses then carries that branch's results in order.
type TxnResult struct {
	Succeeded bool
	Header    *Header
	Responses []TxnOpResult
}

type wireTxnResponse struct {
	Error     string            `json:"error"`
	Code      int               `json:"code"`
	Header    *wireHeader       `json:"header"`
	Succeeded bool              `json:"succeeded"`
	Responses []json.RawMessage `json:"responses"`
}

func (w *wireTxnResponse) parse() (*TxnResult, error) {
	res := &TxnResult{Succeeded: w.Succeeded}
	var err error
	if res.Header, err = w.Header.parse(); err != nil {
		return nil, err
	}
	for _, raw := range w.Responses {
		r, err := parseTxnOpResult(raw)
		if err != nil {
			return nil, err
		}
		res.Responses = append(res.Responses, r)
	}
	return res, nil
}

// parseTxnOpResult decodes one branch response item. Exactly one response
// tag must be present; anything else is a ProtocolError, never dropped.
func parseTxnOpResult(raw json.RawMessage) (TxnOpResult, error) {
	var tags map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, protocolErrorf("malformed transaction response item: %v", err)
	}
	if len(tags) != 1 {
		return nil, protocolErrorf("transaction response item has %d response tags, want 1", len(tags))
	}
	for tag, body := range tags {
		switch tag {
		case "response_put":
			var w wirePutResponse
			if err := json.Unmarshal(body, &w); err != nil {
				return nil, protocolErrorf("malformed response_put: %v", err)
			}
			return w.parse()
		case "response_delete_range":
			var w wireDeleteResponse
			if err := json.Unmarshal(body, &w); err != nil {
				return nil, protocolErrorf("malformed response_delete_range: %v", err)
			}
			return w.parse()
		case "response_range":
			var w wireRangeResponse
			if err := json.Unmarshal(body, &w); err != nil {
				return nil, protocolErrorf("malformed response_range: %v", err)
			}
			return w.parse()
		default:
			return nil, protocolErrorf("unrecognized transaction response tag %q", tag)
		}
	}
	return nil, protocolErrorf("empty transaction response item")
}
