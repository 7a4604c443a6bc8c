package etcd

import (
	"encoding/base64"
	"strconv"

	"github.com/coreos/go-semver/semver"
	"github.com/pingcap/errors"
)

// Header is attached to every gateway response. Revision is the
// authoritative store-wide logical clock.
type Header struct {
	ClusterID uint64
	MemberID  uint64
	Revision  int64
	RaftTerm  int64
}

// KeyValue is one stored key-value record. It is immutable once observed;
// every mutation of a key produces a new KeyValue with a new ModRevision.
type KeyValue struct {
	Key            []byte
	Value          []byte
	Version        int64
	CreateRevision int64
	ModRevision    int64
	Lease          int64
}

// Status describes the cluster as reported by the maintenance endpoint.
type Status struct {
	Version   string
	DBSize    int64
	Leader    uint64
	RaftIndex uint64
	RaftTerm  int64
	Header    *Header
}

// SemVersion parses the reported server version as semantic version.
func (s *Status) SemVersion() (*semver.Version, error) {
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return nil, errors.Annotatef(err, "bad server version %q", s.Version)
	}
	return v, nil
}

// Revision is the result of a put: the response header plus, if requested,
// the previous key-value.
type Revision struct {
	Header *Header
	Prev   *KeyValue
}

// Deleted is the result of a delete: the number of removed keys plus, if
// requested, the previous key-values.
type Deleted struct {
	Deleted int64
	Header  *Header
	Prev    []*KeyValue
}

// RangeResult is the result of a range get.
type RangeResult struct {
	KVs    []*KeyValue
	Header *Header
	Count  int64
	More   bool
}

// -- wire shapes ------------------------------------------------------------
//
// The gateway speaks JSON with all binary fields base64-encoded and all
// 64-bit integers rendered as decimal strings. The wire* structs mirror
// that encoding exactly; parsing into the public types happens in one
// place per shape so a malformed field is always a ProtocolError.

type wireHeader struct {
	ClusterID string `json:"cluster_id"`
	MemberID  string `json:"member_id"`
	Revision  string `json:"revision"`
	RaftTerm  string `json:"raft_term"`
}

type wireKeyValue struct {
	Key            string `json:"key"`
	Value          string `json:"value"`
	Version        string `json:"version"`
	CreateRevision string `json:"create_revision"`
	ModRevision    string `json:"mod_revision"`
	Lease          string `json:"lease"`
}

type wireStatus struct {
	Error     string      `json:"error"`
	Code      int         `json:"code"`
	Version   string      `json:"version"`
	DBSize    string      `json:"dbSize"`
	Leader    string      `json:"leader"`
	RaftIndex string      `json:"raftIndex"`
	RaftTerm  string      `json:"raftTerm"`
	Header    *wireHeader `json:"header"`
}

type wirePutResponse struct {
	Error  string        `json:"error"`
	Code   int           `json:"code"`
	Header *wireHeader   `json:"header"`
	PrevKV *wireKeyValue `json:"prev_kv"`
}

type wireRangeResponse struct {
	Error  string          `json:"error"`
	Code   int             `json:"code"`
	Header *wireHeader     `json:"header"`
	KVs    []*wireKeyValue `json:"kvs"`
	Count  string          `json:"count"`
	More   bool            `json:"more"`
}

type wireDeleteResponse struct {
	Error   string          `json:"error"`
	Code    int             `json:"code"`
	Header  *wireHeader     `json:"header"`
	Deleted string          `json:"deleted"`
	PrevKVs []*wireKeyValue `json:"prev_kvs"`
}

func parseInt64(field, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, protocolErrorf("field %s: bad integer %q", field, s)
	}
	return v, nil
}

func parseUint64(field, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, protocolErrorf("field %s: bad integer %q", field, s)
	}
	return v, nil
}

func decodeBytes(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, protocolErrorf("field %s: bad base64 %q", field, s)
	}
	return b, nil
}

func (w *wireHeader) parse() (*Header, error) {
	if w == nil {
		return nil, nil
	}
	h := &Header{}
	var err error
	if h.ClusterID, err = parseUint64("cluster_id", w.ClusterID); err != nil {
		return nil, err
	}
	if h.MemberID, err = parseUint64("member_id", w.MemberID); err != nil {
		return nil, err
	}
	if h.Revision, err = parseInt64("revision", w.Revision); err != nil {
		return nil, err
	}
	if h.RaftTerm, err = parseInt64("raft_term", w.RaftTerm); err != nil {
		return nil, err
	}
	return h, nil
}

func (w *wireKeyValue) parse() (*KeyValue, error) {
	if w == nil {
		return nil, nil
	}
	kv := &KeyValue{}
	var err error
	if kv.Key, err = decodeBytes("key", w.Key); err != nil {
		return nil, err
	}
	if kv.Value, err = decodeBytes("value", w.Value); err != nil {
		return nil, err
	}
	if kv.Version, err = parseInt64("version", w.Version); err != nil {
		return nil, err
	}
	if kv.CreateRevision, err = parseInt64("create_revision", w.CreateRevision); err != nil {
		return nil, err
	}
	if kv.ModRevision, err = parseInt64("mod_revision", w.ModRevision); err != nil {
		return nil, err
	}
	if kv.Lease, err = parseInt64("lease", w.Lease); err != nil {
		return nil, err
	}
	return kv, nil
}

func parseKeyValues(ws []*wireKeyValue) ([]*KeyValue, error) {
	if ws == nil {
		return nil, nil
	}
	kvs := make([]*KeyValue, 0, len(ws))
	for _, w := range ws {
		kv, err := w.parse()
		if err != nil {
			return nil, err
		}
		kvs = append(kvs, kv)
	}
	return kvs, nil
}

func (w *wireStatus) parse() (*Status, error) {
	s := &Status{Version: w.Version}
	var err error
	if s.DBSize, err = parseInt64("dbSize", w.DBSize); err != nil {
		return nil, err
	}
	if s.Leader, err = parseUint64("leader", w.Leader); err != nil {
		return nil, err
	}
	if s.RaftIndex, err = parseUint64("raftIndex", w.RaftIndex); err != nil {
		return nil, err
	}
	if s.RaftTerm, err = parseInt64("raftTerm", w.RaftTerm); err != nil {
		return nil, err
	}
	if s.Header, err = w.Header.parse(); err != nil {
		return nil, err
	}
	return s, nil
}

func (w *wirePutResponse) parse() (*Revision, error) {
	r := &Revision{}
	var err error
	if r.Header, err = w.Header.parse(); err != nil {
		return nil, err
	}
	if r.Prev, err = w.PrevKV.parse(); err != nil {
		return nil, err
	}
	return r, nil
}

func (w *wireRangeResponse) parse() (*RangeResult, error) {
	r := &RangeResult{More: w.More}
	var err error
	if r.Header, err = w.Header.parse(); err != nil {
		return nil, err
	}
	if r.Count, err = parseInt64("count", w.Count); err != nil {
		return nil, err
	}
	if r.KVs, err = parseKeyValues(w.KVs); err != nil {
		return nil, err
	}
	return r, nil
}

func (w *wireDeleteResponse) parse() (*Deleted, error) {
	d := &Deleted{}
	var err error
	if d.Header, err = w.Header.parse(); err != nil {
		return nil, err
	}
	if d.Deleted, err = parseInt64("deleted", w.Deleted); err != nil {
		return nil, err
	}
	if d.Prev, err = parseKeyValues(w.PrevKVs); err != nil {
		return nil, err
	}
	return d, nil
}
