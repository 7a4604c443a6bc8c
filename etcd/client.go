package etcd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/etcdgw/etcdgw/config"
)

// Gateway endpoint paths. These are a collaborator contract with the etcd
// v3 HTTP/JSON gateway and are not renegotiable here.
const (
	apiPrefix = "/v3alpha"

	pathStatus         = apiPrefix + "/maintenance/status"
	pathPut            = apiPrefix + "/kv/put"
	pathRange          = apiPrefix + "/kv/range"
	pathDeleteRange    = apiPrefix + "/kv/deleterange"
	pathTxn            = apiPrefix + "/kv/txn"
	pathWatch          = apiPrefix + "/watch"
	pathLeaseGrant     = apiPrefix + "/lease/grant"
	pathLeaseKeepAlive = apiPrefix + "/lease/keepalive"
	pathLeaseRevoke    = apiPrefix + "/kv/lease/revoke"
	pathLeaseTTL       = apiPrefix + "/kv/lease/timetolive"
)

// Client talks to the etcd v3 HTTP/JSON gateway of a single endpoint. All
// calls are independently usable from concurrent goroutines; requests
// share one pooled transport. The client performs no retries: protocol
// and store errors propagate to the caller unchanged.
type Client struct {
	endpoint string
	timeout  time.Duration
	watchBuf int
	httpc    *http.Client
}

// NewClient creates a gateway client from cfg. The returned client should
// be closed to release idle pooled connections.
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.DialTimeout.Duration,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
	}
	c := &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		timeout:  cfg.RequestTimeout.Duration,
		watchBuf: cfg.WatchBufferSize,
		httpc:    &http.Client{Transport: transport},
	}
	log.Info("created etcd gateway client", zap.String("endpoint", c.endpoint))
	return c, nil
}

// Close releases idle connections. In-flight watches are not cancelled;
// cancel those through their watcher handles.
func (c *Client) Close() {
	c.httpc.CloseIdleConnections()
}

type wireErrorProbe struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// post sends one JSON request and decodes the JSON response into out. A
// body carrying an error/code pair is surfaced as *StoreError before any
// decoding into out happens.
func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return errors.Trace(err)
	}
	if c.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Trace(err)
	}

	var probe wireErrorProbe
	if err := json.Unmarshal(body, &probe); err == nil {
		if probe.Error != "" || probe.Code != 0 {
			return &StoreError{Code: probe.Code, Message: probe.Error}
		}
	}
	if resp.StatusCode/100 != 2 {
		return protocolErrorf("unexpected response status %d from %s", resp.StatusCode, path)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return protocolErrorf("malformed response from %s: %v", path, err)
	}
	return nil
}

// Status fetches the cluster status. The header's revision is the
// store-wide logical clock at the time of the call.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var w wireStatus
	// The gateway insists on a request body, even an empty one.
	if err := c.post(ctx, pathStatus, struct{}{}, &w); err != nil {
		return nil, err
	}
	return w.parse()
}

// Put sets the value for a single key. Every put increments the store
// revision and produces one event in the event history.
func (c *Client) Put(ctx context.Context, key, value []byte, opts *PutOptions) (*Revision, error) {
	op := putOp{key: key, value: value, opts: opts}
	wop, err := op.marshalOp()
	if err != nil {
		return nil, err
	}
	var w wirePutResponse
	if err := c.post(ctx, pathPut, wop.Put, &w); err != nil {
		return nil, err
	}
	return w.parse()
}

// Get performs a range get over the key set.
func (c *Client) Get(ctx context.Context, keys KeySet, opts *GetOptions) (*RangeResult, error) {
	req, err := marshalRangeRequest(keys, opts)
	if err != nil {
		return nil, err
	}
	var w wireRangeResponse
	if err := c.post(ctx, pathRange, req, &w); err != nil {
		return nil, err
	}
	return w.parse()
}

// Delete removes the keys addressed by the key set.
func (c *Client) Delete(ctx context.Context, keys KeySet, opts *DeleteOptions) (*Deleted, error) {
	op := deleteOp{keys: keys, opts: opts}
	wop, err := op.marshalOp()
	if err != nil {
		return nil, err
	}
	var w wireDeleteResponse
	if err := c.post(ctx, pathDeleteRange, wop.DeleteRange, &w); err != nil {
		return nil, err
	}
	return w.parse()
}

// Submit sends one atomic transaction. Both outcomes of the guard are
// normal results; inspect TxnResult.Succeeded to learn which branch ran.
func (c *Client) Submit(ctx context.Context, txn Txn) (*TxnResult, error) {
	req, err := txn.marshal()
	if err != nil {
		return nil, err
	}
	var w wireTxnResponse
	if err := c.post(ctx, pathTxn, req, &w); err != nil {
		return nil, err
	}
	return w.parse()
}
