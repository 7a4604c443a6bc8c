package etcd

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
)

// Lease is a TTL-bound handle granted by the store. Keys attached to the
// lease are deleted server-side when the lease expires or is revoked.
//
// The lease tracks expiry locally: once any operation observes a missing
// or zero TTL from the server, or a revoke succeeds, the lease flips to
// expired and every further operation fails fast with ErrLeaseExpired
// without a round trip. Expired is terminal; the ID must not be reused.
type Lease struct {
	c *Client

	ID     int64
	TTL    int64 // granted time-to-live in seconds
	Header *Header

	mu      sync.Mutex
	expired bool
}

type wireLeaseGrantResponse struct {
	Error  string      `json:"error"`
	Code   int         `json:"code"`
	ID     string      `json:"ID"`
	TTL    string      `json:"TTL"`
	Header *wireHeader `json:"header"`
}

type wireLeaseTTLResponse struct {
	Error      string      `json:"error"`
	Code       int         `json:"code"`
	TTL        string      `json:"TTL"`
	GrantedTTL string      `json:"grantedTTL"`
	Keys       []string    `json:"keys"`
	Header     *wireHeader `json:"header"`
}

type wireLeaseKeepAliveResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result *struct {
		ID     string      `json:"ID"`
		TTL    string      `json:"TTL"`
		Header *wireHeader `json:"header"`
	} `json:"result"`
}

type wireLeaseRevokeResponse struct {
	Error  string      `json:"error"`
	Code   int         `json:"code"`
	Header *wireHeader `json:"header"`
}

type leaseRequest struct {
	ID   int64 `json:"ID"`
	TTL  int64 `json:"TTL,omitempty"`
	Keys bool  `json:"keys,omitempty"`
}

// Grant creates a lease with the given time-to-live in seconds. A zero
// leaseID lets the store choose the identifier.
func (c *Client) Grant(ctx context.Context, ttl int64, leaseID int64) (*Lease, error) {
	if ttl < 1 {
		return nil, errors.Errorf("time-to-live must be >= 1 second, was %d", ttl)
	}
	var w wireLeaseGrantResponse
	if err := c.post(ctx, pathLeaseGrant, &leaseRequest{ID: leaseID, TTL: ttl}, &w); err != nil {
		return nil, err
	}
	id, err := parseInt64("ID", w.ID)
	if err != nil {
		return nil, err
	}
	granted, err := parseInt64("TTL", w.TTL)
	if err != nil {
		return nil, err
	}
	header, err := w.Header.parse()
	if err != nil {
		return nil, err
	}
	return &Lease{c: c, ID: id, TTL: granted, Header: header}, nil
}

// Expired reports whether the lease is locally known to be expired.
func (l *Lease) Expired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expired
}

func (l *Lease) failFastIfExpired() error {
	if l.Expired() {
		return ErrLeaseExpired
	}
	return nil
}

func (l *Lease) markExpired() {
	l.mu.Lock()
	l.expired = true
	l.mu.Unlock()
}

// Remaining returns the remaining time-to-live in seconds. A missing or
// zero TTL in the response means the lease expired; the lease flips to
// its terminal expired state and ErrLeaseExpired is returned.
func (l *Lease) Remaining(ctx context.Context) (int64, error) {
	if err := l.failFastIfExpired(); err != nil {
		return 0, err
	}
	var w wireLeaseTTLResponse
	if err := l.c.post(ctx, pathLeaseTTL, &leaseRequest{ID: l.ID}, &w); err != nil {
		return 0, err
	}
	ttl, err := parseInt64("TTL", w.TTL)
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		l.markExpired()
		return 0, ErrLeaseExpired
	}
	return ttl, nil
}

// Keys returns the keys currently attached to the lease.
func (l *Lease) Keys(ctx context.Context) ([][]byte, error) {
	if err := l.failFastIfExpired(); err != nil {
		return nil, err
	}
	var w wireLeaseTTLResponse
	if err := l.c.post(ctx, pathLeaseTTL, &leaseRequest{ID: l.ID, Keys: true}, &w); err != nil {
		return nil, err
	}
	ttl, err := parseInt64("TTL", w.TTL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		l.markExpired()
		return nil, ErrLeaseExpired
	}
	keys := make([][]byte, 0, len(w.Keys))
	for _, s := range w.Keys {
		k, err := decodeBytes("keys", s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Refresh keeps the lease alive, resetting its countdown server-side. On
// success the local state is reset to active.
func (l *Lease) Refresh(ctx context.Context) (*Header, error) {
	if err := l.failFastIfExpired(); err != nil {
		return nil, err
	}
	var w wireLeaseKeepAliveResponse
	if err := l.c.post(ctx, pathLeaseKeepAlive, &leaseRequest{ID: l.ID}, &w); err != nil {
		return nil, err
	}
	if w.Result == nil {
		return nil, protocolErrorf("lease keepalive response is missing result")
	}
	ttl, err := parseInt64("TTL", w.Result.TTL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		l.markExpired()
		return nil, ErrLeaseExpired
	}
	header, err := w.Result.Header.parse()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.expired = false
	l.mu.Unlock()
	return header, nil
}

// Revoke revokes the lease after one round trip. All keys attached to it
// are deleted server-side; the client does not re-verify that locally.
// The lease flips to expired even though revoke itself succeeded.
func (l *Lease) Revoke(ctx context.Context) (*Header, error) {
	if err := l.failFastIfExpired(); err != nil {
		return nil, err
	}
	var w wireLeaseRevokeResponse
	if err := l.c.post(ctx, pathLeaseRevoke, &leaseRequest{ID: l.ID}, &w); err != nil {
		return nil, err
	}
	header, err := w.Header.parse()
	if err != nil {
		return nil, err
	}
	l.markExpired()
	return header, nil
}
