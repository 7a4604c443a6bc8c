package etcd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// EventType tells what happened to a watched key.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

func (t EventType) String() string {
	if t == EventDelete {
		return "DELETE"
	}
	return "PUT"
}

// Event is one change observed on a watched key range.
type Event struct {
	Type   EventType
	KV     *KeyValue
	PrevKV *KeyValue
}

// WatchOptions refine a watch.
type WatchOptions struct {
	// StartRevision watches from this revision (inclusive); 0 means "now".
	StartRevision int64
	// PrevKV asks the store to include the previous key-value per event.
	PrevKV bool
	// Filters suppresses event classes server-side ("NOPUT", "NODELETE").
	Filters []string
	// BufferSize overrides the configured event channel capacity.
	BufferSize int
}

// Watcher is a handle on one long-lived watch stream. Events are ordered
// per stream; the client imposes no ordering across watchers. The stream
// occupies one connection until cancelled or closed by the remote end.
type Watcher struct {
	events chan Event
	done   chan struct{}

	cancel   context.CancelFunc
	canceled atomic.Bool

	mu  sync.Mutex
	err error
}

// Events returns the ordered event channel. It is closed when the stream
// terminates for any reason; check Err afterwards.
func (w *Watcher) Events() <-chan Event { return w.events }

// Done is closed when the stream has fully terminated.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Err returns the termination cause once the event channel is closed. It
// is nil after local cancellation and after a clean remote close that
// followed cancellation; any other termination reason is reported.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Cancel terminates the stream. It is non-blocking and idempotent; the
// transport error provoked by tearing down our own connection is
// swallowed, it never reaches Err.
func (w *Watcher) Cancel() {
	w.canceled.Store(true)
	w.cancel()
}

func (w *Watcher) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

type wireWatchCreateRequest struct {
	Key            string   `json:"key"`
	RangeEnd       string   `json:"range_end,omitempty"`
	StartRevision  int64    `json:"start_revision,omitempty"`
	ProgressNotify bool     `json:"progress_notify,omitempty"`
	PrevKV         bool     `json:"prev_kv,omitempty"`
	Filters        []string `json:"filters,omitempty"`
}

type wireWatchFrame struct {
	CreateRequest *wireWatchCreateRequest `json:"create_request"`
}

type wireWatchEvent struct {
	Type   string        `json:"type"`
	KV     *wireKeyValue `json:"kv"`
	PrevKV *wireKeyValue `json:"prev_kv"`
}

type wireWatchResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result *struct {
		Header *wireHeader       `json:"header"`
		Events []*wireWatchEvent `json:"events"`
	} `json:"result"`
}

// Watch opens one streaming request carrying a create-request per key set
// and returns a handle delivering decoded events through a bounded
// channel. Delivery applies backpressure: when the channel is full the
// stream reader blocks rather than dropping events.
func (c *Client) Watch(ctx context.Context, keys []KeySet, opts *WatchOptions) (*Watcher, error) {
	if opts == nil {
		opts = &WatchOptions{}
	}
	if len(keys) == 0 {
		return nil, protocolErrorf("watch requires at least one key set")
	}

	frames := make([][]byte, 0, len(keys))
	for _, ks := range keys {
		key, rangeEnd := ks.marshal()
		frame := wireWatchFrame{CreateRequest: &wireWatchCreateRequest{
			Key:           key,
			RangeEnd:      rangeEnd,
			StartRevision: opts.StartRevision,
			// Ask for periodic empty responses so a disconnected watcher
			// can be recovered from a recent known revision.
			ProgressNotify: true,
			PrevKV:         opts.PrevKV,
			Filters:        opts.Filters,
		}}
		data, err := json.Marshal(frame)
		if err != nil {
			return nil, err
		}
		frames = append(frames, data)
	}
	body := bytes.Join(frames, []byte{'\n'})

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.endpoint+pathWatch, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, protocolErrorf("unexpected watch response status %d", resp.StatusCode)
	}

	buf := opts.BufferSize
	if buf <= 0 {
		buf = c.watchBuf
	}
	w := &Watcher{
		events: make(chan Event, buf),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go w.run(streamCtx, resp.Body)
	return w, nil
}

// run reads the stream until it ends. The gateway sends JSON messages
// separated by newlines; partial messages are reassembled by the buffered
// reader. A malformed chunk is logged and skipped, keeping the stream
// alive, per-message reliability is traded for availability.
func (w *Watcher) run(ctx context.Context, body io.ReadCloser) {
	defer func() {
		body.Close()
		close(w.events)
		close(w.done)
	}()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if !w.dispatch(ctx, bytes.TrimSpace(line)) {
				return
			}
		}
		if err != nil {
			if w.canceled.Load() || ctx.Err() != nil {
				// Our own teardown; swallow the transport error.
				return
			}
			if err == io.EOF {
				w.setErr(ErrWatchClosed)
			} else {
				w.setErr(err)
			}
			return
		}
	}
}

// dispatch decodes one chunk and delivers its events. It returns false
// when the stream context ended while delivering.
func (w *Watcher) dispatch(ctx context.Context, chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	var msg wireWatchResponse
	if err := json.Unmarshal(chunk, &msg); err != nil {
		log.Warn("skipping malformed watch chunk", zap.Error(err), zap.Int("size", len(chunk)))
		return true
	}
	if msg.Result == nil {
		return true
	}
	for _, we := range msg.Result.Events {
		ev, err := we.parse()
		if err != nil {
			log.Warn("skipping malformed watch event", zap.Error(err))
			continue
		}
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (we *wireWatchEvent) parse() (Event, error) {
	ev := Event{Type: EventPut}
	if we.Type == "DELETE" {
		ev.Type = EventDelete
	}
	kv, err := we.KV.parse()
	if err != nil {
		return Event{}, err
	}
	prev, err := we.PrevKV.parse()
	if err != nil {
		return Event{}, err
	}
	ev.KV = kv
	ev.PrevKV = prev
	return ev, nil
}

// WatchFunc is the callback flavor of Watch: a consumer goroutine drains
// the event channel and invokes cb per event. A panicking callback is
// logged and isolated; it never tears down the stream.
func (c *Client) WatchFunc(ctx context.Context, keys []KeySet, cb func(Event), opts *WatchOptions) (*Watcher, error) {
	w, err := c.Watch(ctx, keys, opts)
	if err != nil {
		return nil, err
	}
	go func() {
		for ev := range w.events {
			deliver(cb, ev)
		}
	}()
	return w, nil
}

func deliver(cb func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("watch callback panicked, event dropped", zap.Any("panic", r))
		}
	}()
	cb(ev)
}
