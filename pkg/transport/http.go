package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

var (
	ErrUnknownNode = errors.New("transport: no address for node")
	ErrQueueFull   = errors.New("transport: send queue full")
	ErrClosed      = errors.New("transport: closed")
)

type HTTPConfig struct {
	// Path is where peers post messages.
	Path      string `validate:"required,startswith=/"`
	QueueSize int    `validate:"gt=0"`
	// Timeout bounds a single POST.
	Timeout time.Duration `validate:"gt=0"`
	// RetryFor is how long a message is retried before it is dropped.
	RetryFor time.Duration `validate:"gte=0"`
	MaxBody  int64         `validate:"gt=0"`
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Path:      "/group/messages",
		QueueSize: 4096,
		Timeout:   2 * time.Second,
		RetryFor:  3 * time.Second,
		MaxBody:   16 << 20,
	}
}

func (c HTTPConfig) Validate() error {
	return validator.New().Struct(c)
}

// HTTP carries messages as JSON envelopes posted to peers. Each destination
// has its own queue drained by one goroutine, which keeps per-link FIFO order.
// Addresses are resolved at send time, so peers may appear in the resolver
// after messages were queued for them.
type HTTP struct {
	local    membership.Node
	cfg      HTTPConfig
	registry *wire.Registry
	resolver LiveNodeProvider
	client   *http.Client
	logger   *zap.Logger

	mu      sync.Mutex
	handler Handler
	links   map[membership.NodeID]*httpLink
	closed  bool
	wg      sync.WaitGroup
}

type httpLink struct {
	dest  membership.NodeID
	queue chan []byte
	stop  chan struct{}
}

func NewHTTP(local membership.Node, cfg HTTPConfig, registry *wire.Registry, resolver LiveNodeProvider, logger *zap.Logger) (*HTTP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTP{
		local:    local,
		cfg:      cfg,
		registry: registry,
		resolver: resolver,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.Named("transport.http"),
		links:    make(map[membership.NodeID]*httpLink),
	}, nil
}

// Bind sets the handler for inbound messages.
func (t *HTTP) Bind(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *HTTP) Send(msg wire.Message) error {
	msg.From = t.local.ID
	data, err := t.registry.Encode(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	l, ok := t.links[msg.To]
	if !ok {
		l = &httpLink{dest: msg.To, queue: make(chan []byte, t.cfg.QueueSize), stop: make(chan struct{})}
		t.links[msg.To] = l
		t.wg.Add(1)
		go t.drain(l)
	}
	// Enqueue while holding mu so a concurrent Reconnect cannot stop l in between.
	defer t.mu.Unlock()
	select {
	case l.queue <- data:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, msg.To)
	}
}

// Reconnect drops everything queued for a failed peer.
func (t *HTTP) Reconnect(id membership.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.links[id]; ok {
		close(l.stop)
		delete(t.links, id)
		t.logger.Debug("link reset", zap.Stringer("peer", id))
	}
}

// Close stops every link and waits for in-flight posts.
func (t *HTTP) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, l := range t.links {
		close(l.stop)
		delete(t.links, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *HTTP) drain(l *httpLink) {
	defer t.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.stop
		cancel()
	}()

	for {
		select {
		case <-l.stop:
			return
		case data := <-l.queue:
			if err := t.post(ctx, l.dest, data); err != nil && ctx.Err() == nil {
				t.logger.Debug("dropping message", zap.Stringer("peer", l.dest), zap.Error(err))
			}
		}
	}
}

func (t *HTTP) post(ctx context.Context, dest membership.NodeID, data []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = t.cfg.RetryFor

	return backoff.Retry(func() error {
		node, ok := t.resolver.FindByID(dest)
		if !ok || node.Address == "" {
			return fmt.Errorf("%w: %s", ErrUnknownNode, dest)
		}
		url := "http://" + NormalizeHostPort(node.Address, "8080") + t.cfg.Path
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("transport: %s answered %s", dest, resp.Status))
		default:
			return fmt.Errorf("transport: %s answered %s", dest, resp.Status)
		}
	}, backoff.WithContext(b, ctx))
}

// ServeHTTP accepts messages posted by peers.
func (t *HTTP) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, t.cfg.MaxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	msg, err := t.registry.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if msg.To != t.local.ID {
		http.Error(w, "message for another node", http.StatusMisdirectedRequest)
		return
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	h.Receive(msg)
	w.WriteHeader(http.StatusAccepted)
}

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}
