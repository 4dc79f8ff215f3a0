package speech

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
)

// TransportKind selects the streaming carrier for a Client.
type TransportKind string

const (
	TransportConnect   TransportKind = "connect"
	TransportWebsocket TransportKind = "ws"
)

const defaultDialTimeout = 10 * time.Second

// Client is a typed speech recognition client. It speaks Connect RPC over
// HTTP/2 by default and can fall back to a websocket carrier for streaming.
type Client struct {
	baseURL     string
	host        string
	kind        TransportKind
	token       string
	dialTimeout time.Duration
	tlsConfig   *tls.Config
	httpClient  *http.Client

	streaming *connect.Client[StreamingRecognizeRequest, StreamingRecognizeResponse]
	unary     *connect.Client[RecognizeRequest, RecognizeResponse]
}

// Option configures a Client.
type Option func(*config)

type config struct {
	httpClient  *http.Client
	kind        TransportKind
	token       string
	dialTimeout time.Duration
	tlsConfig   *tls.Config
}

// WithHTTPClient overrides the HTTP client used by Connect.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.httpClient = c
		}
	}
}

// WithTransport selects the streaming carrier (Connect or websocket).
func WithTransport(kind TransportKind) Option {
	return func(cfg *config) {
		if kind != "" {
			cfg.kind = kind
		}
	}
}

// WithAuthToken attaches a bearer token to every call.
func WithAuthToken(token string) Option {
	return func(cfg *config) { cfg.token = strings.TrimSpace(token) }
}

// WithDialTimeout bounds WaitUntilReady. Zero keeps the default of 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(cfg *config) {
		if d > 0 {
			cfg.dialTimeout = d
		}
	}
}

// WithTLSConfig enables TLS with the given configuration.
func WithTLSConfig(tc *tls.Config) Option {
	return func(cfg *config) { cfg.tlsConfig = tc }
}

// New creates a speech client for a server address. The address is either a
// bare "host:port" or a full base URL.
func New(address string, opts ...Option) (*Client, error) {
	cfg := config{
		kind:        TransportConnect,
		dialTimeout: defaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	baseURL, host, err := normalizeAddress(address, cfg.tlsConfig != nil)
	if err != nil {
		return nil, err
	}
	if cfg.httpClient == nil {
		cfg.httpClient = defaultHTTPClient(cfg.tlsConfig)
	}

	c := &Client{
		baseURL:     baseURL,
		host:        host,
		kind:        cfg.kind,
		token:       cfg.token,
		dialTimeout: cfg.dialTimeout,
		tlsConfig:   cfg.tlsConfig,
		httpClient:  cfg.httpClient,
	}

	clientOpts := []connect.ClientOption{
		connect.WithCodec(Codec{}),
		connect.WithInterceptors(newClientInterceptor(cfg.token)),
	}
	c.streaming = connect.NewClient[StreamingRecognizeRequest, StreamingRecognizeResponse](
		cfg.httpClient, baseURL+ProcedureStreamingRecognize, clientOpts...)
	c.unary = connect.NewClient[RecognizeRequest, RecognizeResponse](
		cfg.httpClient, baseURL+ProcedureRecognize, clientOpts...)
	return c, nil
}

func normalizeAddress(address string, secure bool) (baseURL, host string, err error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", fmt.Errorf("server address is required")
	}
	if !strings.Contains(address, "://") {
		scheme := "http"
		if secure {
			scheme = "https"
		}
		address = scheme + "://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("parse server address %q: %w", address, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("server address %q has no host", address)
	}
	return strings.TrimRight(u.String(), "/"), u.Host, nil
}

func defaultHTTPClient(tc *tls.Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	if tc != nil {
		tr.TLSClientConfig = tc
	} else {
		// Cleartext HTTP/2: dial plain TCP and skip the TLS handshake.
		tr.AllowHTTP = true
		tr.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		}
	}
	return &http.Client{
		// Recognition streams are long-lived; rely on per-call contexts
		// instead of a global client timeout that would cut active streams.
		Timeout:   0,
		Transport: tr,
	}
}

// WaitUntilReady blocks until the server accepts TCP connections or the dial
// timeout elapses. Every session of a run is held back until this succeeds.
func (c *Client) WaitUntilReady(ctx context.Context) error {
	deadline := time.Now().Add(c.dialTimeout)
	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := net.DialTimeout("tcp", c.host, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return fmt.Errorf("server %s not ready after %s: %w", c.host, c.dialTimeout, lastErr)
		}
		slog.Debug("server not ready, retrying", "host", c.host, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Host returns the host:port the client dials.
func (c *Client) Host() string { return c.host }

// RecognitionStream is a single bidirectional recognition exchange. Send and
// Receive may be used from different goroutines; CloseSend half-closes the
// sending side while responses continue to arrive until Receive returns
// io.EOF.
type RecognitionStream interface {
	Send(*StreamingRecognizeRequest) error
	CloseSend() error
	Receive() (*StreamingRecognizeResponse, error)
	Close() error
}

// StreamingRecognize opens a recognition stream on the configured carrier.
func (c *Client) StreamingRecognize(ctx context.Context) (RecognitionStream, error) {
	if c.kind == TransportWebsocket {
		return c.dialWebsocket(ctx)
	}
	return &connectStream{stream: c.streaming.CallBidiStream(ctx)}, nil
}

// Recognize performs a unary whole-utterance recognition call.
func (c *Client) Recognize(ctx context.Context, req *RecognizeRequest) (*RecognizeResponse, error) {
	if c.kind == TransportWebsocket {
		return c.recognizeHTTP(ctx, req)
	}
	resp, err := c.unary.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

type connectStream struct {
	stream *connect.BidiStreamForClient[StreamingRecognizeRequest, StreamingRecognizeResponse]

	mu         sync.Mutex
	sendClosed bool
}

func (s *connectStream) Send(req *StreamingRecognizeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return io.ErrClosedPipe
	}
	return s.stream.Send(req)
}

func (s *connectStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	return s.stream.CloseRequest()
}

func (s *connectStream) Receive() (*StreamingRecognizeResponse, error) {
	return s.stream.Receive()
}

func (s *connectStream) Close() error {
	// CloseResponse blocks until the request side is closed or the response
	// side is drained, so half-close first; Close must return promptly even
	// on an abandoned stream.
	s.CloseSend()
	return s.stream.CloseResponse()
}
