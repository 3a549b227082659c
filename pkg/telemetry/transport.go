package telemetry

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ProtocolRevision is the report format revision the collection endpoint
// speaks. It is part of the wire contract and changes only with the
// endpoint.
const ProtocolRevision = 7

// DefaultBaseURL is the collection endpoint reports are submitted to unless
// overridden with WithBaseURL.
const DefaultBaseURL = "http://report.statbeacon.io"

const (
	defaultSendTimeout = 30 * time.Second

	// firstUpdatePhrase in a response line marks the first accepted
	// submission of the server-side aggregation window.
	firstUpdatePhrase = "This is your first update this hour"
)

// Receipt describes an accepted delivery.
type Receipt struct {
	// FirstUpdate reports that the endpoint acknowledged this submission
	// as the first accepted update of its current aggregation window.
	FirstUpdate bool

	// Raw is the response line as read.
	Raw string
}

// Sender delivers one assembled report document.
type Sender interface {
	Send(ctx context.Context, body []byte) (*Receipt, error)
}

// DeliveryError is a recoverable submission failure: a network error, an
// error response, or a timeout. The reporting loop swallows it and waits
// for the next tick.
type DeliveryError struct {
	Detail string
}

func (e *DeliveryError) Error() string {
	return "telemetry: delivery failed: " + e.Detail
}

// HTTPSender submits gzip-compressed reports to the collection endpoint
// over HTTP and interprets the single-line textual acknowledgment.
type HTTPSender struct {
	appName string
	baseURL string
	client  *http.Client
	logger  *zap.Logger

	bypassProxy bool
	userClient  bool
}

// SenderOption configures an HTTPSender.
type SenderOption func(*HTTPSender)

// WithBaseURL overrides the collection endpoint base URL.
func WithBaseURL(u string) SenderOption {
	return func(s *HTTPSender) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout bounds the full request/response exchange. A timeout
// surfaces as an ordinary DeliveryError.
func WithTimeout(d time.Duration) SenderOption {
	return func(s *HTTPSender) { s.client.Timeout = d }
}

// WithBypassProxy sends requests directly, ignoring any system proxy
// configuration. Some environments interpose proxies that drop POST bodies;
// hosts that know they run in one set this.
func WithBypassProxy() SenderOption {
	return func(s *HTTPSender) { s.bypassProxy = true }
}

// WithHTTPClient substitutes the underlying HTTP client. Takes precedence
// over WithTimeout and WithBypassProxy.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *HTTPSender) {
		s.client = c
		s.userClient = true
	}
}

// WithSenderLogger attaches a logger for request-level debug output.
func WithSenderLogger(l *zap.Logger) SenderOption {
	return func(s *HTTPSender) { s.logger = l }
}

// NewHTTPSender creates a sender reporting on behalf of the named
// application.
func NewHTTPSender(appName string, opts ...SenderOption) (*HTTPSender, error) {
	if appName == "" {
		return nil, ErrEmptyName
	}

	s := &HTTPSender{
		appName: appName,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: defaultSendTimeout},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.bypassProxy && !s.userClient {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
		s.client.Transport = transport
	}

	return s, nil
}

// URL returns the full submission URL for this sender.
func (s *HTTPSender) URL() string {
	return s.baseURL + "/plugin/" + url.QueryEscape(s.appName)
}

// Send compresses and POSTs body, then interprets the first line of the
// response. All failures come back as *DeliveryError.
func (s *HTTPSender) Send(ctx context.Context, body []byte) (*Receipt, error) {
	compressed, err := gzipBytes(body)
	if err != nil {
		return nil, &DeliveryError{Detail: "compress: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL(), bytes.NewReader(compressed))
	if err != nil {
		return nil, &DeliveryError{Detail: "build request: " + err.Error()}
	}

	req.Header.Set("User-Agent", "Statbeacon/"+strconv.Itoa(ProtocolRevision))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Connection", "close")
	req.ContentLength = int64(len(compressed))

	s.logger.Debug("submitting report",
		zap.String("url", s.URL()),
		zap.Int("uncompressed", len(body)),
		zap.Int("compressed", len(compressed)),
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &DeliveryError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &DeliveryError{Detail: "unexpected status " + resp.Status}
	}

	var line string
	scanner := bufio.NewScanner(resp.Body)
	if scanner.Scan() {
		line = scanner.Text()
	}

	return parseResponse(line)
}

// parseResponse applies the endpoint's response grammar to one line of
// text. An empty line stands in for "no line read".
func parseResponse(line string) (*Receipt, error) {
	switch {
	case line == "":
		return nil, &DeliveryError{Detail: "null"}
	case strings.HasPrefix(line, "ERR"):
		return nil, &DeliveryError{Detail: line}
	case strings.HasPrefix(line, "7"):
		detail := line[1:]
		if strings.HasPrefix(line, "7,") {
			detail = line[2:]
		}
		return nil, &DeliveryError{Detail: detail}
	}

	if line == "1" || strings.Contains(line, firstUpdatePhrase) {
		return &Receipt{FirstUpdate: true, Raw: line}, nil
	}
	return &Receipt{Raw: line}, nil
}

// gzipBytes compresses input as a single-member gzip stream.
func gzipBytes(input []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(input); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
