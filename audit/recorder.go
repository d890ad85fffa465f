package audit

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UnknownIP is recorded when no client address could be determined.
const UnknownIP = "unknown"

// Entry is the environment snapshot taken at the moment of signing.
// Timestamp is read from the recorder's clock, independently of the
// signature's own SignedAt.
type Entry struct {
	IPAddress  string    `json:"ip_address"`
	Timestamp  time.Time `json:"timestamp"`
	DocumentID string    `json:"document_id"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

// Context carries what the transport layer knows about the signer's request.
type Context struct {
	RemoteAddr   string
	ForwardedFor string
	UserAgent    string
	DocumentID   string
}

// FromRequest extracts an audit Context from an HTTP request.
func FromRequest(r *http.Request, documentID string) Context {
	return Context{
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: r.Header.Get("X-Forwarded-For"),
		UserAgent:    r.UserAgent(),
		DocumentID:   documentID,
	}
}

// Lookup resolves the public address of the signer when the request carries none.
type Lookup interface {
	PublicIP(ctx context.Context) (string, error)
}

// Recorder produces audit entries. It never returns an error.
type Recorder struct {
	lookup  Lookup
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewRecorder builds a Recorder. lookup may be nil.
func NewRecorder(lookup Lookup, timeout time.Duration, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Recorder{
		lookup:  lookup,
		timeout: timeout,
		now:     time.Now,
		logger:  logger,
	}
}

// WithClock overrides the recorder's time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record captures the audit entry for a signing event.
func (r *Recorder) Record(ctx context.Context, c Context) Entry {
	return Entry{
		IPAddress:  r.resolveIP(ctx, c),
		Timestamp:  r.now().UTC(),
		DocumentID: c.DocumentID,
		UserAgent:  c.UserAgent,
	}
}

func (r *Recorder) resolveIP(ctx context.Context, c Context) string {
	if ip, ok := firstForwarded(c.ForwardedFor); ok {
		return ip
	}
	if ip, ok := hostIP(c.RemoteAddr); ok {
		return ip
	}
	if r.lookup == nil {
		r.logger.Warn("audit: client address unavailable", zap.String("document_id", c.DocumentID))
		return UnknownIP
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := r.lookup.PublicIP(lookupCtx)
	if err != nil {
		r.logger.Warn("audit: public ip lookup failed", zap.String("document_id", c.DocumentID), zap.Error(err))
		return UnknownIP
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		r.logger.Warn("audit: public ip lookup returned garbage", zap.String("document_id", c.DocumentID), zap.String("raw", raw))
		return UnknownIP
	}
	return addr.String()
}

func firstForwarded(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		if addr, err := netip.ParseAddr(strings.TrimSpace(part)); err == nil {
			return addr.String(), true
		}
	}
	return "", false
}

func hostIP(remote string) (string, bool) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", false
	}
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return "", false
	}
	return addr.String(), true
}

// HTTPLookup asks a plain-text "what is my IP" endpoint for the caller's address.
type HTTPLookup struct {
	Endpoint string
	Client   *http.Client
}

// PublicIP implements Lookup.
func (l HTTPLookup) PublicIP(ctx context.Context) (string, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.Endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("audit: build lookup request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("audit: lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("audit: lookup status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("audit: read lookup body: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}
