// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package rtsp negotiates the RTP stream a tuner sends once a channel is
// locked. Only the DESCRIBE, SETUP, PLAY and TEARDOWN requests are spoken.
package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/rs/zerolog"
)

const (
	DefaultRetries   = 3
	DefaultRetryWait = 500 * time.Millisecond
	DefaultTimeout   = 5 * time.Second
	DefaultUserAgent = "dctd"

	defaultPort  = "554"
	protoVersion = "RTSP/1.0"
	maxBody      = 64 << 10

	statusSessionNotFound = 454
)

var (
	// ErrStatus is returned for responses outside the accepted status codes.
	ErrStatus = errors.New("rtsp: unexpected status")
	// ErrProtocol is returned for unparseable responses.
	ErrProtocol = errors.New("rtsp: protocol error")
	// ErrNoSession is returned when SETUP does not yield a session id.
	ErrNoSession = errors.New("rtsp: no session in SETUP response")
)

// Options configures a Client.
type Options struct {
	// Retries is the number of extra attempts of the full setup sequence.
	Retries   int
	RetryWait time.Duration
	// Timeout bounds one request, from dial to the end of the response.
	Timeout   time.Duration
	UserAgent string
}

func (o Options) withDefaults() Options {
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryWait <= 0 {
		o.RetryWait = DefaultRetryWait
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	return o
}

// Client issues RTSP requests, one TCP connection per request.
type Client struct {
	opts   Options
	dialer net.Dialer
	logger zerolog.Logger
}

// NewClient returns a client.
func NewClient(opts Options) *Client {
	return &Client{opts: opts.withDefaults(), logger: xglog.WithComponent("rtsp")}
}

// Session is a negotiated stream.
type Session struct {
	URI        string
	ID         string
	ClientPort int
	Transport  string

	mu   sync.Mutex
	cseq int
}

func (s *Session) nextCSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.cseq
	s.cseq++
	return n
}

// Response is a parsed RTSP reply.
type Response struct {
	StatusCode int
	Status     string
	Header     textproto.MIMEHeader
	Body       []byte
}

// Setup runs DESCRIBE, SETUP and PLAY so that the device streams RTP to
// clientPort (RTCP to clientPort+1). The whole sequence is retried.
func (c *Client) Setup(ctx context.Context, uri string, clientPort int) (*Session, error) {
	if _, err := hostPort(uri); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.opts.RetryWait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		s, err := c.setupOnce(ctx, uri, clientPort)
		if err == nil {
			c.logger.Info().
				Str(xglog.FieldURL, uri).
				Int(xglog.FieldStreamPort, clientPort).
				Str("rtsp_session", s.ID).
				Int("attempt", attempt+1).
				Msg("rtsp stream configured")
			return s, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn().Err(err).Str(xglog.FieldURL, uri).Int("attempt", attempt+1).Msg("rtsp setup attempt failed")
	}
	return nil, fmt.Errorf("rtsp: setup %s failed after %d attempts: %w", uri, c.opts.Retries+1, lastErr)
}

func (c *Client) setupOnce(ctx context.Context, uri string, clientPort int) (*Session, error) {
	s := &Session{URI: uri, ClientPort: clientPort}

	if _, err := c.do(ctx, s, "DESCRIBE", map[string]string{"Accept": "application/sdp"}); err != nil {
		return nil, err
	}

	transport := fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d;mode=PLAY", clientPort, clientPort+1)
	resp, err := c.do(ctx, s, "SETUP", map[string]string{"Transport": transport})
	if err != nil {
		return nil, err
	}
	id, _, _ := strings.Cut(resp.Header.Get("Session"), ";")
	s.ID = strings.TrimSpace(id)
	if s.ID == "" {
		return nil, ErrNoSession
	}
	s.Transport = resp.Header.Get("Transport")

	if _, err := c.do(ctx, s, "PLAY", map[string]string{"Session": s.ID}); err != nil {
		return nil, err
	}
	return s, nil
}

// Teardown ends the session. A 454 reply means the device already forgot
// the session and counts as success.
func (c *Client) Teardown(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return nil
	}
	_, err := c.do(ctx, s, "TEARDOWN", map[string]string{"Session": s.ID})
	return err
}

func (c *Client) do(ctx context.Context, s *Session, method string, headers map[string]string) (*Response, error) {
	addr, err := hostPort(s.URI)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rtsp: %s %s: %w", method, s.URI, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", method, s.URI, protoVersion)
	fmt.Fprintf(&b, "CSeq: %d\r\n", s.nextCSeq())
	fmt.Fprintf(&b, "User-Agent: %s\r\n", c.opts.UserAgent)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")

	c.logger.Debug().Str("method", method).Str(xglog.FieldURL, s.URI).Msg("rtsp request")
	if _, err := io.WriteString(conn, b.String()); err != nil {
		return nil, fmt.Errorf("rtsp: %s write: %w", method, err)
	}

	resp, err := readResponse(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("rtsp: %s: %w", method, err)
	}
	if !accepted(method, resp.StatusCode) {
		return resp, fmt.Errorf("%w: %s %d %s", ErrStatus, method, resp.StatusCode, resp.Status)
	}
	return resp, nil
}

func accepted(method string, code int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	return method == "TEARDOWN" && code == statusSessionNotFound
}

func readResponse(r *bufio.Reader) (*Response, error) {
	tp := textproto.NewReader(r)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: status line: %v", ErrProtocol, err)
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "RTSP/") {
		return nil, fmt.Errorf("%w: status line %q", ErrProtocol, line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, fmt.Errorf("%w: status code %q", ErrProtocol, codeStr)
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: headers: %v", ErrProtocol, err)
	}
	resp := &Response{StatusCode: code, Status: reason, Header: hdr}
	if cl := hdr.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 || n > maxBody {
			return nil, fmt.Errorf("%w: content length %q", ErrProtocol, cl)
		}
		resp.Body = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Body); err != nil {
			return nil, fmt.Errorf("%w: body: %v", ErrProtocol, err)
		}
	}
	return resp, nil
}

func hostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("rtsp: uri %q: %w", raw, err)
	}
	if u.Scheme != "rtsp" || u.Hostname() == "" {
		return "", fmt.Errorf("rtsp: not an rtsp uri: %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// IsRTSP reports whether uri uses the rtsp scheme.
func IsRTSP(uri string) bool {
	u, err := url.Parse(uri)
	return err == nil && strings.EqualFold(u.Scheme, "rtsp")
}
