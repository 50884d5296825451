// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type request struct {
	Method string
	URI    string
	Header textproto.MIMEHeader
}

type replyFunc func(req request, n int) (status string, headers map[string]string, body string)

type fakeServer struct {
	ln    net.Listener
	reply replyFunc

	mu   sync.Mutex
	reqs []request
	wg   sync.WaitGroup
}

func newFakeServer(t *testing.T, reply replyFunc) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, reply: reply}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *fakeServer) uri() string { return "rtsp://" + s.ln.Addr().String() + "/stream" }

func (s *fakeServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	tp := textproto.NewReader(bufio.NewReader(conn))
	line, err := tp.ReadLine()
	if err != nil {
		return
	}
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return
	}
	req := request{Method: parts[0], URI: parts[1], Header: hdr}
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	n := len(s.reqs)
	s.mu.Unlock()

	status, headers, body := s.reply(req, n)
	var b strings.Builder
	fmt.Fprintf(&b, "RTSP/1.0 %s\r\n", status)
	fmt.Fprintf(&b, "CSeq: %s\r\n", hdr.Get("CSeq"))
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	if body != "" {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	_, _ = conn.Write([]byte(b.String()))
}

func (s *fakeServer) requests() []request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]request(nil), s.reqs...)
}

func methods(reqs []request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.Method
	}
	return out
}

func okReply(req request, _ int) (string, map[string]string, string) {
	switch req.Method {
	case "DESCRIBE":
		return "200 OK", map[string]string{"Content-Type": "application/sdp"}, "v=0\r\nm=video 0 RTP/AVP 33\r\n"
	case "SETUP":
		return "200 OK", map[string]string{
			"Session":   "12345678;timeout=60",
			"Transport": req.Header.Get("Transport") + ";server_port=6970-6971",
		}, ""
	default:
		return "200 OK", nil, ""
	}
}

func TestSetupSequence(t *testing.T) {
	srv := newFakeServer(t, okReply)
	c := NewClient(Options{UserAgent: "test-agent"})

	s, err := c.Setup(t.Context(), srv.uri(), 5000)
	require.NoError(t, err)
	assert.Equal(t, "12345678", s.ID)
	assert.Contains(t, s.Transport, "server_port=6970-6971")

	reqs := srv.requests()
	require.Equal(t, []string{"DESCRIBE", "SETUP", "PLAY"}, methods(reqs))
	for i, r := range reqs {
		assert.Equal(t, srv.uri(), r.URI)
		assert.Equal(t, fmt.Sprint(i), r.Header.Get("CSeq"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
	}
	assert.Equal(t, "application/sdp", reqs[0].Header.Get("Accept"))
	assert.Equal(t, "RTP/AVP;unicast;client_port=5000-5001;mode=PLAY", reqs[1].Header.Get("Transport"))
	assert.Equal(t, "12345678", reqs[2].Header.Get("Session"))
}

func TestSetupRetriesWholeSequence(t *testing.T) {
	srv := newFakeServer(t, func(req request, n int) (string, map[string]string, string) {
		if req.Method == "SETUP" && n == 2 {
			return "503 Service Unavailable", nil, ""
		}
		return okReply(req, n)
	})
	c := NewClient(Options{Retries: 2, RetryWait: 10 * time.Millisecond})

	s, err := c.Setup(t.Context(), srv.uri(), 6000)
	require.NoError(t, err)
	assert.Equal(t, "12345678", s.ID)
	assert.Equal(t, []string{"DESCRIBE", "SETUP", "DESCRIBE", "SETUP", "PLAY"}, methods(srv.requests()))
}

func TestSetupGivesUpAfterRetries(t *testing.T) {
	srv := newFakeServer(t, func(request, int) (string, map[string]string, string) {
		return "500 Internal Server Error", nil, ""
	})
	c := NewClient(Options{Retries: 1, RetryWait: 10 * time.Millisecond})

	_, err := c.Setup(t.Context(), srv.uri(), 6000)
	require.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, []string{"DESCRIBE", "DESCRIBE"}, methods(srv.requests()))
}

func TestSetupRequiresSession(t *testing.T) {
	srv := newFakeServer(t, func(req request, n int) (string, map[string]string, string) {
		if req.Method == "SETUP" {
			return "200 OK", nil, ""
		}
		return okReply(req, n)
	})
	c := NewClient(Options{Retries: 0})

	_, err := c.Setup(t.Context(), srv.uri(), 6000)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSetupHonoursContext(t *testing.T) {
	srv := newFakeServer(t, func(request, int) (string, map[string]string, string) {
		return "503 Service Unavailable", nil, ""
	})
	c := NewClient(Options{Retries: 10, RetryWait: time.Second})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Setup(ctx, srv.uri(), 6000)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestTeardown(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		wantErr bool
	}{
		{name: "ok", status: "200 OK"},
		{name: "session already gone", status: "454 Session Not Found"},
		{name: "server error", status: "500 Internal Server Error", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer(t, func(request, int) (string, map[string]string, string) {
				return tt.status, nil, ""
			})
			c := NewClient(Options{})
			err := c.Teardown(t.Context(), &Session{URI: srv.uri(), ID: "abc"})
			if tt.wantErr {
				require.ErrorIs(t, err, ErrStatus)
			} else {
				require.NoError(t, err)
			}
			reqs := srv.requests()
			require.Len(t, reqs, 1)
			assert.Equal(t, "TEARDOWN", reqs[0].Method)
			assert.Equal(t, "abc", reqs[0].Header.Get("Session"))
		})
	}
}

func TestTeardownWithoutSessionIsNoop(t *testing.T) {
	c := NewClient(Options{})
	require.NoError(t, c.Teardown(t.Context(), nil))
	require.NoError(t, c.Teardown(t.Context(), &Session{URI: "rtsp://127.0.0.1:1/x"}))
}

func TestRejectsNonRTSPURI(t *testing.T) {
	c := NewClient(Options{})
	_, err := c.Setup(t.Context(), "http://10.0.0.1/stream", 5000)
	require.Error(t, err)
	assert.False(t, IsRTSP("http://10.0.0.1/stream"))
	assert.True(t, IsRTSP("rtsp://10.0.0.1/stream"))
}

func TestReadResponseParsesBody(t *testing.T) {
	raw := "RTSP/1.0 200 OK\r\nCSeq: 3\r\nContent-Length: 5\r\n\r\nhello"
	resp, err := readResponse(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, "hello", string(resp.Body))

	_, err = readResponse(bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\n\r\n")))
	require.ErrorIs(t, err, ErrProtocol)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
