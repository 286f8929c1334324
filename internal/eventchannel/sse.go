package eventchannel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// sseConn is the secondary transport: a long-lived HTTP response carrying
// text/event-stream frames.
type sseConn struct {
	resp   *http.Response
	cancel context.CancelFunc
}

// Close aborts the request, unblocking the read loop.
func (s *sseConn) Close() {
	s.cancel()
	_ = s.resp.Body.Close()
}

// dialSSE establishes the SSE transport. The connection counts as established
// once the server has answered with a streaming response; the timeout bounds
// that handshake, not the stream itself.
func dialSSE(rawURL string, lastSeq int64, timeout time.Duration) (*sseConn, error) {
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build sse request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastSeq, 10))
	}

	// ResponseHeaderTimeout starts after the request is written; the dial
	// and TLS handshake need their own bounds or a dead host stalls the
	// connect phase for the kernel's TCP timeout.
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial sse: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse endpoint returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse endpoint returned content type %q", ct)
	}

	return &sseConn{resp: resp, cancel: cancel}, nil
}

// readSSE parses event-stream frames until the connection fails or is torn
// down. Frames are `data:` lines terminated by a blank line; `id:` lines are
// redundant with the seq inside the payload and `:` lines are heartbeats,
// both skipped.
func (c *Channel) readSSE(g uint64, s *sseConn) {
	reader := bufio.NewReader(s.resp.Body)
	var data []byte

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.transportFailed(g, err)
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(data) > 0 {
				c.handleFrame(g, data)
				data = nil
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		}
	}
}
