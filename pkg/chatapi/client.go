package chatapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	defaultIdleTimeout = 60 * time.Second
	readBufferSize     = 4096
	maxErrorBody       = 1024
)

// Client streams chat turns from the widget backend over HTTP.
type Client struct {
	config     *Config
	httpClient *http.Client
}

var _ Transport = (*Client)(nil)

// New creates a client for the backend described by config.
func New(config *Config) *Client {
	// Streams may run long; only the wait for response headers is bounded.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = config.Timeout
	return &Client{
		config:     config,
		httpClient: &http.Client{Transport: transport},
	}
}

func (c *Client) idleTimeout() time.Duration {
	if c.config.IdleTimeout > 0 {
		return c.config.IdleTimeout
	}
	return defaultIdleTimeout
}

// StreamChat sends req and feeds the streamed body to h until the server
// closes the connection. The returned error mirrors what OnError received.
func (c *Client) StreamChat(ctx context.Context, req *ChatRequest, h Handler) error {
	err := c.stream(ctx, req, h)
	if err != nil && h.OnError != nil {
		h.OnError(err)
	}
	return err
}

func (c *Client) stream(ctx context.Context, req *ChatRequest, h Handler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idle := c.idleTimeout()
	timer := time.AfterFunc(idle, func() { cancel(ErrIdleTimeout) })
	defer timer.Stop()

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = c.config.APIKey
	}
	httpReq.Header.Set("X-API-KEY", apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return streamError("sending request", ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	ids := SessionIDs{SessionID: req.SessionID, ThreadID: req.ThreadID}
	var peek idPeeker

	reader := bufio.NewReaderSize(resp.Body, readBufferSize)
	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			timer.Reset(idle)
			pending = append(pending, buf[:n]...)
			chunk, rest := splitValidUTF8(pending)
			pending = append(pending[:0], rest...)
			if chunk != "" {
				peek.feed(chunk, &ids)
				if h.OnChunk != nil {
					h.OnChunk(chunk)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return streamError("reading stream", ctx, readErr)
		}
	}

	if len(pending) > 0 {
		chunk := string(pending)
		peek.feed(chunk, &ids)
		if h.OnChunk != nil {
			h.OnChunk(chunk)
		}
	}
	peek.flush(&ids)

	if h.OnComplete != nil {
		h.OnComplete(ids)
	}
	return nil
}

// streamError prefers the cancellation cause over the transport's own error
// so an idle abort is reported as ErrIdleTimeout.
func streamError(op string, ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		if errors.Is(cause, ErrIdleTimeout) {
			return ErrIdleTimeout
		}
		return fmt.Errorf("%s: %w", op, cause)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// splitValidUTF8 returns the longest prefix of b that does not end inside a
// multi-byte rune, and the remainder.
func splitValidUTF8(b []byte) (string, []byte) {
	end := len(b)
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				end = i
			}
			break
		}
	}
	return string(b[:end]), b[end:]
}

// idPeeker watches complete data lines for backend-issued ids.
type idPeeker struct {
	line strings.Builder
}

func (p *idPeeker) feed(chunk string, ids *SessionIDs) {
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			p.line.WriteString(chunk)
			return
		}
		p.line.WriteString(chunk[:i])
		p.apply(ids)
		chunk = chunk[i+1:]
	}
}

func (p *idPeeker) flush(ids *SessionIDs) {
	if p.line.Len() > 0 {
		p.apply(ids)
	}
}

func (p *idPeeker) apply(ids *SessionIDs) {
	line := strings.TrimSpace(p.line.String())
	p.line.Reset()
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return
	}
	payload = strings.TrimSpace(payload)
	if !gjson.Valid(payload) {
		return
	}
	res := gjson.GetMany(payload, "session_id", "thread_id")
	if s := res[0].String(); s != "" && s != unassigned {
		ids.SessionID = s
	}
	if t := res[1].String(); t != "" && t != unassigned {
		ids.ThreadID = t
	}
}
