package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	otelPkg "github.com/basket/modbridge/internal/otel"
	"github.com/basket/modbridge/internal/protocol"
)

const (
	defaultDialWait  = 5 * time.Second
	dialRetryBackoff = 50 * time.Millisecond
)

// Client sends one request per connection to a bridge socket.
type Client struct {
	SocketPath string
	// Token is injected as authToken into requests that carry none.
	Token string
	// DialWait is how long to wait for the socket to appear.
	DialWait time.Duration
	Tracer   trace.Tracer
}

func NewClient(socketPath, token string) *Client {
	return &Client{SocketPath: socketPath, Token: token, DialWait: defaultDialWait}
}

// Call sends req and returns the decoded response.
func (c *Client) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode request: %w", err)
	}
	return c.Do(ctx, raw)
}

// Do sends a raw JSON object request, adding the client's token when the
// request has no authToken.
func (c *Client) Do(ctx context.Context, raw []byte) (protocol.Response, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return protocol.Response{}, fmt.Errorf("request is not a JSON object: %w", err)
	}
	if _, ok := doc["authToken"]; !ok && c.Token != "" {
		doc["authToken"] = c.Token
	}
	cmd, _ := doc["cmd"].(string)
	payload, err := json.Marshal(doc)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("encode request: %w", err)
	}

	tracer := c.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	ctx, span := otelPkg.StartClientSpan(ctx, tracer, "bridge.client."+cmd, otelPkg.AttrCommand.String(cmd))
	defer span.End()

	conn, err := c.dial(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return protocol.Response{}, fmt.Errorf("write request: %w", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}
	if len(out) == 0 {
		return protocol.Response{}, errors.New("connection closed without a response")
	}
	resp, err := protocol.Decode(out)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// dial connects, retrying while the socket does not exist yet or refuses
// connections.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	wait := c.DialWait
	if wait <= 0 {
		wait = defaultDialWait
	}
	deadline := time.Now().Add(wait)
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "unix", c.SocketPath)
		if err == nil {
			return conn, nil
		}
		retryable := errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
		if !retryable || time.Now().After(deadline) {
			return nil, fmt.Errorf("dial %s: %w", c.SocketPath, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", c.SocketPath, ctx.Err())
		case <-time.After(dialRetryBackoff):
		}
	}
}
