package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// ExecutionIDHeader carries the new execution id on the execute-stream
// upgrade response.
const ExecutionIDHeader = "X-Execution-Id"

// ErrStreamClosed is returned when the daemon closes a stream without
// reporting a final status.
var ErrStreamClosed = errors.New("stream closed before a final status")

// StreamError carries an error frame sent by the daemon.
type StreamError struct{ Message string }

func (e *StreamError) Error() string { return "stream: " + e.Message }

// Handler receives every frame, the final status included.
type Handler func(Message)

// Watch attaches to a running execution and delivers output produced from
// now on. For a finished execution only its status arrives. It returns the
// final status ("completed" or "failed").
func (c *Client) Watch(ctx context.Context, executionID string, h Handler) (string, error) {
	conn, _, err := c.dial(ctx, "/executions/"+url.PathEscape(executionID))
	if err != nil {
		return "", err
	}
	return c.consume(ctx, conn, h)
}

// ExecuteStream starts scriptID and streams the whole run. The execution id
// is returned even when streaming fails part way.
func (c *Client) ExecuteStream(ctx context.Context, scriptID string, h Handler) (id string, status string, err error) {
	conn, resp, err := c.dial(ctx, "/execute/"+url.PathEscape(scriptID))
	if err != nil {
		return "", "", err
	}
	if resp != nil {
		id = resp.Header.Get(ExecutionIDHeader)
	}
	status, err = c.consume(ctx, conn, h)
	return id, status, err
}

func (c *Client) dial(ctx context.Context, path string) (*websocket.Conn, *http.Response, error) {
	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.client.Timeout,
		TLSClientConfig:  c.tls,
	}
	u := c.wsURL + path
	conn, resp, err := d.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, nil, &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("websocket upgrade refused: %v", err)}
		}
		return nil, nil, fmt.Errorf("dial %s: %w", u, err)
	}
	c.logger.Debug("Stream connected", "url", u)
	return conn, resp, nil
}

// consume reads frames until the status frame or the close handshake.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn, h Handler) (string, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	defer func() { _ = conn.Close() }()

	var (
		status  string
		lastErr string
	)
	for {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			if ctx.Err() != nil {
				return status, ctx.Err()
			}
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				return status, fmt.Errorf("read stream: %w", err)
			}
			if ce.Code == websocket.CloseInternalServerErr && lastErr == "" && ce.Text != "" {
				lastErr = ce.Text
			}
			switch {
			case status != "":
				return status, nil
			case lastErr != "":
				return "", &StreamError{Message: lastErr}
			default:
				return "", ErrStreamClosed
			}
		}
		if h != nil {
			h(m)
		}
		switch m.Type {
		case MessageStatus:
			status = m.Data
		case MessageError:
			lastErr = m.Data
		}
	}
}
