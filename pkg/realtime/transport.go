package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is an open realtime channel. ReadMessage is called from a single
// reader goroutine; writes may come from any goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens the realtime channel.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the realtime endpoint over a websocket, retrying
// transient failures with exponential backoff.
type WebsocketDialer struct {
	URL              string
	Model            string
	APIKey           string
	Header           http.Header
	Attempts         int
	InitialBackoff   time.Duration
	HandshakeTimeout time.Duration
}

// Dial connects, making at most Attempts tries. Authentication and
// not-found responses are not retried.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.APIKey)
	}

	attempts := d.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	initial := d.InitialBackoff
	if initial <= 0 {
		initial = 250 * time.Millisecond
	}
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = 10 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 5 * time.Second

	try := 0
	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		try++
		c, resp, err := dialer.DialContext(ctx, endpoint, header)
		if err == nil {
			return c, nil
		}
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return nil, backoff.Permanent(fmt.Errorf("realtime endpoint rejected the connection: %s", resp.Status))
			}
		}
		log.Warn().Int("attempt", try).Int("max_attempts", attempts).Err(err).Msg("Realtime dial failed")
		return nil, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func (d *WebsocketDialer) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
