package webwatch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gitter-badger/zproc/internal/codec"
)

// Client streams change records from a webwatch Handler, reconnecting
// with exponential backoff on connection loss.
type Client struct {
	wsURL string
}

// NewClient builds a Client from an http(s) base URL, e.g.
// "http://localhost:8080", converting it to a ws(s) URL internally.
func NewClient(baseURL string) *Client {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return &Client{wsURL: u}
}

// Watch streams change records for key (or every key, if empty) from
// since forward until ctx is cancelled. The returned channel is closed
// when ctx is done.
func (c *Client) Watch(ctx context.Context, key string, since uint64) <-chan codec.ChangeRecord {
	out := make(chan codec.ChangeRecord, 64)

	go func() {
		defer close(out)

		backoff := time.Second
		const maxBackoff = 30 * time.Second

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := c.connect(ctx, key, since, out); err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
					backoff = min(backoff*2, maxBackoff)
				}
				continue
			}
			return
		}
	}()

	return out
}

func (c *Client) connect(ctx context.Context, key string, since uint64, out chan<- codec.ChangeRecord) error {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return fmt.Errorf("webwatch: parse url: %w", err)
	}
	q := u.Query()
	if key != "" {
		q.Set("key", key)
	}
	q.Set("since", strconv.FormatUint(since, 10))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("webwatch: dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var rec codec.ChangeRecord
		if err := conn.ReadJSON(&rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("webwatch: read: %w", err)
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return nil
		}
	}
}
