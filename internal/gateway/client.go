package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bryanchriswhite/StatDeck/internal/layout"
	"github.com/bryanchriswhite/StatDeck/internal/protocol"
)

// Client talks to a running service's config gateway. Each call opens a new
// connection, sends one request, reads one reply and closes.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a client for the gateway on 127.0.0.1:port.
func NewClient(port int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		timeout: timeout,
	}
}

// NewClientAddr creates a client for an explicit address.
func NewClientAddr(addr string, timeout time.Duration) *Client {
	c := NewClient(0, timeout)
	c.addr = addr
	return c
}

// Status asks for device connectivity and tile count.
func (c *Client) Status(ctx context.Context) (protocol.Status, error) {
	var st protocol.Status
	err := c.roundTrip(ctx, protocol.GetLayout{Type: protocol.TypeGetStatus}, protocol.TypeStatus, &st)
	return st, err
}

// Layout fetches the service's current layout.
func (c *Client) Layout(ctx context.Context) (layout.Layout, error) {
	var data protocol.LayoutData
	if err := c.roundTrip(ctx, protocol.GetLayout{Type: protocol.TypeGetLayout}, protocol.TypeLayoutData, &data); err != nil {
		return nil, err
	}
	return data.Layout, nil
}

// Push sends a layout and reports whether it reached the device.
func (c *Client) Push(ctx context.Context, l layout.Layout) (bool, error) {
	var ack protocol.Ack
	if err := c.roundTrip(ctx, protocol.NewConfig(l), protocol.TypeConfigAck, &ack); err != nil {
		return false, err
	}
	return ack.Success, nil
}

// Tune changes the sampling rate and profile debounce, in milliseconds.
func (c *Client) Tune(ctx context.Context, statsRateMs, debounceMs float64) (bool, error) {
	req := protocol.UpdateTuning{
		Type:        protocol.TypeUpdateTuning,
		StatsRateMs: &statsRateMs,
		DebounceMs:  &debounceMs,
	}
	var ack protocol.Ack
	if err := c.roundTrip(ctx, req, protocol.TypeTuningAck, &ack); err != nil {
		return false, err
	}
	return ack.Success, nil
}

func (c *Client) roundTrip(ctx context.Context, req any, wantType string, out any) error {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connect to gateway: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	msg, err := protocol.Decode(line)
	if err != nil {
		return err
	}
	if msg.Type != wantType {
		return fmt.Errorf("unexpected reply type %q, want %q", msg.Type, wantType)
	}
	return msg.Into(out)
}
