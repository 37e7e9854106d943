package store

import (
	"fmt"
	"net"
	"time"

	"gameforge/platform/internal/wire"
)

// Client performs store round-trips. Every request is a fresh connection:
// connect, send, blocking receive, disconnect.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient builds a client for the store engine at addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: 10 * time.Second}
}

// Do performs one request against the named category and returns the raw
// record map the engine answered with.
func (c *Client) Do(category, action string, data Record) (Record, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("store dial: %w", err)
	}
	defer conn.Close()
	wire.SetKeepalive(conn)
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := wire.WriteJSON(conn, wire.StoreRequest{Type: category, Action: action, Data: data}); err != nil {
		return nil, fmt.Errorf("store send: %w", err)
	}
	resp := Record{}
	if err := wire.ReadJSON(conn, &resp); err != nil {
		return nil, fmt.Errorf("store receive: %w", err)
	}
	return resp, nil
}

// Create stores a new record in the category.
func (c *Client) Create(category string, data Record) error {
	_, err := c.Do(category, "create", data)
	return err
}

// Read fetches all records in the category.
func (c *Client) Read(category string) (Record, error) {
	return c.Do(category, "read", Record{})
}

// Update applies a partial or whole-record update, per category semantics.
func (c *Client) Update(category string, data Record) error {
	_, err := c.Do(category, "update", data)
	return err
}

// Delete removes a record by key.
func (c *Client) Delete(category string, data Record) error {
	_, err := c.Do(category, "delete", data)
	return err
}

// Query looks up records by the category's key semantics. An empty map means
// not found.
func (c *Client) Query(category string, data Record) (Record, error) {
	return c.Do(category, "query", data)
}

// Flush forces the category's dirty state to disk.
func (c *Client) Flush(category string) error {
	_, err := c.Do(category, "flush", Record{})
	return err
}
