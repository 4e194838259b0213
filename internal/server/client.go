package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"pltd/internal/counter"
	"pltd/internal/table"
	"pltd/pkg/proto"
)

// ErrBadRequest is returned when the server rejects a request as malformed
// or unsupported.
var ErrBadRequest = errors.New("bad request")

// ErrRateLimited is returned when the connection exceeded the server's
// request rate.
var ErrRateLimited = errors.New("rate limited")

// Client talks to a Server over its unix socket. Calls are serialized on a
// single connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the server listening at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends req and waits for its response. A request without ID gets a
// fresh UUID. The response status is not interpreted.
func (c *Client) Do(ctx context.Context, req *proto.Request) (*proto.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	// A zero deadline clears any previous one.
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := proto.WriteRequest(c.conn, req); err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Op, err)
	}
	resp, err := proto.ReadResponse(c.conn)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", req.Op, err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, op proto.Op, key uint64, value []byte) (*proto.Response, error) {
	resp, err := c.Do(ctx, &proto.Request{Op: op, Key: key, Value: value})
	if err != nil {
		return nil, err
	}
	if err := errorFor(op, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// GetValue returns the current value of key.
func (c *Client) GetValue(ctx context.Context, key uint64) ([]byte, error) {
	resp, err := c.call(ctx, proto.OpGet, key, nil)
	if err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return []byte{}, nil
	}
	return resp.Value, nil
}

// StoreValue stores value as the new version of key.
func (c *Client) StoreValue(ctx context.Context, key uint64, value []byte) error {
	_, err := c.call(ctx, proto.OpStore, key, value)
	return err
}

// RemoveKey deletes key and all of its versions.
func (c *Client) RemoveKey(ctx context.Context, key uint64) error {
	_, err := c.call(ctx, proto.OpRemove, key, nil)
	return err
}

// KeyExists reports whether any version of key is stored. A removed key
// whose directory was not purged yet still counts; use GetValue for liveness.
func (c *Client) KeyExists(ctx context.Context, key uint64) (bool, error) {
	resp, err := c.call(ctx, proto.OpExists, key, nil)
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// GetUsedKeys lists the keys present in the table.
func (c *Client) GetUsedKeys(ctx context.Context) ([]uint64, error) {
	resp, err := c.call(ctx, proto.OpList, 0, nil)
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// CreateCounter starts counter key at zero.
func (c *Client) CreateCounter(ctx context.Context, key uint64) (uint64, error) {
	resp, err := c.call(ctx, proto.OpCounterCreate, key, nil)
	if err != nil {
		return 0, err
	}
	return resp.Counter, nil
}

// IncrementCounter advances counter key and returns its new value.
func (c *Client) IncrementCounter(ctx context.Context, key uint64) (uint64, error) {
	resp, err := c.call(ctx, proto.OpCounterIncrement, key, nil)
	if err != nil {
		return 0, err
	}
	return resp.Counter, nil
}

// ReadCounter returns the current value of counter key.
func (c *Client) ReadCounter(ctx context.Context, key uint64) (uint64, error) {
	resp, err := c.call(ctx, proto.OpCounterRead, key, nil)
	if err != nil {
		return 0, err
	}
	return resp.Counter, nil
}

// RemoveCounter deletes counter key.
func (c *Client) RemoveCounter(ctx context.Context, key uint64) error {
	_, err := c.call(ctx, proto.OpCounterRemove, key, nil)
	return err
}

// ListCounters lists the keys of verified counters.
func (c *Client) ListCounters(ctx context.Context) ([]uint64, error) {
	resp, err := c.call(ctx, proto.OpCounterList, 0, nil)
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// errorFor rebuilds the error carried by resp so that callers can match it
// with errors.Is against the table and counter sentinels.
func errorFor(op proto.Op, resp *proto.Response) error {
	switch resp.Status {
	case proto.StatusOK:
		return nil
	case proto.StatusKeyNotFound:
		if op >= proto.OpCounterCreate {
			return counter.ErrNotFound
		}
		return table.ErrKeyNotFound
	case proto.StatusExists:
		return counter.ErrExists
	case proto.StatusTampered:
		return counter.ErrTampered
	case proto.StatusExhausted:
		return counter.ErrExhausted
	case proto.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, resp.Error)
	case proto.StatusRateLimited:
		return ErrRateLimited
	case proto.StatusStorageError, proto.StatusFatal:
		return table.ErrorFor(table.Status(resp.Status), resp.Error)
	default:
		return fmt.Errorf("unexpected status %s: %s", resp.Status, resp.Error)
	}
}
