// Package redisxa is an XA resource over Redis lists used as message queues.
// Sends inside a transaction are buffered. Receives move the message into an
// in-flight list owned by the transaction, so it is never only in process
// memory; rollback moves it back to the head of its queue. Prepare persists
// the branch's work in a hash so any connection can finish it after a crash.
package redisxa

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sushant-115/transx/core/xa"
	"github.com/sushant-115/transx/pkg/connection"
)

// PreparedKey is the hash holding prepared branches, keyed by gid.
const PreparedKey = "transx:xa:prepared"

// InFlightIndex is the set of in-flight list keys. An in-flight list holds
// the messages one transaction received from one queue until it completes.
const InFlightIndex = "transx:xa:inflight"

const (
	inFlightPrefix = InFlightIndex + ":"
	localOwner     = "local"
)

func inFlightKey(clientID int64, owner, queue string) string {
	return inFlightPrefix + strconv.FormatInt(clientID, 10) + ":" + owner + ":" + queue
}

// parseInFlightKey splits an in-flight key into the Redis client id of the
// receiving connection, the owner (a gid or "local") and the source queue.
func parseInFlightKey(key string) (clientID int64, owner, queue string, ok bool) {
	rest, found := strings.CutPrefix(key, inFlightPrefix)
	if !found {
		return 0, "", "", false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return 0, "", "", false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", false
	}
	return id, parts[1], parts[2], true
}

// liveClients collects the ids from a CLIENT LIST reply.
func liveClients(list string) map[int64]bool {
	live := make(map[int64]bool)
	for _, line := range strings.Split(list, "\n") {
		for _, field := range strings.Fields(line) {
			if v, ok := strings.CutPrefix(field, "id="); ok {
				if id, err := strconv.ParseInt(v, 10, 64); err == nil {
					live[id] = true
				}
				break
			}
		}
	}
	return live
}

// ErrInBranch is returned for local transaction control while an XA branch
// is active on the connection.
var ErrInBranch = errors.New("redisxa: connection is associated with an XA branch")

// Factory opens one single-connection client per pooled connection. It
// implements connection.XAFactory.
type Factory struct {
	Options *redis.Options
}

var _ connection.XAFactory = (*Factory)(nil)

// NewFactory parses a redis:// URL.
func NewFactory(url string) (*Factory, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisxa: parse url: %w", err)
	}
	return &Factory{Options: opts}, nil
}

// Connect dials a single-connection client and records its CLIENT ID, which
// names the in-flight lists of its transactions.
func (f *Factory) Connect(ctx context.Context, creds connection.Credentials) (connection.PhysicalConnection, error) {
	opts := *f.Options
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	if creds.User != "" {
		opts.Username = creds.User
		opts.Password = creds.Password
	}
	client := redis.NewClient(&opts)
	id, err := client.ClientID(ctx).Result()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisxa: connect %s: %w", opts.Addr, err)
	}
	return &Conn{client: client, id: id, autoCommit: true}, nil
}

// XAResource returns the branch-management side of conn.
func (f *Factory) XAResource(conn connection.PhysicalConnection) (xa.Resource, error) {
	c, ok := conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("redisxa: unexpected connection type %T", conn)
	}
	return &Resource{conn: c}, nil
}

type message struct {
	Queue    string `json:"queue"`
	Body     string `json:"body"`
	InFlight string `json:"inflight,omitempty"`
}

// work is the buffered effect of a transaction.
type work struct {
	Sends    []message `json:"sends,omitempty"`
	Received []message `json:"received,omitempty"`
}

func (w *work) empty() bool { return len(w.Sends) == 0 && len(w.Received) == 0 }

type branch struct {
	xid          xa.Xid
	work         work
	rollbackOnly bool
}

// Conn is a pooled Redis connection.
type Conn struct {
	mu         sync.Mutex
	client     *redis.Client
	id         int64
	autoCommit bool
	local      *work
	active     *branch
	branches   map[string]*branch
}

// currentLocked returns the open transaction's work and its owner name, or
// nil in auto-commit mode.
func (c *Conn) currentLocked() (*work, string) {
	if c.active != nil {
		return &c.active.work, xa.FormatGID(c.active.xid)
	}
	if !c.autoCommit {
		if c.local == nil {
			c.local = &work{}
		}
		return c.local, localOwner
	}
	return nil, ""
}

// Send appends body to queue, at commit time inside a transaction.
func (c *Conn) Send(ctx context.Context, queue, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, _ := c.currentLocked(); w != nil {
		w.Sends = append(w.Sends, message{Queue: queue, Body: body})
		return nil
	}
	return c.client.RPush(ctx, queue, body).Err()
}

// Receive takes the head of queue. ok is false when the queue is empty.
// Inside a transaction the message moves to the transaction's in-flight list
// until it completes.
func (c *Conn) Receive(ctx context.Context, queue string) (body string, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, owner := c.currentLocked()
	if w == nil {
		body, err = c.client.LPop(ctx, queue).Result()
	} else {
		key := inFlightKey(c.id, owner, queue)
		// Indexed first so recovery can always find the list.
		if err := c.client.SAdd(ctx, InFlightIndex, key).Err(); err != nil {
			return "", false, err
		}
		body, err = c.client.LMove(ctx, queue, key, "LEFT", "RIGHT").Result()
		if err == nil {
			w.Received = append(w.Received, message{Queue: queue, Body: body, InFlight: key})
		}
	}
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return body, true, nil
}

// Len returns the depth of queue.
func (c *Conn) Len(ctx context.Context, queue string) (int64, error) {
	return c.client.LLen(ctx, queue).Result()
}

// AutoCommit reports whether the connection is outside a local transaction.
func (c *Conn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

// SetAutoCommit switches modes. Turning auto-commit on commits buffered
// local work.
func (c *Conn) SetAutoCommit(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on && c.local != nil {
		w := c.local
		c.local = nil
		if err := apply(ctx, c.client, w); err != nil {
			return err
		}
	}
	c.autoCommit = on
	return nil
}

// Commit applies local work.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return ErrInBranch
	}
	w := c.local
	c.local = nil
	if w == nil {
		return nil
	}
	return apply(ctx, c.client, w)
}

// Rollback discards local sends and requeues local receives.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return ErrInBranch
	}
	w := c.local
	c.local = nil
	if w == nil {
		return nil
	}
	return undo(ctx, c.client, w)
}

// Validate pings the server.
func (c *Conn) Validate(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Reset rolls back local work and restores auto-commit.
func (c *Conn) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return ErrInBranch
	}
	c.autoCommit = true
	w := c.local
	c.local = nil
	if w == nil {
		return nil
	}
	return undo(ctx, c.client, w)
}

// Close closes the client. In-flight lists of unfinished transactions are
// requeued by the next recovery scan once the server drops the client.
func (c *Conn) Close() error {
	return c.client.Close()
}

// requeueOrphans moves the messages of in-flight lists whose client has
// disconnected back to their queues. Lists of prepared branches stay until
// the branch is completed.
func (c *Conn) requeueOrphans(ctx context.Context) (int, error) {
	keys, err := c.client.SMembers(ctx, InFlightIndex).Result()
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	list, err := c.client.ClientList(ctx).Result()
	if err != nil {
		return 0, err
	}
	live := liveClients(list)
	moved := 0
	for _, key := range keys {
		id, owner, queue, ok := parseInFlightKey(key)
		if !ok || live[id] {
			continue
		}
		if owner != localOwner {
			prepared, err := c.client.HExists(ctx, PreparedKey, owner).Result()
			if err != nil {
				return moved, err
			}
			if prepared {
				continue
			}
		}
		for {
			err := c.client.LMove(ctx, key, queue, "RIGHT", "LEFT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, err
			}
			moved++
		}
		if err := c.client.SRem(ctx, InFlightIndex, key).Err(); err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// apply pushes buffered sends and drops the in-flight lists in one
// transaction.
func apply(ctx context.Context, client redis.Cmdable, w *work) error {
	if w.empty() {
		return nil
	}
	_, err := client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		pushSends(ctx, p, w)
		dropInFlight(ctx, p, w)
		return nil
	})
	return err
}

// undo puts received messages back at the head of their queues in their
// original order.
func undo(ctx context.Context, client redis.Cmdable, w *work) error {
	if len(w.Received) == 0 {
		return nil
	}
	_, err := client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		requeue(ctx, p, w)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		// A message already requeued by recovery.
		return nil
	}
	return err
}

func pushSends(ctx context.Context, p redis.Pipeliner, w *work) {
	for _, m := range w.Sends {
		p.RPush(ctx, m.Queue, m.Body)
	}
}

func requeue(ctx context.Context, p redis.Pipeliner, w *work) {
	for i := len(w.Received) - 1; i >= 0; i-- {
		m := w.Received[i]
		if m.InFlight == "" {
			p.LPush(ctx, m.Queue, m.Body)
			continue
		}
		p.LMove(ctx, m.InFlight, m.Queue, "RIGHT", "LEFT")
	}
	dropInFlight(ctx, p, w)
}

func dropInFlight(ctx context.Context, p redis.Pipeliner, w *work) {
	seen := make(map[string]bool)
	for _, m := range w.Received {
		if m.InFlight == "" || seen[m.InFlight] {
			continue
		}
		seen[m.InFlight] = true
		p.Del(ctx, m.InFlight)
		p.SRem(ctx, InFlightIndex, m.InFlight)
	}
}
