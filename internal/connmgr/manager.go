// Package connmgr tracks the Redis connection id that owns locally written
// presence, and prunes presence abandoned by connections that no longer
// appear in the server's client list.
package connmgr

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skylight-hq/presenced/internal/metrics"
	"github.com/skylight-hq/presenced/internal/store"
)

// DefaultPruningInterval is the janitor tick.
const DefaultPruningInterval = time.Second

const (
	pingInterval   = time.Second
	redialInterval = time.Second
)

// clientIDRe extracts connection ids from CLIENT LIST lines.
var clientIDRe = regexp.MustCompile(`(?:^| )id=(\d+)(?: |$)`)

// ValidateClientOptions rejects client configurations whose internal retry
// machinery would hide connection failures from the manager and subscriber.
// Violation is a programming error; the process refuses to start.
func ValidateClientOptions(opts *redis.Options) error {
	if opts.MaxRetries >= 0 {
		return fmt.Errorf("connmgr: redis client must disable internal retries (MaxRetries: -1), got %d", opts.MaxRetries)
	}
	return nil
}

// Observer is notified of connection id transitions and janitor errors.
type Observer interface {
	// OnConnectionID fires after the manager has obtained a connection id,
	// registered its lock and scrubbed residue from a previous incarnation.
	OnConnectionID(id string)
	// OnConnectionLost fires when the owning connection drops.
	OnConnectionLost()
	// OnError reports non-transient background errors. The manager keeps
	// running regardless.
	OnError(err error)
}

// Options tune a Manager. Zero values take defaults; the function fields are
// test seams and default to the real CLIENT ID / CLIENT LIST commands.
type Options struct {
	PruningInterval time.Duration
	ClientID        func(ctx context.Context, conn *redis.Conn) (string, error)
	LiveConnections func(ctx context.Context) (map[string]struct{}, error)
}

// Manager is the per-client connection janitor. Connection identity lives on
// a dedicated connection taken out of the client's pool, so one stable
// CLIENT ID stands for this process for as long as that connection lives.
// The concrete client type is required: only *redis.Client exposes Conn().
type Manager struct {
	client  *redis.Client
	store   *store.Store
	logger  *zap.Logger
	opts    Options
	ctx     context.Context
	cancel  context.CancelFunc
	started sync.Once

	mu        sync.Mutex
	observers map[Observer]struct{}
	connID    string
	lock      string
}

var (
	registryMu sync.Mutex
	registry   = map[*redis.Client]*Manager{}
)

// For returns the process-wide manager for the given client, creating and
// starting it on first use.
func For(client *redis.Client, st *store.Store, logger *zap.Logger, opts Options) *Manager {
	registryMu.Lock()
	defer registryMu.Unlock()
	if m, ok := registry[client]; ok {
		return m
	}
	m := New(client, st, logger, opts)
	m.Start()
	registry[client] = m
	return m
}

// New creates an unstarted manager. Most callers want For.
func New(client *redis.Client, st *store.Store, logger *zap.Logger, opts Options) *Manager {
	if opts.PruningInterval <= 0 {
		opts.PruningInterval = DefaultPruningInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:    client,
		store:     st,
		logger:    logger,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		observers: make(map[Observer]struct{}),
	}
	if m.opts.ClientID == nil {
		m.opts.ClientID = func(ctx context.Context, conn *redis.Conn) (string, error) {
			id, err := conn.ClientID(ctx).Result()
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(id, 10), nil
		}
	}
	if m.opts.LiveConnections == nil {
		m.opts.LiveConnections = m.clientList
	}
	return m
}

// Start launches the monitor loop. Safe to call once.
func (m *Manager) Start() {
	m.started.Do(func() {
		go m.run()
	})
}

// Close stops the monitor loop and releases the dedicated connection.
func (m *Manager) Close() {
	m.cancel()
}

// Subscribe registers an observer. If a connection id is already held the
// observer learns it immediately.
func (m *Manager) Subscribe(o Observer) {
	m.mu.Lock()
	m.observers[o] = struct{}{}
	id := m.connID
	m.mu.Unlock()
	if id != "" {
		o.OnConnectionID(id)
	}
}

// Unsubscribe removes an observer.
func (m *Manager) Unsubscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, o)
}

// ConnectionID returns the currently held connection id, if any.
func (m *Manager) ConnectionID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connID, m.connID != ""
}

// run is the ready/close state machine: dial, identify, register, then hold
// the connection with pings while the janitor ticks, until the connection
// drops and the cycle restarts.
func (m *Manager) run() {
	for m.ctx.Err() == nil {
		conn := m.client.Conn()
		id, err := m.init(conn)
		if err != nil {
			_ = conn.Close()
			m.logger.Debug("connection init failed, retrying", zap.Error(err))
			if !m.sleep(redialInterval) {
				return
			}
			continue
		}
		m.setConnID(id)
		m.notifyReady(id)
		m.logger.Info("connection registered", zap.String("connection_id", id))

		m.hold(conn, id)

		_ = conn.Close()
		m.setConnID("")
		m.notifyLost()
		m.logger.Warn("connection lost", zap.String("connection_id", id))
	}
}

func (m *Manager) init(conn *redis.Conn) (string, error) {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()
	id, err := m.opts.ClientID(ctx, conn)
	if err != nil {
		return "", err
	}
	lock := uuid.NewString()
	if err := m.store.RegisterConnection(ctx, id, lock); err != nil {
		return "", err
	}
	// Scrub any residue a previous incarnation of this id left behind.
	if _, err := m.store.DeleteByConnectionID(ctx, id, "0"); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.lock = lock
	m.mu.Unlock()
	return id, nil
}

// hold blocks until the dedicated connection dies or the manager closes.
func (m *Manager) hold(conn *redis.Conn, id string) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	prune := time.NewTicker(m.opts.PruningInterval)
	defer prune.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ping.C:
			ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
			err := conn.Ping(ctx).Err()
			cancel()
			if err != nil {
				return
			}
		case <-prune.C:
			// The connection id must still be the one this cycle started
			// with before prune effects are applied.
			if cur, _ := m.ConnectionID(); cur != id {
				return
			}
			m.prune(id)
		}
	}
}

// prune diffs the registered connections against the live client list and
// deletes presence owned by connections that are gone.
func (m *Manager) prune(selfID string) {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	conns, err := m.store.Connections(ctx)
	if err != nil {
		// Disconnected; the next tick retries.
		m.logger.Debug("janitor: connections read failed", zap.Error(err))
		return
	}
	live, err := m.opts.LiveConnections(ctx)
	if err != nil {
		m.logger.Debug("janitor: client list failed", zap.Error(err))
		return
	}
	for cid, lock := range conns {
		if cid == selfID {
			continue
		}
		if _, ok := live[cid]; ok {
			continue
		}
		pruned, err := m.store.DeleteByConnectionID(ctx, cid, lock)
		if err != nil {
			m.notifyError(err)
			continue
		}
		if pruned {
			metrics.PrunedConnections.Inc()
			m.logger.Info("janitor: pruned dead connection", zap.String("connection_id", cid))
		}
	}
}

func (m *Manager) clientList(ctx context.Context) (map[string]struct{}, error) {
	reply, err := m.client.Do(ctx, "client", "list", "type", "normal").Text()
	if err != nil {
		return nil, err
	}
	return ParseClientList(reply), nil
}

// ParseClientList extracts the connection ids from CLIENT LIST output.
func ParseClientList(reply string) map[string]struct{} {
	live := make(map[string]struct{})
	start := 0
	for i := 0; i <= len(reply); i++ {
		if i == len(reply) || reply[i] == '\n' {
			line := reply[start:i]
			if match := clientIDRe.FindStringSubmatch(line); match != nil {
				live[match[1]] = struct{}{}
			}
			start = i + 1
		}
	}
	return live
}

func (m *Manager) setConnID(id string) {
	m.mu.Lock()
	m.connID = id
	m.mu.Unlock()
}

func (m *Manager) sleep(d time.Duration) bool {
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (m *Manager) snapshot() []Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Observer, 0, len(m.observers))
	for o := range m.observers {
		out = append(out, o)
	}
	return out
}

func (m *Manager) notifyReady(id string) {
	for _, o := range m.snapshot() {
		o.OnConnectionID(id)
	}
}

func (m *Manager) notifyLost() {
	for _, o := range m.snapshot() {
		o.OnConnectionLost()
	}
}

func (m *Manager) notifyError(err error) {
	for _, o := range m.snapshot() {
		o.OnError(err)
	}
}
