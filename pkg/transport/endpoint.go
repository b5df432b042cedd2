// Package transport implements the NetTask reliable-datagram endpoint:
// the receive path, send path, retransmitter, window-probe loop and
// connection lifecycle state machine described in spec.md §4.3-4.7. An
// Endpoint is symmetric — the same type backs both the server and the
// agent side of a connection, differing only in Options.Role.
package transport

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/nettask/nettaskd/pkg/config"
	"github.com/nettask/nettaskd/pkg/metrics"
	"github.com/nettask/nettaskd/pkg/nms"
	"github.com/nettask/nettaskd/pkg/pool"
	"github.com/nettask/nettaskd/pkg/wire"
)

// Role distinguishes the two symmetric sides of a NetTask connection: it
// only changes how an unknown peer on FIRST_CONNECTION is treated (the
// server admits it; the agent has no such concept since it dials a single
// known server).
type Role int

const (
	RoleServer Role = iota
	RoleAgent
)

// OnMessage is the receive-dispatch callback named in spec.md §6:
// on_message(peer, type, payload).
type OnMessage func(peer string, typ wire.MessageType, payload []byte)

// Options configures an Endpoint. Identifier is required. A Config with MTU
// 0 is replaced by config.Default().Transport, a nil OnMessage by a no-op,
// nil Metrics by unregistered collectors and nil Log by the logrus standard
// logger.
type Options struct {
	Config     config.Transport
	Identifier string
	Role       Role
	Metrics    *metrics.Registry
	Log        *logrus.Entry
	OnMessage  OnMessage
	Tasks      nms.TaskRegistry
}

// Endpoint is one side of a NetTask connection. Construct with New, then
// Start it; Shutdown drains and closes it.
type Endpoint struct {
	conn       *guardedConn
	pool       *pool.Pool
	codec      *wire.Codec
	cfg        config.Transport
	identifier string
	role       Role
	onMessage  OnMessage
	metrics    *metrics.Registry
	log        *logrus.Entry
	tasks      nms.TaskRegistry

	closingMu sync.Mutex
	closing   map[string]time.Time

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	sem          chan struct{}
}

// New binds conn for use by the endpoint. The caller owns conn's lifetime
// up to calling Shutdown, which closes it.
func New(conn *net.UDPConn, opts Options) (*Endpoint, error) {
	if opts.Config.MTU == 0 {
		opts.Config = config.Default().Transport
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.OnMessage == nil {
		opts.OnMessage = func(string, wire.MessageType, []byte) {}
	}
	workers := opts.Config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	if err := disableChecksumOffload(conn); err != nil {
		opts.Log.WithError(err).Warn("transport: could not disable UDP checksum offload")
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		opts.Log.WithError(err).Debug("transport: SetReadBuffer failed")
	}

	return &Endpoint{
		conn:       newGuardedConn(conn),
		pool:       pool.New(opts.Config.InitialWindowSize),
		codec:      wire.NewCodec(opts.Config.MTU),
		cfg:        opts.Config,
		identifier: opts.Identifier,
		role:       opts.Role,
		onMessage:  opts.OnMessage,
		metrics:    opts.Metrics,
		log:        opts.Log,
		tasks:      opts.Tasks,
		closing:    make(map[string]time.Time),
		shutdown:   make(chan struct{}),
		sem:        make(chan struct{}, workers),
	}, nil
}

// AddPeer registers addr as peer's address ahead of time, as the agent does
// for the single server peer it already knows before sending
// FIRST_CONNECTION.
func (e *Endpoint) AddPeer(peer string, addr *net.UDPAddr) {
	e.pool.AddPeer(peer, addr)
}

// Start launches the receive loop, retransmitter, window-probe loop and
// the lifecycle closer. It returns immediately; call Shutdown to stop.
func (e *Endpoint) Start() {
	e.wg.Add(4)
	go e.recvLoop()
	go e.retransmitLoop()
	go e.probeLoop()
	go e.closerLoop()
}

// Shutdown signals every worker to stop, waits for in-flight connections to
// drain (bounded by EOCAckTimeout), closes the socket, and joins all
// workers — in that order, per spec.md §5.
func (e *Endpoint) Shutdown() error {
	e.shutdownOnce.Do(func() { close(e.shutdown) })

	var result *multierror.Error

	deadline := time.Now().Add(e.cfg.EOCAckTimeout)
	for e.pool.CountUnackedAll() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if remaining := e.pool.CountUnackedAll(); remaining > 0 {
		result = multierror.Append(result, fmt.Errorf("transport: EOC drain timed out with %d packets still unacked", remaining))
	}

	if err := e.conn.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("transport: closing socket: %w", err))
	}
	e.wg.Wait()

	return result.ErrorOrNil()
}

// sleepOrShutdown sleeps for d, returning false early if shutdown fires.
func (e *Endpoint) sleepOrShutdown(d time.Duration) bool {
	select {
	case <-e.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}
