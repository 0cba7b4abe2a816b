// Package supervisor implements the ProxySupervisor: it owns the
// forward-proxy listener and the two optional reverse listeners as a
// single atomically-started/stopped group, per spec.md §4.7.
//
// Grounded on internal/routing/lifecycle.go's Lifecycle (start-or-adopt,
// owner-only Stop, lock-file persistence) and internal/routing/lock.go's
// ProxyLockInfo, adapted from a single proxy port to three independently
// configured listeners with atomic partial-failure rollback.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/watchtower-proxy/watchtower/internal/certauthority"
	"github.com/watchtower-proxy/watchtower/internal/dispatcher"
	"github.com/watchtower-proxy/watchtower/internal/engine"
	"github.com/watchtower-proxy/watchtower/internal/log"
	"github.com/watchtower-proxy/watchtower/internal/reverselistener"
)

// State is one of the ProxySupervisor lifecycle states (spec.md §4.7).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// ErrInvalidPortConfig is returned when two or more configured ports
// collide, per spec.md §7/§8.
var ErrInvalidPortConfig = errors.New("supervisor: configured ports must be pairwise distinct")

// BindFailedError wraps a listener bind failure with the port that failed
// and a human-readable OS error classification, per spec.md §7.
type BindFailedError struct {
	Port   uint16
	OSErr  error
	Detail string
}

func (e *BindFailedError) Error() string {
	return fmt.Sprintf("supervisor: bind failed on port %d: %s", e.Port, e.Detail)
}
func (e *BindFailedError) Unwrap() error { return e.OSErr }

// StatusPayload is the snapshot handed to ProxyStatusChanged subscribers
// and to the control plane's get_proxy_status call.
type StatusPayload struct {
	Running          bool   `json:"running"`
	State            string `json:"state"`
	ForwardPort      uint16 `json:"forward_port"`
	ReverseHTTPPort  uint16 `json:"reverse_http_port"`
	ReverseHTTPSPort uint16 `json:"reverse_https_port"`
	LastError        string `json:"last_error,omitempty"`
}

// Config is the set of ports and flags a single Start call acts on.
// ReverseHTTPPort/ReverseHTTPSPort of 0 mean "not configured", collapsing
// the registry's *uint16 pointer fields to a sentinel since Config has no
// JSON envelope to round-trip nil through.
type Config struct {
	ForwardPort      uint16
	ReverseHTTPPort  uint16
	ReverseHTTPSPort uint16
	BindAddr         string // defaults to "127.0.0.1" when empty
}

// listenerHandle is anything the supervisor can abort uniformly.
type listenerHandle interface {
	Stop(ctx context.Context) error
}

type tcpHandle struct {
	ln net.Listener
}

func (h *tcpHandle) Stop(ctx context.Context) error { return h.ln.Close() }

// Supervisor owns the listener group. All exported methods are safe for
// concurrent use.
type Supervisor struct {
	eng *engine.Engine
	ca  *certauthority.CA
	d   *dispatcher.Dispatcher

	mu    sync.Mutex
	state State

	forwardPort      atomic.Uint32
	reverseHTTPPort  atomic.Uint32
	reverseHTTPSPort atomic.Uint32

	handles []listenerHandle

	lastErrMu sync.Mutex
	lastErr   string

	onStatus func(StatusPayload)
}

// New builds a Supervisor. onStatus, if non-nil, is invoked exactly once
// per lifecycle transition with the new status, per spec.md §4.7.
func New(eng *engine.Engine, ca *certauthority.CA, d *dispatcher.Dispatcher, onStatus func(StatusPayload)) *Supervisor {
	return &Supervisor{eng: eng, ca: ca, d: d, onStatus: onStatus}
}

// Start validates the configured ports and brings up the forward listener
// followed by any configured reverse listeners, aborting everything
// already started if a later bind fails.
func (s *Supervisor) Start(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return fmt.Errorf("supervisor: cannot start from state %s", s.state)
	}

	if err := validateDistinctPorts(cfg); err != nil {
		s.recordError(err)
		return err
	}

	s.state = StateStarting
	s.emitStatus()

	bindAddr := cfg.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}

	var started []listenerHandle
	abortStarted := func() {
		for _, h := range started {
			_ = h.Stop(context.Background())
		}
		s.forwardPort.Store(0)
		s.reverseHTTPPort.Store(0)
		s.reverseHTTPSPort.Store(0)
	}

	forwardLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, cfg.ForwardPort))
	if err != nil {
		bindErr := classifyBindError(cfg.ForwardPort, err)
		s.state = StateStopped
		s.recordError(bindErr)
		s.emitStatus()
		return bindErr
	}
	started = append(started, &tcpHandle{ln: forwardLn})
	s.forwardPort.Store(uint32(portOf(forwardLn.Addr())))
	go func() { _ = s.d.Serve(forwardLn) }()

	if cfg.ReverseHTTPPort != 0 {
		l := reverselistener.NewHTTP(s.eng, bindAddr)
		if err := l.Start(cfg.ReverseHTTPPort); err != nil {
			bindErr := classifyBindError(cfg.ReverseHTTPPort, err)
			abortStarted()
			s.state = StateStopped
			s.recordError(bindErr)
			s.emitStatus()
			return bindErr
		}
		started = append(started, l)
		s.reverseHTTPPort.Store(uint32(l.Port()))
	}

	if cfg.ReverseHTTPSPort != 0 {
		l := reverselistener.NewHTTPS(s.eng, s.ca, bindAddr)
		if err := l.Start(cfg.ReverseHTTPSPort); err != nil {
			bindErr := classifyBindError(cfg.ReverseHTTPSPort, err)
			abortStarted()
			s.state = StateStopped
			s.recordError(bindErr)
			s.emitStatus()
			return bindErr
		}
		started = append(started, l)
		s.reverseHTTPSPort.Store(uint32(l.Port()))
	}

	s.handles = started
	s.state = StateRunning
	s.clearError()
	s.emitStatus()
	return nil
}

// Stop aborts every listener, resets the port atomics to 0, and emits one
// status event for each of its two transitions (stopping, then stopped).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return nil
	}
	s.state = StateStopping
	s.emitStatus()

	for _, h := range s.handles {
		_ = h.Stop(ctx)
	}
	s.handles = nil
	s.forwardPort.Store(0)
	s.reverseHTTPPort.Store(0)
	s.reverseHTTPSPort.Store(0)

	s.state = StateStopped
	s.emitStatus()
	return nil
}

// Status returns the current StatusPayload.
func (s *Supervisor) Status() StatusPayload {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return s.statusFor(state)
}

// statusFor builds the StatusPayload for state from the port atomics and
// the last recorded error.
func (s *Supervisor) statusFor(state State) StatusPayload {
	s.lastErrMu.Lock()
	lastErr := s.lastErr
	s.lastErrMu.Unlock()

	return StatusPayload{
		Running:          state == StateRunning,
		State:            state.String(),
		ForwardPort:      uint16(s.forwardPort.Load()),
		ReverseHTTPPort:  uint16(s.reverseHTTPPort.Load()),
		ReverseHTTPSPort: uint16(s.reverseHTTPSPort.Load()),
		LastError:        lastErr,
	}
}

// emitStatus reports the current status to onStatus. Callers hold s.mu, so
// it reads s.state directly instead of going through Status.
func (s *Supervisor) emitStatus() {
	if s.onStatus == nil {
		return
	}
	s.onStatus(s.statusFor(s.state))
}

func (s *Supervisor) recordError(err error) {
	s.lastErrMu.Lock()
	s.lastErr = err.Error()
	s.lastErrMu.Unlock()
	log.Error("supervisor start failed", "error", err)
}

func (s *Supervisor) clearError() {
	s.lastErrMu.Lock()
	s.lastErr = ""
	s.lastErrMu.Unlock()
}

func validateDistinctPorts(cfg Config) error {
	seen := map[uint16]bool{cfg.ForwardPort: true}
	check := func(p uint16) error {
		if p == 0 {
			return nil
		}
		if seen[p] {
			return ErrInvalidPortConfig
		}
		seen[p] = true
		return nil
	}
	if err := check(cfg.ReverseHTTPPort); err != nil {
		return err
	}
	if err := check(cfg.ReverseHTTPSPort); err != nil {
		return err
	}
	return nil
}

func portOf(addr net.Addr) uint16 {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	var p uint16
	_, _ = fmt.Sscanf(portStr, "%d", &p)
	return p
}

// classifyBindError maps the platform-specific "address already in use"
// errno to a human-readable message, per spec.md §4.7/§7.
func classifyBindError(port uint16, err error) *BindFailedError {
	detail := err.Error()
	if isAddrInUse(err) {
		detail = fmt.Sprintf("port %d is already in use", port)
	}
	return &BindFailedError{Port: port, OSErr: err, Detail: detail}
}

func isAddrInUse(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch runtime.GOOS {
	case "windows":
		return errno == 10048
	case "darwin":
		return errno == 48
	default: // linux and other unix variants
		return errno == 98 || errors.Is(err, syscall.EADDRINUSE)
	}
}
