// Package probe decides when a freshly created instance is usable: its
// access port accepts connections and a login round trip succeeds.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"csdriver/internal/errdefs"
	"csdriver/internal/logging"
	"csdriver/internal/remote"
	"csdriver/internal/util/clock"

	"go.uber.org/zap"
)

// DefaultCommand is the shell round trip that proves a usable login.
const DefaultCommand = "ls -a ~"

// DialFunc opens a raw connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Result is the outcome of a single attempt.
type Result struct {
	Reachable bool
	Class     Class
	Err       error
}

// Options tunes a Prober. Zero values take the defaults noted.
type Options struct {
	// DialTimeout bounds each transport attempt (5s).
	DialTimeout time.Duration
	// SettleDelay is waited once between transport success and the first
	// login attempt. Freshly booted images often accept TCP before sshd
	// has finished generating host keys.
	SettleDelay time.Duration
	// Command is run to prove the login works (DefaultCommand).
	Command string
	Dial    DialFunc
	Clock   clock.Clock
}

// Prober checks reachability with classified, bounded retries.
type Prober struct {
	connector   remote.Connector
	dial        DialFunc
	clock       clock.Clock
	dialTimeout time.Duration
	settleDelay time.Duration
	command     string
}

// New creates a Prober.
func New(connector remote.Connector, opts Options) *Prober {
	p := &Prober{
		connector:   connector,
		dial:        opts.Dial,
		clock:       opts.Clock,
		dialTimeout: opts.DialTimeout,
		settleDelay: opts.SettleDelay,
		command:     opts.Command,
	}
	if p.dialTimeout <= 0 {
		p.dialTimeout = 5 * time.Second
	}
	if p.dial == nil {
		p.dial = (&net.Dialer{}).DialContext
	}
	if p.clock == nil {
		p.clock = clock.Real{}
	}
	if p.command == "" {
		p.command = DefaultCommand
	}
	return p
}

// CheckTransport makes one bounded dial to address.
func (p *Prober) CheckTransport(ctx context.Context, address string) Result {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", address)
	if err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	if closeErr := conn.Close(); closeErr != nil {
		logging.Logger().Debug("failed to close connection test",
			zap.String("address", address),
			zap.Error(closeErr))
	}
	return Result{Reachable: true}
}

// CheckSession logs in once and runs the probe command.
func (p *Prober) CheckSession(ctx context.Context, target remote.Target) Result {
	session, err := p.connector.Connect(ctx, target)
	if err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	defer session.Close()

	if _, err := session.Run(ctx, p.command); err != nil {
		class := Classify(err)
		if class == ClassOther {
			// The login worked but the shell did not; treat like a drop.
			class = ClassDisconnect
		}
		return Result{Class: class, Err: err}
	}
	return Result{Reachable: true}
}

// WaitUntilReachable retries the transport check until the port accepts,
// waits the settle delay, then retries the session check until a login
// round trip succeeds. Each retry waits the failure class's backoff. When
// the next wait would cross budget, or ctx's deadline passes, it returns an
// error wrapping errdefs.ErrTimeout and the last failure.
//
// A target without credentials is only transport-checked.
func (p *Prober) WaitUntilReachable(ctx context.Context, target remote.Target, budget time.Duration) error {
	deadline := p.clock.Now().Add(budget)
	address := target.Address()
	log := logging.Logger().With(
		zap.String("instance_name", target.InstanceName),
		zap.String("address", address))

	what := "transport on " + address
	if err := p.retry(ctx, deadline, what, log, func() Result {
		return p.CheckTransport(ctx, address)
	}); err != nil {
		return err
	}
	log.Info("Access port is accepting connections")

	if !target.HasCredentials() {
		log.Warn("No credentials available, skipping login check")
		return nil
	}

	if p.settleDelay > 0 {
		log.Debug("Waiting for the instance to settle", zap.Duration("delay", p.settleDelay))
		if err := p.clock.Sleep(ctx, p.settleDelay); err != nil {
			return contextError(err, what, nil)
		}
	}

	what = "login on " + address
	if err := p.retry(ctx, deadline, what, log, func() Result {
		return p.CheckSession(ctx, target)
	}); err != nil {
		return err
	}
	log.Info("Instance is reachable", zap.String("user", target.User))
	return nil
}

func (p *Prober) retry(ctx context.Context, deadline time.Time, what string, log *zap.Logger, attempt func() Result) error {
	var last error
	for n := 1; ; n++ {
		res := attempt()
		if res.Reachable {
			return nil
		}
		last = &errdefs.TransientError{Class: res.Class.String(), Err: res.Err}

		wait := res.Class.Backoff()
		log.Info("Instance not reachable yet",
			zap.Int("attempt", n),
			zap.String("class", res.Class.String()),
			zap.Duration("retry_in", wait),
			zap.String("error", logging.Truncate(errString(res.Err))))

		if p.clock.Now().Add(wait).After(deadline) {
			return errdefs.Timeout(what, last)
		}
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return contextError(err, what, last)
		}
	}
}

// contextError maps an expired caller deadline to ErrTimeout; cancellation
// is passed through.
func contextError(err error, what string, last error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.Timeout(what, last)
	}
	if last != nil {
		return fmt.Errorf("waiting for %s: %w (last error: %v)", what, err, last)
	}
	return fmt.Errorf("waiting for %s: %w", what, err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
