package zeroconf

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/benbjohnson/clock"
)

// Options configure an Engine. Remember to call `Open` at the end.
type Options struct {
	logger   *slog.Logger
	clock    clock.Clock
	ifacesFn func() ([]net.Interface, error)
	network  string
	conn     transport
}

// Returns new options with default values.
func New() *Options {
	return &Options{
		logger:   slog.Default(),
		clock:    clock.New(),
		network:  "udp",
		ifacesFn: net.Interfaces,
	}
}

// Checks that the options are sound.
func (o *Options) Validate() error {
	switch o.network {
	case "udp", "udp4", "udp6":
		return nil
	default:
		return fmt.Errorf("invalid network %q", o.network)
	}
}

// Attach a custom logger. The default is `slog.Default()`.
func (o *Options) Logger(l *slog.Logger) *Options {
	o.logger = l
	return o
}

// Use a custom clock, e.g. a mock clock in tests. The default is wall time.
func (o *Options) Clock(clk clock.Clock) *Options {
	o.clock = clk
	return o
}

// Change the network to use "udp" (default), "udp4" or "udp6". This affects
// self-announced addresses, but those received from others can still be of
// either type.
func (o *Options) Network(network string) *Options {
	o.network = network
	return o
}

// Use custom network interfaces. The default is `net.Interfaces`.
func (o *Options) Interfaces(fn func() ([]net.Interface, error)) *Options {
	o.ifacesFn = fn
	return o
}

// withTransport substitutes the datagram transport. Test hook.
func (o *Options) withTransport(t transport) *Options {
	o.conn = t
	return o
}

// Open an engine with the current options. An error is returned if the
// options are invalid or there's an issue opening the sockets.
func (o *Options) Open() (*Engine, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	conn := o.conn
	if conn == nil {
		var err error
		conn, err = newDualConn(o.ifacesFn, o.network)
		if err != nil {
			return nil, err
		}
	}
	e := newEngine(conn, o.logger, o.clock)
	e.start()
	return e, nil
}
