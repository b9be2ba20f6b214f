// Package trackfilter implements a milter that adds Matomo (Piwik) campaign tracking to the links of
// HTML e-mails and appends a tracking pixel to them.
//
// Messages are never rejected because of their content: when a message cannot be parsed or rewritten
// it is passed through unmodified. Only storage problems while capturing a message result in a
// temporary failure.
package trackfilter

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/d--j/go-milter"
	"go.uber.org/zap"
)

// Actions are the modification actions the filter negotiates with the MTA.
const Actions = milter.OptChangeBody | milter.OptChangeHeader | milter.OptAddHeader

// Protocol masks out the events the filter does not need.
const Protocol = milter.OptNoConnect | milter.OptNoHelo | milter.OptNoUnknown | milter.OptNoData

type TrackFilter struct {
	wgDone   sync.WaitGroup
	socket   net.Listener
	server   *milter.Server
	settings *settings
}

// New creates and starts a new [TrackFilter] with a socket listening on network and address.
// opts are [Option] functions that configure the filter; [WithTrackingURL] is required.
func New(network, address string, opts ...Option) (*TrackFilter, error) {
	s, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	socket, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return start(socket, s), nil
}

// NewWithListener creates and starts a new [TrackFilter] that accepts milter connections on socket.
// The [TrackFilter] takes ownership of socket.
func NewWithListener(socket net.Listener, opts ...Option) (*TrackFilter, error) {
	s, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return start(socket, s), nil
}

func start(socket net.Listener, s *settings) *TrackFilter {
	server := milter.NewServer(
		milter.WithMilter(func() milter.Milter {
			return &backend{session: newSession(s)}
		}),
		milter.WithAction(Actions),
		milter.WithProtocol(Protocol),
		milter.WithReadTimeout(s.timeout),
		milter.WithWriteTimeout(s.timeout),
	)

	f := &TrackFilter{
		socket:   socket,
		server:   server,
		settings: s,
	}

	f.wgDone.Add(1)
	go func(socket net.Listener) {
		if err := server.Serve(socket); err != nil && !errors.Is(err, milter.ErrServerClosed) {
			s.logger.Warn("milter server stopped", zap.Error(err))
		}
		f.wgDone.Done()
	}(socket)

	s.logger.Info("started milter",
		zap.String("network", socket.Addr().Network()),
		zap.String("address", socket.Addr().String()),
		zap.Strings("tracked_recipients", s.matcher.Tracked()),
	)
	return f
}

// Addr returns the [net.Addr] of the listening socket of this [TrackFilter].
// This method returns nil when the socket is not set.
func (f *TrackFilter) Addr() net.Addr {
	if f.socket == nil {
		return nil
	}
	return f.socket.Addr()
}

// Wait waits for the end of the [TrackFilter] server.
func (f *TrackFilter) Wait() {
	f.wgDone.Wait()
	_ = f.server.Close()
}

// Close stops the [TrackFilter] server from accepting new connections.
// It does not wait for transactions in flight, see [TrackFilter.Shutdown].
func (f *TrackFilter) Close() {
	_ = f.server.Close()
}

// shutdownPollInterval is how often Shutdown checks for finished transactions.
const shutdownPollInterval = 50 * time.Millisecond

// Shutdown gracefully stops the [TrackFilter] server.
// It stops accepting connections and waits until no transaction is in flight anymore.
// When ctx is done first, Shutdown returns the context error.
func (f *TrackFilter) Shutdown(ctx context.Context) error {
	_ = f.server.Close()
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		if f.settings.active.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
