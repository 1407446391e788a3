// Package ofi implements transport.Provider over libfabric reliable datagram
// (FI_EP_RDM) endpoints with tagged messaging and directed receives.
//
// Buffers obtained from Worker.Alloc live in C memory and are handed to the
// provider directly. Any other buffer is staged through a C copy: sends copy
// at post time and receives copy back on completion.
//
// Building without cgo leaves a stub whose Open reports ErrUnavailable.
package ofi

import (
	"errors"

	"go.uber.org/zap"

	"github.com/rocketbitz/fabcomm/transport"
)

// DefaultProvider is the libfabric provider used when Options.Provider is empty.
const DefaultProvider = "sockets"

var (
	// ErrUnavailable indicates a binary built without libfabric support.
	ErrUnavailable = errors.New("ofi: libfabric support not compiled in")
	// ErrNoProvider indicates fi_getinfo found no provider able to serve
	// tagged RDM endpoints.
	ErrNoProvider = errors.New("ofi: no matching libfabric provider")
)

// Options configures a Provider.
type Options struct {
	// Provider names the libfabric provider, for example sockets, tcp or verbs.
	Provider string
	// CQSize bounds the completion queue; zero lets the provider choose.
	CQSize int
	Logger *zap.Logger
}

var _ transport.Provider = (*Provider)(nil)

// Provider opens libfabric workers. Each worker owns its own fabric, domain,
// address vector, completion queue and endpoint.
type Provider struct {
	opts   Options
	logger *zap.Logger
}

// New constructs a Provider.
func New(opts Options) *Provider {
	if opts.Provider == "" {
		opts.Provider = DefaultProvider
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{opts: opts, logger: logger.Named("ofi")}
}

// Name identifies the provider in logs and metrics.
func (p *Provider) Name() string { return "ofi/" + p.opts.Provider }

// Descriptor summarises one fi_info entry returned by Discover.
type Descriptor struct {
	Provider     string
	Fabric       string
	Domain       string
	Version      string
	Endpoint     string
	Tagged       bool
	DirectedRecv bool
	MRLocal      bool
}
