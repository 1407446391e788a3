//go:build !cgo

package ofi

import "github.com/rocketbitz/fabcomm/transport"

// Open always fails without cgo.
func (p *Provider) Open() (transport.Worker, error) {
	return nil, ErrUnavailable
}

// Discover always fails without cgo.
func Discover(provider string) ([]Descriptor, error) {
	return nil, ErrUnavailable
}

// RuntimeVersion is empty without cgo.
func RuntimeVersion() string { return "" }
