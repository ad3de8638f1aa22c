// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"errors"
	"math/big"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/interledger/stream-go/ilp"
)

const (
	defaultMaxRemoteStreams     = 10
	defaultConnectionBufferSize = 65534
	defaultRatePrecision        = 3
	defaultIdleTimeout          = 60 * time.Second

	initialRetryDelay = 100 * time.Millisecond
	maxRetryDelay     = 12 * time.Hour
	retryDelayFactor  = 1.5

	packetExpiry = 30 * time.Second
)

// Config collects everything needed to run one connection.
type Config struct {
	// Plugin delivers serialized conditional-transfer packets and
	// returns the serialized response. Required.
	Plugin ilp.Plugin

	// SharedSecret is the connection secret, at least 32 bytes.
	// Required.
	SharedSecret []byte

	// IsServer selects the responder role; the responder originates
	// even stream ids, the initiator odd ones.
	IsServer bool

	// DestinationAccount is the remote address. Optional at start for
	// the initiator; required before any packet is sent.
	DestinationAccount string

	// SourceAccount is our own address, announced to the peer with a
	// ConnectionNewAddress frame.
	SourceAccount string

	// AssetCode and AssetScale describe the local asset.
	AssetCode  string
	AssetScale uint8

	// ConnectionTag is an opaque identifier forwarded from the server.
	ConnectionTag string

	// Slippage is the maximum allowed exchange rate degradation from
	// the first measured rate, in [0,1]. Nil means 1%.
	Slippage *big.Rat

	// EnablePadding pads every plaintext to the maximum data size
	// before encryption.
	EnablePadding bool

	// MaxRemoteStreams caps how many concurrent streams the peer may
	// open. Zero means the default of 10.
	MaxRemoteStreams uint64

	// ConnectionBufferSize is the per-direction data window in bytes.
	// Zero means the default of 65534.
	ConnectionBufferSize uint64

	// MinExchangeRatePrecision is the number of significant digits the
	// prober must measure before the rate is trusted. Zero means 3.
	MinExchangeRatePrecision int

	// IdleTimeout destroys the connection after this much inactivity.
	// Negative disables the timer; zero means the default of 60s.
	IdleTimeout time.Duration

	// Logger is optional; a default stderr logger is used when nil.
	Logger *log.Logger
}

func (cfg *Config) validate() error {
	if cfg.Plugin == nil {
		return errors.New("stream: config: Plugin is required")
	}
	if len(cfg.SharedSecret) < 32 {
		return errors.New("stream: config: SharedSecret must be at least 32 bytes")
	}
	if cfg.Slippage != nil && (cfg.Slippage.Sign() < 0 || cfg.Slippage.Cmp(big.NewRat(1, 1)) > 0) {
		return errors.New("stream: config: Slippage must be within [0,1]")
	}
	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Slippage == nil {
		cfg.Slippage = big.NewRat(1, 100)
	}
	if cfg.MaxRemoteStreams == 0 {
		cfg.MaxRemoteStreams = defaultMaxRemoteStreams
	}
	if cfg.ConnectionBufferSize == 0 {
		cfg.ConnectionBufferSize = defaultConnectionBufferSize
	}
	if cfg.MinExchangeRatePrecision == 0 {
		cfg.MinExchangeRatePrecision = defaultRatePrecision
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	} else if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "stream",
		})
	}
}
