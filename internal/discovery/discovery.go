// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package discovery finds cable tuners on the local network with SSDP and
// resolves their descriptions.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/upnp"
	"github.com/koron/go-ssdp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWait        = 2 * time.Second
	DefaultConcurrency = 4
)

// ErrNoTuners is returned when nothing answered the search.
var ErrNoTuners = errors.New("discovery: no tuners found")

// SearchFunc performs one SSDP search; the default wraps ssdp.Search.
type SearchFunc func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error)

// Options configures a Discoverer.
type Options struct {
	// Target is the SSDP search type; defaults to the Tuner service URN.
	Target string
	// Wait is how long devices may take to answer. Rounded up to whole seconds.
	Wait time.Duration
	// LocalAddr binds the search socket, e.g. "192.168.1.10:0".
	LocalAddr string
	// Concurrency bounds parallel description fetches.
	Concurrency int
	// Search replaces the SSDP transport; nil uses ssdp.Search.
	Search SearchFunc
}

func (o Options) withDefaults() Options {
	if o.Target == "" {
		o.Target = upnp.Tuner.URN()
	}
	if o.Wait <= 0 {
		o.Wait = DefaultWait
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Search == nil {
		o.Search = func(searchType string, waitSec int, localAddr string) ([]ssdp.Service, error) {
			return ssdp.Search(searchType, waitSec, localAddr)
		}
	}
	return o
}

// Discoverer runs SSDP searches.
type Discoverer struct {
	opts   Options
	logger zerolog.Logger
}

// New returns a Discoverer.
func New(opts Options) *Discoverer {
	return &Discoverer{
		opts:   opts.withDefaults(),
		logger: xglog.WithComponent("discovery"),
	}
}

// Search returns the unique description locations that answered, sorted.
// The search itself is not interruptible; ctx is checked before and after.
func (d *Discoverer) Search(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	waitSec := int((d.opts.Wait + time.Second - 1) / time.Second)

	type result struct {
		services []ssdp.Service
		err      error
	}
	done := make(chan result, 1)
	go func() {
		s, err := d.opts.Search(d.opts.Target, waitSec, d.opts.LocalAddr)
		done <- result{s, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("discovery: ssdp search: %w", res.err)
	}

	seen := make(map[string]struct{}, len(res.services))
	var out []string
	for _, s := range res.services {
		if s.Location == "" {
			continue
		}
		if _, ok := seen[s.Location]; ok {
			continue
		}
		seen[s.Location] = struct{}{}
		out = append(out, s.Location)
		d.logger.Debug().Str(xglog.FieldURL, s.Location).Str("usn", s.USN).Str("server", s.Server).Msg("ssdp response")
	}
	sort.Strings(out)
	return out, nil
}

// Describe resolves every tuner at each location. A location that fails to
// resolve is logged and skipped; the error is returned only if all failed.
func (d *Discoverer) Describe(ctx context.Context, locations []string) ([]upnp.Device, error) {
	var (
		mu    sync.Mutex
		found = make(map[string][]upnp.Device, len(locations))
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for _, loc := range locations {
		g.Go(func() error {
			devs, err := upnp.ResolveTuners(gctx, loc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Warn().Err(err).Str(xglog.FieldURL, loc).Msg("description unavailable")
				errs = append(errs, err)
				return nil
			}
			found[loc] = devs
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []upnp.Device
	for _, loc := range locations {
		out = append(out, found[loc]...)
	}
	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Discover searches and resolves in one step.
func (d *Discoverer) Discover(ctx context.Context) ([]upnp.Device, error) {
	locations, err := d.Search(ctx)
	if err != nil {
		return nil, err
	}
	if len(locations) == 0 {
		return nil, ErrNoTuners
	}
	devs, err := d.Describe(ctx, locations)
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, ErrNoTuners
	}
	d.logger.Info().Int("locations", len(locations)).Int("tuners", len(devs)).Msg("discovery complete")
	return devs, nil
}
