// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ManuGH/dctd/internal/tuning"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const lineupTimeout = 10 * time.Second

// lineupClient reads the lineup once per start, so connections are not kept.
var lineupClient = func() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DisableKeepAlives = true
	return &http.Client{Timeout: lineupTimeout, Transport: otelhttp.NewTransport(tr)}
}()

// ReadLineup parses a lineup.xml from an http(s) URL or a local file.
func ReadLineup(ctx context.Context, source string) ([]tuning.Channel, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		f, err := os.Open(source)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return tuning.ParseLineup(f)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := lineupClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch lineup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch lineup: %s", resp.Status)
	}
	return tuning.ParseLineup(resp.Body)
}

// observeLineup reads the configured lineup into the orchestrator. A missing
// or broken lineup only leaves the channel policy at its request-time checks.
func (t *Tuner) observeLineup(ctx context.Context, source string) {
	if source == "" {
		return
	}
	channels, err := ReadLineup(ctx, source)
	if err != nil {
		t.logger.Warn().Err(err).Str("lineup", source).Msg("tuner lineup unavailable")
		return
	}
	t.Orchestrator.ObserveLineup(channels)
	t.logger.Info().Str("lineup", source).Int("channels", len(channels)).Msg("tuner lineup read")
}
