// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package upnp

import (
	"context"
	"fmt"
	"sync"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/huin/goupnp"
	"github.com/huin/goupnp/scpd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// SchemaCache fetches and caches service descriptions (SCPD) so that action
// and argument names can be checked before a request is sent. A service whose
// description cannot be fetched is not validated.
type SchemaCache struct {
	logger zerolog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	schemas map[string]*scpd.SCPD
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{
		logger:  xglog.WithComponent("upnp.schema"),
		schemas: make(map[string]*scpd.SCPD),
	}
}

// Validate checks that action exists on the endpoint's service and that every
// param is one of its input arguments.
func (c *SchemaCache) Validate(ctx context.Context, ep ServiceEndpoint, action string, params []Param) error {
	desc := c.load(ctx, ep)
	if desc == nil {
		return nil
	}
	a := desc.GetAction(action)
	if a == nil {
		return fmt.Errorf("%w: %s has no action %s", ErrSchemaMismatch, ep.Kind, action)
	}
	inputs := make(map[string]struct{})
	for _, arg := range a.InputArguments() {
		inputs[arg.Name] = struct{}{}
	}
	for _, p := range params {
		if _, ok := inputs[p.Name]; !ok {
			return fmt.Errorf("%w: %s.%s has no input %s", ErrSchemaMismatch, ep.Kind, action, p.Name)
		}
	}
	return nil
}

func (c *SchemaCache) load(ctx context.Context, ep ServiceEndpoint) *scpd.SCPD {
	if ep.SCPDURL.Host == "" {
		return nil
	}
	key := ep.SCPDURL.String()

	c.mu.RLock()
	desc, cached := c.schemas[key]
	c.mu.RUnlock()
	if cached {
		return desc
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		svc := goupnp.Service{
			ServiceType: ep.ServiceType,
			SCPDURL:     goupnp.URLField{URL: ep.SCPDURL, Ok: true, Str: key},
		}
		desc, err := svc.RequestSCPDCtx(ctx)
		if err != nil {
			c.logger.Warn().Err(err).
				Str(xglog.FieldService, string(ep.Kind)).
				Str(xglog.FieldURL, key).
				Msg("service description unavailable, skipping argument validation")
			desc = nil
		} else {
			desc.Clean()
		}
		c.mu.Lock()
		c.schemas[key] = desc
		c.mu.Unlock()
		return desc, nil
	})
	desc, _ = v.(*scpd.SCPD)
	return desc
}
