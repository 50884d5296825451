// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package gena

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// LastChange is the AVTransport variable that carries nested per-instance state.
const LastChange = "LastChange"

// ErrMalformedPayload is returned by decoders for unparseable nested payloads.
var ErrMalformedPayload = errors.New("gena: malformed payload")

// Decoder expands the raw text of one evented variable into inner named
// values. Only values for instance are returned.
type Decoder interface {
	Decode(raw, instance string) (map[string]string, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(raw, instance string) (map[string]string, error)

// Decode calls f.
func (f DecoderFunc) Decode(raw, instance string) (map[string]string, error) {
	return f(raw, instance)
}

// Registry maps variable names to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// DefaultRegistry returns a registry with the LastChange decoder installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(LastChange, DecoderFunc(DecodeLastChange))
	return r
}

// Register installs d for variable, replacing any previous decoder.
func (r *Registry) Register(variable string, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[variable] = d
}

// Lookup returns the decoder for variable.
func (r *Registry) Lookup(variable string) (Decoder, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[variable]
	return d, ok
}

type lastChangeEvent struct {
	Instances []lastChangeInstance `xml:"InstanceID"`
}

type lastChangeInstance struct {
	Val  string           `xml:"val,attr"`
	Vars []lastChangeVar `xml:",any"`
}

type lastChangeVar struct {
	XMLName xml.Name
	Val     string `xml:"val,attr"`
}

// DecodeLastChange parses an AVTransport LastChange document and returns the
// variables reported under the InstanceID matching instance. An empty
// instance selects nothing.
func DecodeLastChange(raw, instance string) (map[string]string, error) {
	out := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	var ev lastChangeEvent
	if err := xml.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, LastChange, err)
	}
	if instance == "" {
		return out, nil
	}
	for _, inst := range ev.Instances {
		if strings.TrimSpace(inst.Val) != instance {
			continue
		}
		for _, v := range inst.Vars {
			out[v.XMLName.Local] = v.Val
		}
	}
	return out, nil
}
