// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_URL(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid http", "http://10.0.0.5:5000/desc.xml", false},
		{"valid https", "https://example.com", false},
		{"empty url", "", true},
		{"no host", "http://", true},
		{"invalid scheme", "ftp://example.com", true},
		{"no scheme", "example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.URL("location", tt.value, []string{"http", "https"})
			assert.Equal(t, tt.wantErr, !v.IsValid(), "%v", v.Err())
		})
	}
}

func TestValidator_Port(t *testing.T) {
	tests := []struct {
		port    int
		wantErr bool
	}{
		{1, false}, {554, false}, {65535, false}, {0, true}, {-1, true}, {65536, true},
	}
	for _, tt := range tests {
		v := New()
		v.Port("port", tt.port)
		assert.Equal(t, tt.wantErr, !v.IsValid(), "port %d", tt.port)
	}

	v := New()
	v.OptionalPort("port", 0)
	assert.True(t, v.IsValid())
}

func TestValidator_ListenAddr(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{":8091", false},
		{"0.0.0.0:0", false},
		{"localhost:9100", false},
		{"[::1]:80", false},
		{"8091", true},
		{"host.example:80", true},
		{":http", true},
		{":70000", true},
	}
	for _, tt := range tests {
		v := New()
		v.ListenAddr("addr", tt.addr)
		assert.Equal(t, tt.wantErr, !v.IsValid(), tt.addr)
	}
}

func TestValidatorAccumulates(t *testing.T) {
	v := New()
	v.NotEmpty("name", " ")
	v.OneOf("mode", "fast", []string{"grpc", "http"})
	v.Range("width", 12, 8, 16)
	v.Positive("count", 0)
	v.NonNegative("retries", -1)
	v.FloatRange("fraction", 1.5, 0, 1)
	v.Duration("timeout", time.Millisecond, time.Second, time.Minute)
	v.IP("ip", "nope")

	err := v.Err()
	require.Error(t, err)
	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	fields := make([]string, 0, len(ve.Errors()))
	for _, e := range ve.Errors() {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"name", "mode", "count", "retries", "fraction", "timeout", "ip"}, fields)
	assert.Contains(t, err.Error(), "validation failed for timeout")

	assert.NoError(t, New().Err())
}
