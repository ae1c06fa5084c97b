package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestValidateEndpoint(t *testing.T) {
	r := staticResolver{
		"relay.example.com":    {netip.MustParseAddr("93.184.216.34")},
		"internal.example.com": {netip.MustParseAddr("93.184.216.34"), netip.MustParseAddr("10.1.2.3")},
	}
	tests := []struct {
		name    string
		url     string
		blocked bool
		wantErr bool
	}{
		{"public host", "https://relay.example.com/hook", false, false},
		{"public literal", "http://93.184.216.34:8080/", false, false},
		{"scheme", "ftp://relay.example.com/", false, true},
		{"no host", "https:///path", false, true},
		{"localhost", "http://LOCALHOST/hook", true, true},
		{"metadata", "http://metadata.google.internal/", true, true},
		{"loopback", "http://127.0.0.1/", true, true},
		{"private", "http://192.168.1.10/", true, true},
		{"link local", "http://169.254.169.254/latest", true, true},
		{"mapped loopback", "http://[::ffff:127.0.0.1]/", true, true},
		{"resolves internal", "https://internal.example.com/", true, true},
		{"unresolvable", "https://missing.example.com/", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEndpoint(context.Background(), r, tt.url)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tt.blocked, errors.Is(err, ErrBlockedAddress))
		})
	}
}

func TestSafeDialer_Control(t *testing.T) {
	d := SafeDialer(0)
	assert.ErrorIs(t, d.Control("tcp", "127.0.0.1:443", nil), ErrBlockedAddress)
	assert.ErrorIs(t, d.Control("tcp", "[fe80::1]:443", nil), ErrBlockedAddress)
	assert.NoError(t, d.Control("tcp", "93.184.216.34:443", nil))
}
