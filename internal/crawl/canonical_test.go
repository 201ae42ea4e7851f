package crawl

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBase(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare domain", in: "acme.com", want: "https://acme.com/"},
		{name: "http preserved", in: "http://acme.com/about", want: "http://acme.com/about"},
		{name: "whitespace trimmed", in: "  acme.com  ", want: "https://acme.com/"},
		{name: "empty", in: "", wantErr: true},
		{name: "no host", in: "https://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBase(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "lowercases scheme and host", in: "HTTPS://ACME.Com/About", want: "https://acme.com/About"},
		{name: "strips fragment", in: "https://acme.com/about#team", want: "https://acme.com/about"},
		{name: "sorts query keys", in: "https://acme.com/p?b=2&a=1", want: "https://acme.com/p?a=1&b=2"},
		{name: "drops default https port", in: "https://acme.com:443/x", want: "https://acme.com/x"},
		{name: "adds root path", in: "https://acme.com", want: "https://acme.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSameScope(t *testing.T) {
	base, _ := url.Parse("https://www.acme.com/")

	same := []string{"https://acme.com/x", "https://blog.acme.com/post", "https://WWW.ACME.COM/y"}
	for _, s := range same {
		u, _ := url.Parse(s)
		assert.True(t, SameScope(base, u), s)
	}

	other := []string{"https://acme.io/", "https://notacme.com/", "https://example.com/acme.com"}
	for _, s := range other {
		u, _ := url.Parse(s)
		assert.False(t, SameScope(base, u), s)
	}
}

func TestRegistrableDomainTwoPartSuffix(t *testing.T) {
	assert.Equal(t, "acme.co.uk", registrableDomain("www.acme.co.uk"))
	assert.Equal(t, "acme.com", registrableDomain("deep.sub.acme.com"))
	assert.Equal(t, "acme.com", registrableDomain("acme.com:8080"))
}
