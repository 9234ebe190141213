package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsolutize(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		base string
		want string
	}{
		{"absolute http", "http://other/seg.ts", "http://origin/path/live.m3u8", "http://other/seg.ts"},
		{"absolute https uppercase", "HTTPS://other/seg.ts", "http://origin/path/live.m3u8", "HTTPS://other/seg.ts"},
		{"path relative", "segment1.ts", "http://origin/path/live.m3u8", "http://origin/path/segment1.ts"},
		{"path relative nested", "720p/index.m3u8", "https://cdn.example.com/a/b/master.m3u8", "https://cdn.example.com/a/b/720p/index.m3u8"},
		{"root relative", "/keys/k.bin", "http://origin/path/live.m3u8", "http://origin/keys/k.bin"},
		{"root relative keeps port", "/seg.ts", "http://origin:8080/path/live.m3u8", "http://origin:8080/seg.ts"},
		{"protocol relative", "//cdn.example.com/seg.ts", "https://origin/path/live.m3u8", "https://cdn.example.com/seg.ts"},
		{"base query ignored", "seg.ts", "http://origin/path/live.m3u8?token=a/b", "http://origin/path/seg.ts"},
		{"base without path", "seg.ts", "http://origin", "http://origin/seg.ts"},
		{"dot segments kept", "../seg.ts", "http://origin/path/live.m3u8", "http://origin/path/../seg.ts"},
		{"ref with query", "seg.ts?sig=1", "http://origin/path/live.m3u8", "http://origin/path/seg.ts?sig=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Absolutize(tt.ref, tt.base))
		})
	}
}

func TestParseOrigin(t *testing.T) {
	o := ParseOrigin("https://cdn.example.com:8443/live/master.m3u8?x=1")
	assert.Equal(t, Origin{Scheme: "https", Host: "cdn.example.com", Port: "8443", Path: "/live/master.m3u8"}, o)
	assert.Equal(t, "https://cdn.example.com:8443", o.Root())

	v6 := ParseOrigin("http://[2001:db8::1]/a.m3u8")
	assert.Equal(t, "http://[2001:db8::1]", v6.Root())
}

func TestProxyBase_URL(t *testing.T) {
	b := ProxyBase{Scheme: "https", Host: "proxy.example.com", Path: "/proxy"}

	got := b.URL("http://origin/path/seg 1.ts?a=1&b=2")
	assert.Equal(t, "https://proxy.example.com/proxy?url=http%3A%2F%2Forigin%2Fpath%2Fseg%201.ts%3Fa%3D1%26b%3D2", got)
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "a%20b%2Bc~d-e_f.g", Escape("a b+c~d-e_f.g"))
}

func TestRoundTrip(t *testing.T) {
	b := ProxyBase{Scheme: "http", Host: "localhost:8000", Path: "/proxy"}
	base := "http://origin/path/live.m3u8"

	refs := []string{
		"segment1.ts",
		"/root/seg.ts",
		"sub dir/seg.ts",
		"seg.ts?token=a%2Fb&x=y",
		"key.bin#frag",
	}

	for _, ref := range refs {
		t.Run(ref, func(t *testing.T) {
			abs := Absolutize(ref, base)
			decoded, err := Target(b.URL(abs))
			require.NoError(t, err)
			assert.Equal(t, abs, decoded)
			assert.Equal(t, abs, Absolutize(decoded, ""))
		})
	}
}

func TestParseProxyBase(t *testing.T) {
	b, err := ParseProxyBase("https://media.example.com/hls/proxy?ignored=1")
	require.NoError(t, err)
	assert.Equal(t, ProxyBase{Scheme: "https", Host: "media.example.com", Path: "/hls/proxy"}, b)
	assert.Equal(t, "https://media.example.com/hls/proxy", b.String())

	_, err = ParseProxyBase("ftp://media.example.com/proxy")
	assert.Error(t, err)

	_, err = ParseProxyBase("/proxy")
	assert.Error(t, err)
}

func TestTarget_MissingParam(t *testing.T) {
	_, err := Target("http://localhost/proxy?other=1")
	assert.Error(t, err)
}
