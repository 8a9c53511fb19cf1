package stubgen

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	out, err := Generate("testdata/chatter.go", nil, Options{Interface: "Chatter"})
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "Chatter", out)
}

func TestGenerate_WireName(t *testing.T) {
	src := []byte(`package p

type Ping interface {
	Ping(n int)
}
`)
	out, err := Generate("ping.go", src, Options{Interface: "Ping", Name: "acme.Ping"})
	require.NoError(t, err)
	require.Contains(t, string(out), `return m2mi.MustDescribe[Ping](m2mi.WithName("acme.Ping"))`)
	require.Contains(t, string(out), `func (stub *PingSingle) Ping(n int) {`)
	require.Contains(t, string(out), `m2mi.RegisterStub(DescribePing(), func(h m2mi.Handle) any {`)
	require.Contains(t, string(out), `return &PingSingle{h}`)
}

func TestGenerate_Rejects(t *testing.T) {
	cases := []struct {
		name  string
		iface string
		src   string
		err   error
	}{
		{"not found", "Missing", "package p\n", ErrNotFound},
		{"not an interface", "notAnInterface", "package p\ntype notAnInterface struct{}\n", ErrUnsupported},
		{"results", "WithResult", "package p\ntype WithResult interface{ Count() int }\n", ErrUnsupported},
		{"errors", "Fallible", "package p\ntype Fallible interface{ Do() error }\n", ErrUnsupported},
		{"empty", "Empty", "package p\ntype Empty interface{}\n", ErrUnsupported},
		{"generic", "Box", "package p\ntype Box[T any] interface{ Put(v T) }\n", ErrUnsupported},
		{"foreign embed", "Closer", "package p\nimport \"io\"\ntype Closer interface{ io.Closer }\n", ErrUnsupported},
		{"unknown embed", "Outer", "package p\ntype Outer interface{ Inner }\n", ErrNotFound},
		{"unresolved package", "Clock", "package p\ntype Clock interface{ Set(t time.Time) }\n", ErrUnsupported},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Generate("p.go", []byte(tc.src), Options{Interface: tc.iface})
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestPackageName(t *testing.T) {
	require.Equal(t, "yaml", packageName("gopkg.in/yaml.v3"))
	require.Equal(t, "codec", packageName("github.com/hashicorp/go-msgpack/v2/codec"))
	require.Equal(t, "metrics", packageName("github.com/hashicorp/go-metrics"))
	require.Equal(t, "quic", packageName("github.com/quic-go/quic-go"))
	require.Equal(t, "goldie", packageName("github.com/sebdah/goldie/v2"))
}
