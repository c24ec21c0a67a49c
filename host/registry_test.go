package host

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterrors "github.com/wippyai/embed-runtime/errors"
)

type mathHost struct{}

func (mathHost) Package() string {
	return "host.math"
}

func (mathHost) Abs(x float64) float64 {
	return math.Abs(x)
}

func (mathHost) ParseHTTPCode(s string) int64 {
	return int64(len(s))
}

func (mathHost) Divide(a, b int64) (int64, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

type explicitHost struct{}

func (explicitHost) Package() string { return "host.text" }
func (explicitHost) Register() map[string]any {
	return map[string]any{
		"upper": func(s string) string { return s },
	}
}

type emptyHost struct{}

func (emptyHost) Package() string { return "host.empty" }

func TestRegisterHost(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterHost(mathHost{}))

	assert.Equal(t, []string{"abs", "divide", "parse_http_code"}, reg.MemberNames("host.math"))

	fn, ok := reg.Member("host.math", "abs")
	require.True(t, ok)
	got, err := Invoke(fn, []any{-2.5})
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)

	_, ok = reg.Member("host.math", "package")
	assert.False(t, ok)
}

func TestRegisterHost_Explicit(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterHost(explicitHost{}))
	assert.Equal(t, []string{"upper"}, reg.MemberNames("host.text"))
}

func TestRegisterHost_Errors(t *testing.T) {
	reg := NewRegistry()

	err := reg.RegisterHost(emptyHost{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &rterrors.Error{Kind: rterrors.KindRegistration}))
}

func TestRegisterFunc(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.RegisterFunc("host", "twice", func(x int64) int64 { return x * 2 }))

	tests := []struct {
		name string
		pkg  string
		fn   any
		kind rterrors.Kind
	}{
		{"empty package", "", func() {}, rterrors.KindInvalidInput},
		{"bad package", "host..x", func() {}, rterrors.KindInvalidInput},
		{"bad member", "host", func() {}, rterrors.KindInvalidInput},
		{"not a function", "host", 42, rterrors.KindRegistration},
		{"nil handler", "host", nil, rterrors.KindRegistration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := "f"
			if tt.name == "bad member" {
				name = "1f"
			}
			err := reg.RegisterFunc(tt.pkg, name, tt.fn)
			var e *rterrors.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.kind, e.Kind)
		})
	}
}

func TestEnquirer(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterValue("host.math", "pi", math.Pi))
	require.NoError(t, reg.RegisterValue("host.math.stats", "n", 3))
	require.NoError(t, reg.RegisterValue("host.math.linalg.dense", "n", 4))
	require.NoError(t, reg.RegisterValue("hostile", "x", 1))

	assert.True(t, reg.IsPackage("host"))
	assert.True(t, reg.IsPackage("host.math"))
	assert.True(t, reg.IsPackage("host.math.linalg"))
	assert.False(t, reg.IsPackage("host.mat"))
	assert.False(t, reg.IsPackage(""))
	assert.False(t, reg.IsPackage("os"))

	assert.Equal(t, []string{"math"}, reg.SubPackages("host"))
	assert.Equal(t, []string{"linalg", "stats"}, reg.SubPackages("host.math"))
	assert.Empty(t, reg.SubPackages("host.math.stats"))

	assert.Equal(t, []string{"pi"}, reg.MemberNames("host.math"))
	assert.Empty(t, reg.MemberNames("host"))

	v, ok := reg.Member("host.math", "pi")
	require.True(t, ok)
	assert.Equal(t, math.Pi, v)

	assert.Equal(t, []string{"host.math", "host.math.linalg.dense", "host.math.stats", "hostile"}, reg.Packages())
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"Abs", "abs"},
		{"ParseInt", "parse_int"},
		{"GetHTTPURL", "get_httpurl"},
		{"GetHTTPResponse", "get_http_response"},
		{"ID", "id"},
		{"already_snake", "already_snake"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, toSnakeCase(tt.in))
		})
	}
}
