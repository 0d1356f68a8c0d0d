package servex

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(req *Request, res *Response) ProductionSignal { return NoBody() }

func TestRouteTable_FirstMatchWins(t *testing.T) {
	// A later, more specific route never overrides an earlier match.
	var hit string
	mk := func(name string) Handler {
		return func(req *Request, res *Response) ProductionSignal {
			hit = name
			return NoBody()
		}
	}
	table, err := buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/users/{id}", Handler: mk("param")},
		{Method: "GET", Pattern: "/users/me", Handler: mk("literal")},
	})
	require.NoError(t, err)

	rt, params, ok := table.match("GET", "/users/me")
	require.True(t, ok)
	rt.handler(nil, nil)
	assert.Equal(t, "param", hit)
	assert.Equal(t, "me", params["id"])
}

func TestRouteTable_PathParams(t *testing.T) {
	table, err := buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/path/{param}", Handler: noopHandler},
	})
	require.NoError(t, err)

	_, params, ok := table.match("GET", "/path/42")
	require.True(t, ok)
	assert.Equal(t, "42", params["param"])

	_, _, ok = table.match("GET", "/path/42/extra")
	assert.False(t, ok, "param segment must not match across slashes")
}

func TestRouteTable_Wildcard(t *testing.T) {
	table, err := buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/assets/*", Handler: noopHandler},
	})
	require.NoError(t, err)

	_, params, ok := table.match("GET", "/assets/css/site.css")
	require.True(t, ok)
	assert.Equal(t, "css/site.css", params["*"])

	_, err = buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/a/*/b", Handler: noopHandler},
	})
	assert.ErrorIs(t, err, ErrBadPattern)
}

func TestRouteTable_MethodAny(t *testing.T) {
	table, err := buildRouteTable([]RouteEntry{
		{Method: MethodAny, Pattern: "/x", Handler: noopHandler},
	})
	require.NoError(t, err)
	for _, m := range []string{"GET", "POST", "DELETE"} {
		_, _, ok := table.match(m, "/x")
		assert.True(t, ok, m)
	}
}

func TestRouteTable_DuplicateRejected(t *testing.T) {
	_, err := buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/x", Handler: noopHandler},
		{Method: "GET", Pattern: "/x", Handler: noopHandler},
	})
	assert.True(t, errors.Is(err, ErrDuplicateRoute))

	// Same pattern under a different method is not a duplicate.
	_, err = buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/x", Handler: noopHandler},
		{Method: "POST", Pattern: "/x", Handler: noopHandler},
	})
	assert.NoError(t, err)

	// Overlapping but non-identical patterns are allowed.
	_, err = buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/x/{a}", Handler: noopHandler},
		{Method: "GET", Pattern: "/x/{b}", Handler: noopHandler},
	})
	assert.NoError(t, err)
}

func TestRouteTable_NoMatch(t *testing.T) {
	table, err := buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/present", Handler: noopHandler},
	})
	require.NoError(t, err)

	_, _, ok := table.match("GET", "/missing")
	assert.False(t, ok)
	_, _, ok = table.match("POST", "/present")
	assert.False(t, ok, "method must participate in matching")
}

func TestRouteTable_CaseSensitiveLiterals(t *testing.T) {
	table, err := buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/Hello", Handler: noopHandler},
	})
	require.NoError(t, err)
	_, _, ok := table.match("GET", "/hello")
	assert.False(t, ok)
}

func TestRouteTable_RootAndValidation(t *testing.T) {
	table, err := buildRouteTable([]RouteEntry{
		{Method: "GET", Pattern: "/", Handler: noopHandler},
	})
	require.NoError(t, err)
	_, _, ok := table.match("GET", "/")
	assert.True(t, ok)

	_, err = buildRouteTable([]RouteEntry{{Method: "GET", Pattern: "nope", Handler: noopHandler}})
	assert.ErrorIs(t, err, ErrBadPattern)

	_, err = buildRouteTable([]RouteEntry{{Method: "GET", Pattern: "/x"}})
	assert.Error(t, err, "entry without handler or file must be rejected")

	_, err = buildRouteTable([]RouteEntry{{Method: "GET", Pattern: "/x", Handler: noopHandler, File: "f"}})
	assert.Error(t, err, "entry with both handler and file must be rejected")
}
