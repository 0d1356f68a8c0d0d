package servex

import (
	"strings"

	"github.com/pkg/errors"
)

// MethodAny matches every request method.
const MethodAny = "ANY"

// Handler produces the response for one matched request. It is invoked
// exactly once per request and must return a ProductionSignal describing
// how the body is produced.
type Handler func(req *Request, res *Response) ProductionSignal

// RouteEntry is one structured route registration. Exactly one of Handler
// and File must be set; File routes stream the named file's contents.
type RouteEntry struct {
	Method  string
	Pattern string
	Handler Handler
	File    string
}

type routeKind int

const (
	routeComputed routeKind = iota
	routeFile
)

type segment struct {
	literal string
	param   string
	wild    bool
}

type route struct {
	method   string
	pattern  string
	segments []segment
	kind     routeKind
	handler  Handler
	file     string
}

// routeTable is an ordered, immutable-once-built route collection. Matching
// is a linear scan in registration order, first structural match wins; it
// is safe for concurrent lookup without locking.
type routeTable struct {
	routes []route
}

func buildRouteTable(entries []RouteEntry) (*routeTable, error) {
	t := &routeTable{routes: make([]route, 0, len(entries))}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		method := e.Method
		if method == "" {
			method = MethodAny
		}
		key := method + " " + e.Pattern
		if _, dup := seen[key]; dup {
			return nil, errors.Wrap(ErrDuplicateRoute, key)
		}
		seen[key] = struct{}{}
		segs, err := compilePattern(e.Pattern)
		if err != nil {
			return nil, err
		}
		rt := route{method: method, pattern: e.Pattern, segments: segs}
		switch {
		case e.Handler != nil && e.File == "":
			rt.kind = routeComputed
			rt.handler = e.Handler
		case e.Handler == nil && e.File != "":
			rt.kind = routeFile
			rt.file = e.File
		default:
			return nil, errors.Errorf("servex: route %s must set exactly one of Handler and File", key)
		}
		t.routes = append(t.routes, rt)
	}
	return t, nil
}

// compilePattern splits a pattern into match segments. Literal segments
// match case-sensitively, "{name}" binds one path segment, and a final "*"
// greedily matches the remainder of the path.
func compilePattern(p string) ([]segment, error) {
	if p == "" || p[0] != '/' {
		return nil, errors.Wrap(ErrBadPattern, p)
	}
	if p == "/" {
		return nil, nil
	}
	parts := strings.Split(p[1:], "/")
	segs := make([]segment, 0, len(parts))
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return nil, errors.Wrapf(ErrBadPattern, "%s: wildcard must be final segment", p)
			}
			segs = append(segs, segment{wild: true})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, errors.Wrapf(ErrBadPattern, "%s: empty parameter name", p)
			}
			segs = append(segs, segment{param: name})
		default:
			segs = append(segs, segment{literal: part})
		}
	}
	return segs, nil
}

// match returns the first registered route whose method and pattern match,
// with extracted path parameters. No backtracking happens after a match:
// a later, more specific route never overrides an earlier one.
func (t *routeTable) match(method, path string) (*route, map[string]string, bool) {
	segs := splitPath(path)
	for i := range t.routes {
		rt := &t.routes[i]
		if rt.method != MethodAny && rt.method != method {
			continue
		}
		if params, ok := matchSegments(rt.segments, segs); ok {
			return rt, params, true
		}
	}
	return nil, nil, false
}

func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func matchSegments(pat []segment, segs []string) (map[string]string, bool) {
	var params map[string]string
	for i, s := range pat {
		if s.wild {
			if params == nil {
				params = make(map[string]string, 1)
			}
			params["*"] = strings.Join(segs[i:], "/")
			return params, true
		}
		if i >= len(segs) {
			return nil, false
		}
		if s.param != "" {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[s.param] = segs[i]
			continue
		}
		if s.literal != segs[i] {
			return nil, false
		}
	}
	if len(segs) != len(pat) {
		return nil, false
	}
	return params, true
}
