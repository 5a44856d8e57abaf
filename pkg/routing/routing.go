// Package routing provides the request multiplexer used by the web server.
package routing

import (
	"net/http"
	"path"
	"strings"
)

// NormalizedServeMux is an http.ServeMux that cleans repeated slashes out of
// request paths before matching, so "//jobs//abc" reaches the "/jobs/{id}"
// handler instead of being redirected.
type NormalizedServeMux struct {
	*http.ServeMux
}

// Route binds a method-qualified pattern such as "GET /jobs/{id}" to a
// handler.
type Route struct {
	Pattern string
	Handler http.HandlerFunc
}

func NewNormalizedServeMux() *NormalizedServeMux {
	return &NormalizedServeMux{http.NewServeMux()}
}

// HandleRoutes registers every route on the mux.
func (nm *NormalizedServeMux) HandleRoutes(routes []Route) {
	for _, route := range routes {
		nm.HandleFunc(route.Pattern, route.Handler)
	}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		normalizedPath := path.Clean(r.URL.Path)
		r.URL.Path = normalizedPath
	}

	nm.ServeMux.ServeHTTP(w, r)
}
