package sse

import (
	"net/http"
	hpprof "net/http/pprof"
)

const pprofPrefix = "/debug/pprof/"

// mountPprof exposes the runtime profiles behind the same auth as the API.
// pprof.Index resolves named profiles (heap, goroutine, ...) from the path.
func (s *Server) mountPprof(mux *http.ServeMux) {
	mux.HandleFunc("GET "+pprofPrefix, s.withAuth(hpprof.Index))
	mux.HandleFunc("GET "+pprofPrefix+"cmdline", s.withAuth(hpprof.Cmdline))
	mux.HandleFunc("GET "+pprofPrefix+"profile", s.withAuth(hpprof.Profile))
	mux.HandleFunc("GET "+pprofPrefix+"symbol", s.withAuth(hpprof.Symbol))
	mux.HandleFunc("POST "+pprofPrefix+"symbol", s.withAuth(hpprof.Symbol))
	mux.HandleFunc("GET "+pprofPrefix+"trace", s.withAuth(hpprof.Trace))
}
