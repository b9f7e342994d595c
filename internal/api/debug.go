package api

import (
	hpprof "net/http/pprof"

	"github.com/gorilla/mux"
)

// mountPprof exposes the runtime profiler. Routes sit behind withAuth like
// the rest of the API.
func mountPprof(r *mux.Router) {
	d := r.PathPrefix("/debug/pprof").Subrouter()
	d.HandleFunc("/cmdline", hpprof.Cmdline)
	d.HandleFunc("/profile", hpprof.Profile)
	d.HandleFunc("/symbol", hpprof.Symbol)
	d.HandleFunc("/trace", hpprof.Trace)
	d.PathPrefix("/").HandlerFunc(hpprof.Index)
}
