package db

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rover/internal/httputil"
)

// AttachAdminRoutes mounts a tailsql console over the run database and JSON
// views of runs, fixes and findings under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://rover.db", db.DB, &tailsql.DBOptions{
		Label: "Rover runs",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("runs", "recent runs with fixes and findings (?run_id=)", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("run_id"); id != "" {
			fixes, err := db.Fixes(id)
			if err != nil {
				httputil.InternalServerError(w, err)
				return
			}
			findings, err := db.Findings(id)
			if err != nil {
				httputil.InternalServerError(w, err)
				return
			}
			httputil.WriteJSON(w, http.StatusOK, map[string]any{"run_id": id, "fixes": fixes, "findings": findings})
			return
		}

		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				httputil.BadRequest(w, "invalid limit")
				return
			}
			limit = n
		}
		runs, err := db.Runs(limit)
		if err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, runs)
	})
	return nil
}
