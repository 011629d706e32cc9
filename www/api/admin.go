package api

import (
	"log/slog"
	"net/http"

	"gameserver/engine/db"
	"gameserver/engine/harness"
)

func PauseEngine(w http.ResponseWriter, r *http.Request) {
	slog.Debug("pause engine requested", "wasEnginePausedWhenRequestIssued", eng.IsEnginePaused())
	if eng.IsEnginePaused() {
		writeError(w, http.StatusBadRequest, "engine already paused")
		return
	}
	eng.PauseEngine()
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func ResumeEngine(w http.ResponseWriter, r *http.Request) {
	slog.Debug("resume engine requested", "wasEnginePausedWhenRequestIssued", eng.IsEnginePaused())
	if !eng.IsEnginePaused() {
		writeError(w, http.StatusBadRequest, "engine is running")
		return
	}
	eng.ResumeEngine()
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func ResetEngine(w http.ResponseWriter, r *http.Request) {
	slog.Debug("reset results requested")
	if err := eng.ResetEngine(); err != nil {
		slog.Error("failed to reset engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset engine")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func GetEngine(w http.ResponseWriter, r *http.Request) {
	lastTick, ok, err := db.GetLastTick()
	if err != nil {
		slog.Error("failed to get last tick", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get last tick")
		return
	}
	var last any
	if ok {
		last = lastTick
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"last_tick": last,
		"status":    eng.GetStatus(),
		"services":  len(eng.Harness.Entries()),
		"teams":     len(conf.ActiveTeams()),
	})
}

// GetResults lists stored results including unit logs.
// Filters: ?tick=N&team_id=N&service=NAME&limit=N.
func GetResults(w http.ResponseWriter, r *http.Request) {
	var filter db.ResultFilter
	tick, ok, err := queryInt(r, "tick")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ok {
		filter.Tick = &tick
	}
	if filter.TeamID, _, err = queryInt(r, "team_id"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Limit, _, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Limit == 0 || filter.Limit > 5000 {
		filter.Limit = 5000
	}
	filter.Service = r.URL.Query().Get("service")

	rows, err := db.GetResults(filter)
	if err != nil {
		slog.Error("failed to get results", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get results")
		return
	}
	results := make([]harness.Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, row.Result())
	}
	WriteJSON(w, http.StatusOK, results)
}
