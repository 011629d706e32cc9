package api

import (
	"errors"
	"log/slog"
	"net/http"

	"gameserver/engine"
	"gameserver/engine/checker"
	"gameserver/engine/db"
)

// GetFlagIDs lists the flag ids attackers may know. ?tick=N defaults to the
// current tick.
func GetFlagIDs(w http.ResponseWriter, r *http.Request) {
	tick, ok, err := queryInt(r, "tick")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		tick = eng.GetStatus().Tick
	}

	ids, err := eng.FlagIDs(r.Context(), tick)
	if errors.Is(err, engine.ErrFutureTick) {
		writeError(w, http.StatusBadRequest, "tick has not started")
		return
	}
	if err != nil {
		slog.Error("failed to list flag ids", "tick", tick, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list flag ids")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"tick":     tick,
		"services": ids,
	})
}

type publicResult struct {
	TeamID  uint   `json:"team_id"`
	Service string `json:"service"`
	Phase   string `json:"phase"`
	Origin  int    `json:"origin"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

type publicTeam struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// GetStatus shows the outcomes of the newest tick. Unit logs stay admin only.
func GetStatus(w http.ResponseWriter, r *http.Request) {
	tick, rows, err := db.GetLatestResults()
	if err != nil {
		slog.Error("failed to get latest results", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get results")
		return
	}
	teams, err := db.GetTeams()
	if err != nil {
		slog.Error("failed to get teams", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get teams")
		return
	}

	results := make([]publicResult, 0, len(rows))
	for _, row := range rows {
		msg := row.Message
		// a crash message can carry checker internals, admins still see it
		if checker.Outcome(row.Outcome) == checker.OutcomeCrashed {
			msg = "internal error"
		}
		results = append(results, publicResult{
			TeamID:  row.TeamID,
			Service: row.Service,
			Phase:   row.Phase,
			Origin:  row.Origin,
			Outcome: row.Outcome,
			Message: msg,
		})
	}
	publicTeams := make([]publicTeam, 0, len(teams))
	for _, t := range teams {
		if t.Active {
			publicTeams = append(publicTeams, publicTeam{ID: t.ID, Name: t.Name})
		}
	}

	status := eng.GetStatus()
	WriteJSON(w, http.StatusOK, map[string]any{
		"event":   conf.RequiredSettings.EventName,
		"tick":    tick,
		"running": !status.Paused,
		"teams":   publicTeams,
		"results": results,
	})
}
