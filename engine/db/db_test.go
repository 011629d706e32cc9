package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gameserver/engine/checker"
	"gameserver/engine/config"
	"gameserver/engine/harness"
)

func connectTemp(t *testing.T) {
	t.Helper()
	require.NoError(t, Connect("sqlite:"+filepath.Join(t.TempDir(), "results.db")))
	t.Cleanup(func() { Close() })
}

func result(team, tick int, service string, phase harness.Phase, outcome checker.Outcome) harness.Result {
	return harness.Result{
		Service:   service,
		TeamID:    team,
		Tick:      tick,
		Phase:     phase,
		Origin:    tick,
		Outcome:   outcome,
		StartedAt: time.Unix(1700000000, 0).UTC(),
		Duration:  150 * time.Millisecond,
	}
}

func TestAddTeams(t *testing.T) {
	connectTemp(t)
	conf := &config.ConfigSettings{Team: []config.Team{
		{ID: 1, Name: "alpha", IP: "10.0.1.1"},
		{ID: 2, Name: "bravo", IP: "10.0.2.1", Disabled: true},
	}}
	require.NoError(t, AddTeams(conf))

	teams, err := GetTeams()
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "alpha", teams[0].Name)
	assert.True(t, teams[0].Active)
	assert.False(t, teams[1].Active)

	// a second run updates instead of duplicating
	conf.Team[0].IP = "10.0.1.2"
	conf.Team[1].Disabled = false
	require.NoError(t, AddTeams(conf))
	teams, err = GetTeams()
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.Equal(t, "10.0.1.2", teams[0].Address)
	assert.True(t, teams[1].Active)

	// a team dropped from the config stays listed but inactive
	conf.Team = conf.Team[1:]
	conf.Team[0].Name = "bravo (renamed)"
	require.NoError(t, AddTeams(conf))
	teams, err = GetTeams()
	require.NoError(t, err)
	require.Len(t, teams, 2)
	assert.False(t, teams[0].Active)
	assert.Equal(t, "alpha", teams[0].Name)
	assert.Equal(t, "bravo (renamed)", teams[1].Name)
	assert.True(t, teams[1].Active)
}

func TestSaveAndGetResults(t *testing.T) {
	connectTemp(t)
	_, err := StartTick(1, time.Now())
	require.NoError(t, err)

	first := []harness.Result{
		result(1, 1, "notes", harness.PhaseIntegrity, checker.OutcomeOK),
		result(1, 1, "notes", harness.PhaseStore, checker.OutcomeMumble),
		result(2, 1, "notes", harness.PhaseIntegrity, checker.OutcomeOffline),
	}
	first[1].Message = "invalid status code 500"
	first[1].Log = "GET / 500"
	require.NoError(t, SaveResults(1, first))

	rows, err := GetResults(ResultFilter{TeamID: 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	got := rows[1].Result()
	assert.True(t, first[1].StartedAt.Equal(got.StartedAt))
	got.StartedAt = first[1].StartedAt
	assert.Equal(t, first[1], got)

	// running the tick again replaces its results
	require.NoError(t, SaveResults(1, first[:1]))
	tick := 1
	rows, err = GetResults(ResultFilter{Tick: &tick})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, SaveResults(2, []harness.Result{result(2, 2, "kv", harness.PhaseRetrieve, checker.OutcomeFlagMissing)}))
	latest, rows, err := GetLatestResults()
	require.NoError(t, err)
	assert.Equal(t, 2, latest)
	require.Len(t, rows, 1)
	assert.Equal(t, string(checker.OutcomeFlagMissing), rows[0].Outcome)

	rows, err = GetResults(ResultFilter{Service: "kv"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestTicksAndReset(t *testing.T) {
	connectTemp(t)

	_, ok, err := GetLastTick()
	require.NoError(t, err)
	assert.False(t, ok)

	for i := range 3 {
		_, err := StartTick(i, time.Now())
		require.NoError(t, err)
		require.NoError(t, EndTick(i, time.Now()))
	}
	// restarting a tick does not duplicate it
	_, err = StartTick(2, time.Now())
	require.NoError(t, err)

	last, ok, err := GetLastTick()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, last.Number)

	require.NoError(t, SetEngineState(true, 3))
	state, err := GetEngineState()
	require.NoError(t, err)
	assert.True(t, state.Paused)
	assert.Equal(t, 3, state.NextTick)

	require.NoError(t, SaveResults(2, []harness.Result{result(1, 2, "notes", harness.PhaseStore, checker.OutcomeOK)}))
	require.NoError(t, ResetResults())

	_, ok, err = GetLastTick()
	require.NoError(t, err)
	assert.False(t, ok)
	_, rows, err := GetLatestResults()
	require.NoError(t, err)
	assert.Empty(t, rows)
	state, err = GetEngineState()
	require.NoError(t, err)
	assert.Equal(t, EngineStateSchema{}, state)
}
