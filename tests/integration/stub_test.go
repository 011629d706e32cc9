package integration

import (
	"context"

	"gameserver/engine/checker"
	"gameserver/engine/config"
)

// vault stores one flag per tick and reads it back from the state store.
type vault struct{ *checker.Service }

func init() {
	checker.Register("integrationvault", func(s *checker.Service) (checker.Checker, error) {
		return &vault{s}, nil
	})
}

func (v *vault) CheckIntegrity(context.Context, checker.Team, int) error { return nil }

func (v *vault) StoreFlags(ctx context.Context, team checker.Team, tick int) error {
	if _, err := v.FlagID(ctx, team, tick, 0); err != nil {
		return err
	}
	return v.StoreValue(ctx, team, tick, "flag", v.Flag(team, tick, 0))
}

func (v *vault) RetrieveFlags(ctx context.Context, team checker.Team, tick int) error {
	var got string
	if err := v.LoadOrFlagMissing(ctx, team, tick, "flag", &got); err != nil {
		return err
	}
	return checker.AssertEquals(v.Flag(team, tick, 0), got)
}

func eventConfig(mode, dbURL string) *config.ConfigSettings {
	return &config.ConfigSettings{
		RequiredSettings: config.RequiredConfig{
			EventName:    "Integration",
			BindAddress:  "127.0.0.1",
			FlagSecret:   "integration secret",
			DBConnectURL: dbURL,
		},
		MiscSettings: config.MiscConfig{
			Mode:           mode,
			Delay:          1,
			Timeout:        5,
			RetrieveWindow: 2,
			FlagLifetime:   5,
			FlagPrefix:     "FLAG",
		},
		Team: []config.Team{
			{ID: 1, Name: "alpha", IP: "127.0.0.1"},
			{ID: 2, Name: "bravo", IP: "127.0.0.2"},
		},
		Service: []checker.ServiceConfig{
			{Name: "vault", Checker: "integrationvault", ServiceID: 7, FlagIDs: []string{"alphanum12"}},
		},
	}
}
