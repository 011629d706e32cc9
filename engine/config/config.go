package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"gameserver/engine/checker"
	"gameserver/engine/harness"
)

var (
	supportedModes = []string{"local", "distributed"} // golang doesn't have constant arrays :/
)

const (
	ModeLocal       = "local"
	ModeDistributed = "distributed"
)

type ConfigSettings struct {
	// General engine settings
	RequiredSettings RequiredConfig `toml:"RequiredSettings,omitempty" json:"RequiredSettings,omitempty" koanf:"required"`

	// Task queue for distributed mode
	RedisSettings RedisConfig `toml:"RedisSettings,omitempty" json:"RedisSettings,omitempty" koanf:"redis"`

	// Optional settings
	SslSettings SslConfig `toml:"SslSettings,omitempty" json:"SslSettings,omitempty" koanf:"ssl"`

	MiscSettings MiscConfig `toml:"MiscSettings,omitempty" json:"MiscSettings,omitempty" koanf:"misc"`

	MissingPolicy MissingConfig `toml:"MissingPolicy,omitempty" json:"MissingPolicy,omitempty" koanf:"missing"`

	Admin   []Admin                 `koanf:"-"`
	Team    []Team                  `koanf:"-"`
	Service []checker.ServiceConfig `koanf:"-"`
}

type RequiredConfig struct {
	EventName    string `koanf:"eventname"`
	DBConnectURL string `koanf:"dbconnecturl"`
	BindAddress  string `koanf:"bindaddress"`
	// FlagSecret keys the flag MAC. Changing it invalidates every flag issued so far.
	FlagSecret string `json:"-" koanf:"flagsecret"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `json:"-" koanf:"password"`
	DB       int    `koanf:"db"`
}

type SslConfig struct {
	HttpsCert string `toml:"httpscert,omitempty" json:"httpscert,omitempty" koanf:"httpscert"`
	HttpsKey  string `toml:"httpskey,omitempty" json:"httpskey,omitempty" koanf:"httpskey"`
}

type MiscConfig struct {
	Port    int    `koanf:"port"`
	LogFile string `koanf:"logfile"`

	StartPaused bool   `koanf:"startpaused"`
	Mode        string `koanf:"mode"`

	// Tick settings, seconds
	Delay  int `koanf:"delay"`
	Jitter int `koanf:"jitter"`

	// Defaults for checkers, seconds
	Timeout        int `koanf:"timeout"`
	ConnectTimeout int `koanf:"connecttimeout"`

	Workers        int    `koanf:"workers"`
	RetrieveWindow int    `koanf:"retrievewindow"`
	FlagLifetime   int    `koanf:"flaglifetime"`
	FlagPrefix     string `koanf:"flagprefix"`

	// TeamAddress derives a team's IP when it has none; "_" becomes the team id
	TeamAddress string `koanf:"teamaddress"`

	// StoreURL holds checker state, see store.Open. Defaults to DBConnectURL.
	StoreURL string `koanf:"storeurl"`

	// JWTSecret signs admin tokens. Generated per start when empty.
	JWTSecret string `json:"-" koanf:"jwtsecret"`
}

type MissingConfig struct {
	Retries          int  `koanf:"retries"`
	RetryDelay       int  `koanf:"retrydelay"` // milliseconds
	AnnotateUnstored bool `koanf:"annotateunstored"`
}

type Admin struct {
	Name string
	Pw   string
}

type Team struct {
	ID       int
	Name     string
	IP       string
	Disabled bool
}

func (t Team) Checker() checker.Team {
	return checker.Team{ID: t.ID, Name: t.Name, Address: t.IP}
}

// ActiveTeams returns the teams checkers run against, ordered by id.
func (conf *ConfigSettings) ActiveTeams() []checker.Team {
	out := make([]checker.Team, 0, len(conf.Team))
	for _, t := range conf.Team {
		if !t.Disabled {
			out = append(out, t.Checker())
		}
	}
	return out
}

// HarnessConfig translates the tick and checker settings for the harness.
func (conf *ConfigSettings) HarnessConfig() harness.Config {
	return harness.Config{
		Timeout:        time.Duration(conf.MiscSettings.Timeout) * time.Second,
		ConnectTimeout: time.Duration(conf.MiscSettings.ConnectTimeout) * time.Second,
		Workers:        conf.MiscSettings.Workers,
		RetrieveWindow: conf.MiscSettings.RetrieveWindow,
		Missing: harness.MissingPolicy{
			Retries:          conf.MissingPolicy.Retries,
			RetryDelay:       time.Duration(conf.MissingPolicy.RetryDelay) * time.Millisecond,
			AnnotateUnstored: conf.MissingPolicy.AnnotateUnstored,
		},
	}
}

// Load in a config
func (conf *ConfigSettings) SetConfig(path string) error {
	tempConf := ConfigSettings{}
	fileContent, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("configuration file (%s) not found: %w", path, err)
	}

	if md, err := toml.Decode(string(fileContent), &tempConf); err != nil {
		return err
	} else {
		for _, undecoded := range md.Undecoded() {
			slog.Warn("undecoded configuration key \"" + undecoded.String() + "\" will not be used.")
		}
	}

	// a .env next to the config never overrides the real environment
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&tempConf); err != nil {
		return err
	}

	// check the configuration and set defaults
	if err := checkConfig(&tempConf); err != nil {
		return fmt.Errorf("configuration file (%s) is invalid: %w", path, err)
	}

	// if we're here, the config is valid
	*conf = tempConf

	return nil
}

// general error checking
func checkConfig(conf *ConfigSettings) error {
	var errResult error

	// required settings

	if conf.RequiredSettings.EventName == "" {
		errResult = errors.Join(errResult, errors.New("event title blank or not specified"))
	}

	if conf.RequiredSettings.DBConnectURL == "" {
		errResult = errors.Join(errResult, errors.New("no db connect url specified"))
	}

	if conf.RequiredSettings.BindAddress == "" {
		errResult = errors.Join(errResult, errors.New("no bind address specified"))
	}

	if len(conf.RequiredSettings.FlagSecret) < 16 {
		errResult = errors.Join(errResult, errors.New("flag secret must be at least 16 characters"))
	}

	for _, admin := range conf.Admin {
		if admin.Name == "" || admin.Pw == "" {
			errResult = errors.Join(errResult, errors.New("admin "+admin.Name+" missing required property"))
		}
	}

	// optional settings

	if conf.MiscSettings.Mode == "" {
		conf.MiscSettings.Mode = ModeLocal
	}
	if !slices.Contains(supportedModes, conf.MiscSettings.Mode) {
		errResult = errors.Join(errResult, errors.New("not a valid mode: "+conf.MiscSettings.Mode))
	}
	if conf.MiscSettings.Mode == ModeDistributed && conf.RedisSettings.Addr == "" {
		errResult = errors.Join(errResult, errors.New("distributed mode requires a redis address"))
	}

	if conf.MiscSettings.Delay == 0 {
		conf.MiscSettings.Delay = 60
	}

	if conf.MiscSettings.Jitter == 0 {
		conf.MiscSettings.Jitter = 5
	}

	if conf.SslSettings != (SslConfig{}) {
		if conf.SslSettings.HttpsCert == "" || conf.SslSettings.HttpsKey == "" {
			errResult = errors.Join(errResult, errors.New("https requires a cert and key pair"))
		}
	}

	if conf.MiscSettings.Port == 0 {
		if conf.SslSettings != (SslConfig{}) {
			conf.MiscSettings.Port = 443
		} else {
			conf.MiscSettings.Port = 80
		}
	}

	if conf.MiscSettings.Jitter >= conf.MiscSettings.Delay {
		errResult = errors.Join(errResult, errors.New("jitter must be smaller than delay"))
	}

	if conf.MiscSettings.Timeout == 0 {
		conf.MiscSettings.Timeout = conf.MiscSettings.Delay / 2
	}
	if conf.MiscSettings.Timeout >= conf.MiscSettings.Delay-conf.MiscSettings.Jitter {
		errResult = errors.Join(errResult, errors.New("timeout must be smaller than delay minus jitter"))
	}

	if conf.MiscSettings.ConnectTimeout == 0 {
		conf.MiscSettings.ConnectTimeout = min(7, conf.MiscSettings.Timeout)
	}
	if conf.MiscSettings.ConnectTimeout > conf.MiscSettings.Timeout {
		errResult = errors.Join(errResult, errors.New("connect timeout must not exceed timeout"))
	}

	if conf.MiscSettings.Workers == 0 {
		conf.MiscSettings.Workers = 16
	}
	if conf.MiscSettings.Workers < 0 {
		errResult = errors.Join(errResult, errors.New("workers must be positive"))
	}

	if conf.MiscSettings.FlagLifetime == 0 {
		conf.MiscSettings.FlagLifetime = checker.DefaultFlagLifetime
	}
	if conf.MiscSettings.RetrieveWindow == 0 {
		conf.MiscSettings.RetrieveWindow = 1
	}
	if conf.MiscSettings.RetrieveWindow < 0 || conf.MiscSettings.RetrieveWindow > conf.MiscSettings.FlagLifetime {
		errResult = errors.Join(errResult, errors.New("retrieve window must be between 1 and the flag lifetime"))
	}

	if conf.MiscSettings.FlagPrefix == "" {
		conf.MiscSettings.FlagPrefix = "FLAG"
	}

	if conf.MiscSettings.StoreURL == "" {
		conf.MiscSettings.StoreURL = conf.RequiredSettings.DBConnectURL
	}
	if conf.MiscSettings.Mode == ModeDistributed && strings.HasPrefix(conf.MiscSettings.StoreURL, "memory:") {
		errResult = errors.Join(errResult, errors.New("distributed mode cannot use an in-memory store"))
	}

	if conf.MiscSettings.JWTSecret == "" {
		conf.MiscSettings.JWTSecret = uuid.NewString()
	}

	if conf.MissingPolicy.Retries < 0 || conf.MissingPolicy.RetryDelay < 0 {
		errResult = errors.Join(errResult, errors.New("missing policy retries and delay must not be negative"))
	}

	// =======================================
	// teams
	sort.SliceStable(conf.Team, func(i, j int) bool {
		return conf.Team[i].ID < conf.Team[j].ID
	})

	teamIDs := make(map[int]bool)
	teamNames := make(map[string]bool)
	for i, team := range conf.Team {
		if team.ID <= 0 || team.ID > 0xffff {
			errResult = errors.Join(errResult, fmt.Errorf("team %q: id %d out of range 1-65535", team.Name, team.ID))
		}
		if teamIDs[team.ID] {
			errResult = errors.Join(errResult, fmt.Errorf("duplicate team id found: %d", team.ID))
		}
		teamIDs[team.ID] = true

		if team.Name == "" {
			conf.Team[i].Name = "team" + strconv.Itoa(team.ID)
		}
		if teamNames[conf.Team[i].Name] {
			errResult = errors.Join(errResult, errors.New("duplicate team name found: "+conf.Team[i].Name))
		}
		teamNames[conf.Team[i].Name] = true

		if team.IP == "" {
			if conf.MiscSettings.TeamAddress == "" {
				errResult = errors.Join(errResult, fmt.Errorf("team %d has no ip and no TeamAddress is set", team.ID))
				continue
			}
			conf.Team[i].IP = strings.ReplaceAll(strings.ToLower(conf.MiscSettings.TeamAddress), "_", strconv.Itoa(team.ID))
		}
	}

	// =======================================
	// services
	serviceNames := make(map[string]bool)
	namespaces := make(map[string]string)
	serviceIDs := make(map[int]string)
	for i := range conf.Service {
		s := &conf.Service[i]
		if s.Name == "" {
			errResult = errors.Join(errResult, fmt.Errorf("no name found for service %d", i))
			continue
		}
		if serviceNames[s.Name] {
			errResult = errors.Join(errResult, errors.New("duplicate service name found: "+s.Name))
		}
		serviceNames[s.Name] = true

		// services whose names slug alike would share checker state
		if ns := s.Namespace(); ns != "" {
			if other, exists := namespaces[ns]; exists && other != s.Name {
				errResult = errors.Join(errResult, fmt.Errorf("services %q and %q share the store namespace %q", other, s.Name, ns))
			} else {
				namespaces[ns] = s.Name
			}
		}

		if other, exists := serviceIDs[s.ServiceID]; exists {
			errResult = errors.Join(errResult, fmt.Errorf("services %s and %s share service_id %d", other, s.Name, s.ServiceID))
		} else {
			serviceIDs[s.ServiceID] = s.Name
		}

		if s.Timeout == 0 {
			s.Timeout = conf.MiscSettings.Timeout
		}
		s.Configure()
		if err := s.Validate(); err != nil {
			errResult = errors.Join(errResult, err)
		}
	}

	// errResult is nil by default if no errors occured
	return errResult
}
