package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment overrides. Sections and keys are separated by
// a double underscore, e.g. GAMESERVER_REQUIRED__FLAGSECRET or
// GAMESERVER_MISC__DELAY.
const EnvPrefix = "GAMESERVER_"

// envSettings is the part of the config the environment may override.
// Team, service and admin lists only come from the file.
type envSettings struct {
	RequiredSettings RequiredConfig `koanf:"required"`
	RedisSettings    RedisConfig    `koanf:"redis"`
	SslSettings      SslConfig      `koanf:"ssl"`
	MiscSettings     MiscConfig     `koanf:"misc"`
	MissingPolicy    MissingConfig  `koanf:"missing"`
}

// swappable in tests
var (
	fileLoader = func(k *koanf.Koanf, s envSettings) error {
		return k.Load(structs.Provider(s, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, value string) (string, any) {
				key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
				return strings.ReplaceAll(key, "__", "."), value
			},
		}), nil)
	}
)

// applyEnv layers GAMESERVER_* variables over the values decoded from the file.
func applyEnv(conf *ConfigSettings) error {
	k := koanf.New(".")
	s := envSettings{
		RequiredSettings: conf.RequiredSettings,
		RedisSettings:    conf.RedisSettings,
		SslSettings:      conf.SslSettings,
		MiscSettings:     conf.MiscSettings,
		MissingPolicy:    conf.MissingPolicy,
	}
	if err := fileLoader(k, s); err != nil {
		return fmt.Errorf("load file settings: %w", err)
	}
	if err := envLoader(k); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	var out envSettings
	if err := k.UnmarshalWithConf("", &out, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return fmt.Errorf("apply environment: %w", err)
	}
	conf.RequiredSettings = out.RequiredSettings
	conf.RedisSettings = out.RedisSettings
	conf.SslSettings = out.SslSettings
	conf.MiscSettings = out.MiscSettings
	conf.MissingPolicy = out.MissingPolicy
	return nil
}
