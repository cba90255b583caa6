package service

import (
	"fmt"
	"strings"

	"github.com/scapsuite/scanward/internal/model"
	"github.com/spf13/viper"
)

// Load reads the configuration file at path and merges SCANWARD_*
// environment variables over it. An empty path yields the defaults.
func Load(path string) (model.Config, error) {
	def := model.DefaultConfig()

	v := viper.New()
	v.SetDefault("oscap.path", def.Oscap.Path)
	v.SetDefault("oscap.pkexec_path", def.Oscap.PkexecPath)
	v.SetDefault("oscap.nice_path", def.Oscap.NicePath)
	v.SetDefault("oscap.niceness", def.Oscap.Niceness)
	v.SetDefault("oscap.use_nice", def.Oscap.UseNice)
	v.SetDefault("oscap.probe_timeout", def.Oscap.ProbeTimeout)
	v.SetDefault("service.mode", def.Service.Mode)
	v.SetDefault("service.log", def.Service.Log)
	v.SetDefault("service.dir", def.Service.Dir)
	v.SetDefault("service.verbose", def.Service.Verbose)

	v.SetEnvPrefix("SCANWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return model.Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}

	switch cfg.Service.Mode {
	case model.ServiceModeManual, model.ServiceModeTimer:
	default:
		return model.Config{}, fmt.Errorf("service.mode %q is not supported", cfg.Service.Mode)
	}
	if cfg.Service.Mode == model.ServiceModeTimer {
		if err := ValidateSchedule(cfg.Service.Schedule); err != nil {
			return model.Config{}, fmt.Errorf("service.schedule: %w", err)
		}
	}
	return cfg, nil
}
