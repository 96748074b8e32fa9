// Package config loads runtime configuration from HCL files and the
// environment.
package config

import (
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
)

// Config holds everything injected at startup. File values come from
// ./feedvault.hcl (or feedvault.local.hcl), overridable via FV_* env vars.
type Config struct {
	ListenAddr     string        `hcl:"listen_addr" env:"LISTEN_ADDR" default:":8080"`
	DatabaseDriver string        `hcl:"database_driver" env:"DATABASE_DRIVER" default:"sqlite"`
	DatabaseDSN    string        `hcl:"database_dsn" env:"DATABASE_DSN" default:"feedvault.db"`
	RelayURL       string        `hcl:"relay_url" env:"RELAY_URL"`
	FetchTimeout   time.Duration `hcl:"fetch_timeout" env:"FETCH_TIMEOUT" default:"20s"`
	SessionTTL     time.Duration `hcl:"session_ttl" env:"SESSION_TTL" default:"720h"`
	BcryptCost     int           `hcl:"bcrypt_cost" env:"BCRYPT_COST" default:"10"`
	DemoMode       bool          `hcl:"demo_mode" env:"DEMO_MODE" default:"false"`
}

// Load reads configuration from the default file locations and environment.
func Load() (Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "FV",
		// The server takes no CLI flags.
		SkipFlags: true,
		Files:     []string{"./feedvault.hcl", "./feedvault.local.hcl"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
