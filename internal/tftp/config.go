package tftp

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the passive collaborator the server shell is built from. PORT
// is supplied on the command line; everything else here is tunable via
// environment variables through go-envconfig so operators can adjust
// retry/timeout/overwrite/cleanup policy without recompiling or expanding
// the CLI's positional-argument surface.
type Config struct {
	// Addr is the well-known UDP listen address, e.g. "0.0.0.0:6969". It is
	// derived from the CLI's PORT argument in LoadConfig, never from the
	// environment.
	Addr string

	// Root is the serving root. Requests are resolved against it and may
	// never escape it. Always the process's working directory at startup;
	// unlike the other fields below, this is never read from the
	// environment, so an operator's environment can never silently retarget
	// what the path guard treats as the containment boundary.
	Root string

	// MaxRetries is how many retransmissions a session attempts before
	// giving up and transitioning to TIMED_OUT.
	MaxRetries int `env:"TFTPD_MAX_RETRIES, default=5"`

	// Timeout is the retransmission timer duration.
	Timeout time.Duration `env:"TFTPD_TIMEOUT, default=5s"`

	// WriteLinger is how long a write session lingers after its final ACK
	// to catch a retransmitted final DATA block.
	WriteLinger time.Duration `env:"TFTPD_WRITE_LINGER, default=5s"`

	// AllowOverwrite permits WRQ to replace an existing file instead of
	// refusing with ErrFileExists. Off by default.
	AllowOverwrite bool `env:"TFTPD_ALLOW_OVERWRITE, default=false"`

	// CleanupOnFailure deletes a partially written file when a write
	// session ends in TIMED_OUT or ERRORED. On by default.
	CleanupOnFailure bool `env:"TFTPD_CLEANUP_ON_FAILURE, default=true"`

	// Debug raises the console logger to debug level.
	Debug bool `env:"TFTPD_DEBUG, default=false"`
}

// DefaultConfig returns the RFC 1350-compliant retry, timeout and policy
// defaults. Addr and Root are left empty; LoadConfig fills them from the
// CLI port and the working directory.
func DefaultConfig() Config {
	return Config{
		Addr:             "",
		Root:             "",
		MaxRetries:       DefaultMaxRetries,
		Timeout:          DefaultTimeout,
		WriteLinger:      DefaultWriteLinger,
		AllowOverwrite:   false,
		CleanupOnFailure: true,
		Debug:            false,
	}
}

// LoadConfig starts from DefaultConfig, applies environment overrides via
// go-envconfig, then sets Addr from the CLI-supplied port and Root from the
// process's working directory. Root is never taken from the environment.
func LoadConfig(ctx context.Context, port int) (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("determining working directory: %w", err)
	}
	cfg.Root = wd
	cfg.Addr = fmt.Sprintf("0.0.0.0:%d", port)
	return cfg, nil
}
