package camerapipeline

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the process-wide tunable set. It is loaded once at process
// start via envconfig's "struct tags + Process" convention rather than a
// bespoke flag parser; cmd/camerapipelined layers cobra flags on top for
// interactive overrides.
type Config struct {
	PoolCapacity  int           `envconfig:"POOL_CAPACITY" default:"0"`
	QueueCapacity int           `envconfig:"QUEUE_CAPACITY" default:"100"`
	MaxCameras    int           `envconfig:"MAX_CAMERAS" default:"128"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFile       string        `envconfig:"LOG_FILE" default:""`
	LogMaxSizeMB  int           `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	StallTimeout  time.Duration `envconfig:"STALL_TIMEOUT" default:"30s"`
}

const envconfigPrefix = "CAMPIPE"

// LoadConfig reads Config from the environment, applying envconfig
// defaults for anything unset. Variables are read under the CAMPIPE_
// prefix (e.g. CAMPIPE_QUEUE_CAPACITY).
func LoadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process(envconfigPrefix, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// resolvedPoolCapacity applies the "default capacity = 4 × max-cameras"
// rule when PoolCapacity is left at its zero value, taking MaxCameras as
// defaultMaxCameras when it is unset too.
func (c Config) resolvedPoolCapacity() int {
	if c.PoolCapacity > 0 {
		return c.PoolCapacity
	}
	maxCameras := c.MaxCameras
	if maxCameras <= 0 {
		maxCameras = defaultMaxCameras
	}
	return 4 * maxCameras
}
