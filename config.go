package strand

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-based configuration surface for embedding applications.
// The only behavioural tunable the runtime exposes is the zombie grace
// period; trace_events additionally wires a logging event hook, which is
// handy when debugging scope lifecycles in a deployment.
//
//	zombie_grace_ms: 5000
//	trace_events: true
type Config struct {
	ZombieGraceMS int  `yaml:"zombie_grace_ms"`
	TraceEvents   bool `yaml:"trace_events"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("yaml unmarshal %s: %w", path, err)
	}
	if cfg.ZombieGraceMS < 0 {
		return Config{}, fmt.Errorf("%s: zombie_grace_ms must be non-negative", path)
	}
	return cfg, nil
}

// Options converts the config into scheduler options.
func (c Config) Options() []Option {
	var opts []Option
	if c.ZombieGraceMS > 0 {
		opts = append(opts, WithZombieGrace(time.Duration(c.ZombieGraceMS)*time.Millisecond))
	}
	if c.TraceEvents {
		opts = append(opts, WithOnEvent(func(e Event) {
			if e.Err != nil {
				log.Printf("strand: %s %q (%s): %v", e.Kind, e.Co.Name, e.Co.SpawnedAt, e.Err)
				return
			}
			log.Printf("strand: %s %q", e.Kind, e.Co.Name)
		}))
	}
	return opts
}
