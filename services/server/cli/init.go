package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultServerYAML = `# midjourney-proxy server config
# Priority: CLI flag > this file > default.

http_port:    "8080"
metrics_addr: ":9095"
log_level:    "info"       # debug | info | warn | error
api_secret:   ""           # required in mj-api-secret header when set

policy:        "best_wait_idle"  # best_wait_idle | round_robin | random | weight
queue_size:    10
task_max_run:  "30m"
sweep_spec:    "@every 1m"
stale_age:     "1h"

redis_addr:   ""           # e.g. "localhost:6379"; empty keeps tasks in memory
task_ttl:     "24h"
postgres_dsn: ""           # e.g. "postgres://mj:mj@localhost:5432/mj?sslmode=disable"

kafka_brokers: ""          # e.g. "localhost:9092"
notify_topic:  "mj.task-changes"
events_topic:  "mj.events"
events_group:  "midjourney-proxy"
webhook_url:   ""

rate_limit:        0       # submissions per caller per window; 0 disables
rate_limit_window: "1m"

# otel_endpoint: "localhost:4318"  # uncomment to enable OpenTelemetry tracing

accounts:
  - id: "110001"
    enabled: true
    core_size: 3
    weight: 1
    user_token: "changeme"
    guild_id: "110002"
    channel_id: "110001"
`

// newInitCmd returns a "init" subcommand that writes a default config file.
func newInitCmd(serviceName, defaultYAML string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: fmt.Sprintf(`Write default configuration for %s.

If --config is given the file is written to that path.
Otherwise it is written to ~/.midjourney-proxy/%s.yaml.
Fails if the file already exists unless --force is passed.`, serviceName, serviceName),
		RunE: func(_ *cobra.Command, _ []string) error {
			dest := cfgFile
			if dest == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("home dir: %w", err)
				}
				dest = filepath.Join(home, ".midjourney-proxy", serviceName+".yaml")
			}

			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir: %w", err)
			}

			if !force {
				if _, err := os.Stat(dest); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat %s: %w", dest, err)
				}
			}

			if err := os.WriteFile(dest, []byte(defaultYAML), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("config written to %s\n", dest)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config file")
	return cmd
}
