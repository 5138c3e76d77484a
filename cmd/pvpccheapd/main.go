// pvpccheapd runs cheap-electricity device schedules: it fetches the
// day's precomputed on-intervals from the backend and switches smart
// plugs on and off at the right wall-clock times.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crashbit/pvpccheapd/internal/backend"
	"github.com/crashbit/pvpccheapd/internal/device"
	"github.com/crashbit/pvpccheapd/internal/engine"
	"github.com/crashbit/pvpccheapd/internal/logger"
	"github.com/crashbit/pvpccheapd/internal/metrics"
	"github.com/crashbit/pvpccheapd/internal/storage"
	"github.com/crashbit/pvpccheapd/internal/trigger"
)

const version = "0.1.0"

// Config represents the configuration file structure.
type Config struct {
	Backend struct {
		BaseURL     string `yaml:"base_url"`
		APIToken    string `yaml:"api_token"`
		HTTPTimeout int    `yaml:"http_timeout"`
	} `yaml:"backend"`

	MQTT struct {
		BrokerURL   string `yaml:"broker_url"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Timing struct {
		RetryDelay     int `yaml:"retry_delay"`
		MaxRetries     int `yaml:"max_retries"`
		CommandTimeout int `yaml:"command_timeout"`
	} `yaml:"timing"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "pvpccheapd",
		Short: "PVPC cheap-hours device scheduler",
		Long:  "Agent that executes precomputed cheap-electricity schedules against smart plugs, with catch-up, retries and a safety check.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler agent",
		RunE:  runAgent,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("pvpccheapd v" + version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/pvpccheap/agent.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required")
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.File,
	})
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "/var/lib/pvpccheap/agent.db"
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if cfg.Metrics.ListenAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics listener failed", err,
					logger.Field{Key: "addr", Value: cfg.Metrics.ListenAddr})
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Supervised run loop. A crashed run is restarted with a short
	// doubling delay, but only a few times per window; after that the
	// process exits and the init system takes over.
	for {
		runErr := runOnce(cfg, db, log, sigChan)
		if runErr == nil {
			log.Info("shutdown complete")
			return nil
		}
		log.Error("agent run failed", runErr)

		delay, err := db.RegisterRestart()
		if err != nil {
			if errors.Is(err, storage.ErrRestartBudget) {
				return fmt.Errorf("giving up after repeated failures: %w", runErr)
			}
			return err
		}
		log.Warn("restarting agent", logger.Field{Key: "delay", Value: delay})

		select {
		case sig := <-sigChan:
			log.Info("received signal during restart wait",
				logger.Field{Key: "signal", Value: sig.String()})
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce brings up one full agent instance and blocks until a
// shutdown signal or a fatal startup error.
func runOnce(cfg *Config, db *storage.DB, log *logger.Logger, sigChan chan os.Signal) error {
	source, err := backendClient(cfg, log)
	if err != nil {
		return err
	}

	devices, err := device.NewMQTT(device.MQTTConfig{
		BrokerURL:   cfg.MQTT.BrokerURL,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, log)
	if err != nil {
		return err
	}
	if err := devices.Connect(context.Background()); err != nil {
		return err
	}
	defer devices.Close()

	wake := trigger.New(log)

	engineCfg := engine.DefaultConfig()
	if cfg.Timing.RetryDelay > 0 {
		engineCfg.RetryDelay = secondsToDuration(cfg.Timing.RetryDelay)
	}
	if cfg.Timing.MaxRetries > 0 {
		engineCfg.MaxRetries = cfg.Timing.MaxRetries
	}
	if cfg.Timing.CommandTimeout > 0 {
		engineCfg.CommandTimeout = secondsToDuration(cfg.Timing.CommandTimeout)
	}

	eng := engine.New(engineCfg, db, source, devices, wake, log)
	wake.SetHandler(eng.HandleTrigger)
	wake.Start()
	defer wake.Stop()

	log.Info("starting pvpccheapd", logger.Field{Key: "version", Value: version})
	if err := eng.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	sig := <-sigChan
	log.Info("received signal, shutting down", logger.Field{Key: "signal", Value: sig.String()})

	eng.Stop()
	return nil
}

func backendClient(cfg *Config, log *logger.Logger) (*backend.Client, error) {
	bcfg := backend.DefaultConfig()
	bcfg.BaseURL = cfg.Backend.BaseURL
	bcfg.APIToken = cfg.Backend.APIToken
	if cfg.Backend.HTTPTimeout > 0 {
		bcfg.HTTPTimeout = secondsToDuration(cfg.Backend.HTTPTimeout)
	}
	return backend.New(bcfg, log)
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
