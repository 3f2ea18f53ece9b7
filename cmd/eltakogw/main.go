// Eltako Gateway - EnOcean bus bridge for Gray Logic
//
// This is the main entry point for the Eltako gateway service. It connects
// to an Eltako bus coordinator (FAM14, FGW14-USB, ...) or an EnOcean radio
// gateway and bridges it to the Gray Logic MQTT topics.
//
// Run with --read-memory to scan the bus once, print the memory of every
// device as JSON and exit without touching MQTT or the database. Run with
// --migrate-down to roll back the newest database migration and exit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	_ "github.com/nerrad567/gray-logic-eltako/migrations"

	"github.com/nerrad567/gray-logic-eltako/internal/bridges/eltako"
	"github.com/nerrad567/gray-logic-eltako/internal/enocean"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-eltako/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"

	// connectTimeout bounds the wait for the gateway link in --read-memory mode.
	connectTimeout = 30 * time.Second

	// scanTimeout bounds a full bus memory scan.
	scanTimeout = 15 * time.Minute
)

// options holds the parsed command line.
type options struct {
	configPath  string
	envFile     string
	readMemory  bool
	migrateDown bool
	showVersion bool
}

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses the command line.
//
// Parameters:
//   - args: Arguments without the program name
//   - stderr: Destination for usage output
//
// Returns:
//   - options: Parsed options with the config path resolved
//   - error: pflag.ErrHelp for --help, or a parse failure
func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("eltakogw", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default: $ELTAKOGW_CONFIG or "+defaultConfigPath+")")
	flagSet.StringVar(&opts.envFile, "env-file", "", "load environment variables from this file before applying overrides")
	flagSet.BoolVar(&opts.readMemory, "read-memory", false, "scan the bus, print device memory as JSON and exit")
	flagSet.BoolVar(&opts.migrateDown, "migrate-down", false, "roll back the newest database migration and exit")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - args: Command line arguments without the program name
//   - stdout: Destination for --version, --read-memory and --migrate-down output
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "eltakogw %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// Must happen before config.Load so the file feeds env overrides
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil {
			return fmt.Errorf("loading env file: %w", err)
		}
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Eltako gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	log = logging.New(cfg.Logging, version)

	if opts.migrateDown {
		return migrateDown(ctx, cfg.Database, stdout, log)
	}

	if !cfg.Protocols.Eltako.Enabled {
		log.Info("Eltako bridge disabled, nothing to do")
		return nil
	}

	bridgeCfg, err := eltako.LoadConfig(cfg.Protocols.Eltako.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading Eltako bridge config: %w", err)
	}
	log.Info("Eltako bridge config loaded",
		"path", cfg.Protocols.Eltako.ConfigFile,
		"devices", len(bridgeCfg.Devices),
		"device_type", bridgeCfg.Gateway.DeviceType,
	)

	gateway, err := newGateway(bridgeCfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping gateway")
		gateway.Stop()
	}()

	if opts.readMemory {
		return readMemory(ctx, gateway, bridgeCfg, stdout, log)
	}

	return serve(ctx, cfg, bridgeCfg, gateway, log)
}

// serve runs the bridge until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, bridgeCfg *eltako.Config, gateway *enocean.Gateway, log *logging.Logger) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	if applied, _, statusErr := db.GetMigrationStatus(ctx); statusErr == nil && len(applied) > 0 {
		log.Info("database migrations complete", "schema_version", applied[len(applied)-1].Version)
	}

	// The broker publishes the bridge offline if this process dies
	lwt, err := json.Marshal(eltako.NewLWTMessage(bridgeCfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("encoding last will: %w", err)
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithWill(eltako.HealthTopic(), lwt),
		mqtt.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", net.JoinHostPort(cfg.MQTT.Broker.Host, strconv.Itoa(cfg.MQTT.Broker.Port)),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	influxClient, err := connectInflux(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	recorder := eltako.NewSenderRecorder(db.DB)

	bridgeOpts := eltako.BridgeOptions{
		Config:      bridgeCfg,
		MQTTClient:  mqttClient,
		Gateway:     gateway,
		Recorder:    recorder,
		Logger:      log,
		Version:     version,
		LinkAddress: linkAddress(bridgeCfg.Gateway),
	}
	// A nil *influxdb.Client in the interface would not compare equal to nil
	if influxClient != nil {
		bridgeOpts.Metrics = influxClient
	}

	bridge, err := eltako.NewBridge(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating Eltako bridge: %w", err)
	}

	// Listeners must be registered before the first telegram arrives
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting Eltako bridge: %w", err)
	}
	defer func() {
		log.Info("stopping Eltako bridge")
		bridge.Stop()
	}()
	gateway.Start()
	log.Info("Eltako bridge started", "link", linkAddress(bridgeCfg.Gateway))

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	// Deferred calls run in reverse order: bridge, InfluxDB, MQTT,
	// database, then the gateway in run.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// migrateDown rolls back the newest migration and prints the resulting
// schema status to out.
func migrateDown(ctx context.Context, cfg config.DatabaseConfig, out io.Writer, log *logging.Logger) error {
	db, err := database.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // one-shot command

	if err := db.MigrateDown(ctx); err != nil {
		return fmt.Errorf("rolling back migration: %w", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	log.Info("migration rolled back", "applied", len(applied), "pending", len(pending))

	for _, m := range applied {
		fmt.Fprintf(out, "applied  %s\n", m.Version)
	}
	for _, m := range pending {
		fmt.Fprintf(out, "pending  %s %s\n", m.Version, m.Name)
	}
	return nil
}

// newGateway builds a stopped gateway from the bridge configuration.
func newGateway(bridgeCfg *eltako.Config, log *logging.Logger) (*enocean.Gateway, error) {
	gwCfg, err := bridgeCfg.ToGatewayConfig()
	if err != nil {
		return nil, fmt.Errorf("gateway config: %w", err)
	}
	gateway, err := enocean.NewGateway(gwCfg)
	if err != nil {
		return nil, fmt.Errorf("creating gateway: %w", err)
	}
	gateway.SetLogger(log)
	return gateway, nil
}

// connectInflux connects to InfluxDB when enabled.
//
// Returns:
//   - *influxdb.Client: Connected client, or nil when disabled
//   - error: Connection failure
func connectInflux(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	client, err := influxdb.Connect(cfg)
	if errors.Is(err, influxdb.ErrDisabled) {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}

// readMemory connects the gateway, scans the bus once and writes the result
// to out as indented JSON.
func readMemory(ctx context.Context, gateway *enocean.Gateway, bridgeCfg *eltako.Config, out io.Writer, log *logging.Logger) error {
	if err := waitConnected(ctx, gateway, connectTimeout); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	start := time.Now()
	devices, err := gateway.ReadAllMemory(ctx, enocean.ScanOptions{
		Exchange: bridgeCfg.GetExchangeOptions(),
	})
	if err != nil {
		return fmt.Errorf("reading bus memory: %w", err)
	}
	log.Info("bus memory read", "devices", len(devices), "duration", time.Since(start).String())

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(eltako.NewMemoryDevices(devices))
}

// waitConnected starts the gateway and blocks until its link is up.
func waitConnected(ctx context.Context, gateway *enocean.Gateway, timeout time.Duration) error {
	up := make(chan struct{})
	var once sync.Once
	gateway.OnConnectionChanged(func(connected bool) {
		if connected {
			once.Do(func() { close(up) })
		}
	})
	defer gateway.OnConnectionChanged(nil)

	gateway.Start()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-up:
		return nil
	case <-timer.C:
		return fmt.Errorf("gateway did not connect within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// linkAddress describes the gateway link for logs and health messages.
func linkAddress(g eltako.GatewaySettings) string {
	if g.Host != "" {
		return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
	}
	return g.SerialPort
}

// getConfigPath returns the configuration file path.
// Uses ELTAKOGW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("ELTAKOGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// The gateway link is reported through bridge health instead: serial
	// gateways may come up after the service.
	return nil
}
