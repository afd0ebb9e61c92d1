// Grow Logic Core - Grow Unit Control Plane
//
// This is the main entry point for the Grow Logic Core application.
// Grow Logic runs the control loop of one or more grow units:
//   - Per-unit lighting, ventilation, and irrigation schedules
//   - Eligibility evaluation against schedules, sensor thresholds, and overrides
//   - Operator-approved irrigation with delay, expiry, and feedback
//   - Pump flow-rate calibration from measured doses
//
// Configuration is read from configs/config.yaml, or from the path in the
// GROWLOGIC_CONFIG environment variable.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/grow-logic-core/migrations"

	"github.com/nerrad567/grow-logic-core/internal/actuator"
	"github.com/nerrad567/grow-logic-core/internal/api"
	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/auth"
	"github.com/nerrad567/grow-logic-core/internal/calibration"
	"github.com/nerrad567/grow-logic-core/internal/eligibility"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/config"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/database"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/kafka"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/logging"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/grow-logic-core/internal/irrigation"
	"github.com/nerrad567/grow-logic-core/internal/notify"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
	"github.com/nerrad567/grow-logic-core/internal/sensor"
	"github.com/nerrad567/grow-logic-core/internal/unit"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// callbackTimeout bounds the handling of one MQTT callback.
const callbackTimeout = 30 * time.Second

// WebSocket channels the live streams are broadcast on.
const (
	channelTraces   = "eligibility.trace"
	channelRequests = "irrigation.request"
)

func main() {
	hashPassword := flag.Bool("hash-password", false, "read a password from stdin, print its Argon2id hash, and exit")
	flag.Parse()

	if *hashPassword {
		if err := printPasswordHash(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Cancel on Ctrl+C and SIGTERM so every loop below shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup sequence reads top to bottom
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Grow Logic Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Unit inventory is static, so a bad file stops startup before any
	// connection is made.
	units, err := unit.Load(cfg.UnitsFile)
	if err != nil {
		return fmt.Errorf("loading unit inventory: %w", err)
	}
	log.Info("unit inventory loaded", "path", cfg.UnitsFile, "units", len(units.Units()))

	db, err := database.OpenMigrated(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database ready", "path", cfg.Database.Path)

	auditRepo := audit.NewSQLiteRepository(db.DB)

	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithLogger(log),
		mqtt.WithOnConnect(func() { log.Info("MQTT connected") }),
		mqtt.WithOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) }),
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
	log.Info("MQTT ready",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB is optional. The recorder interfaces stay nil when it is off.
	var (
		influxClient        *influxdb.Client
		readingRecorder     sensor.Recorder
		verdictRecorder     eligibility.Recorder
		doseRecorder        irrigation.Recorder
		calibrationRecorder calibration.Recorder
	)
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		readingRecorder = influxClient
		verdictRecorder = influxClient
		doseRecorder = influxClient
		calibrationRecorder = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	hub := api.NewHub(cfg.WebSocket, log)

	// Live streams always reach WebSocket subscribers. Kafka, when enabled,
	// receives the same records.
	traceStream := teeStream{hub.Stream(channelTraces)}
	transitionStream := teeStream{hub.Stream(channelRequests)}

	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		publisher, err = kafka.New(cfg.Kafka, log)
		if err != nil {
			return fmt.Errorf("creating Kafka publisher: %w", err)
		}
		traceStream = append(traceStream, publisher.Stream(cfg.Kafka.TraceTopic))
		transitionStream = append(transitionStream, publisher.Stream(cfg.Kafka.TransitionTopic))
		log.Info("Kafka publisher ready",
			"brokers", strings.Join(cfg.Kafka.Brokers, ","),
			"trace_topic", cfg.Kafka.TraceTopic,
			"transition_topic", cfg.Kafka.TransitionTopic,
		)
	} else {
		log.Info("Kafka disabled")
	}

	sensors, err := sensor.NewCache(sensor.Deps{
		Recorder: readingRecorder,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("creating sensor cache: %w", err)
	}
	if err := sensors.Subscribe(mqttClient, mqttClient.QoS()); err != nil {
		return fmt.Errorf("subscribing to sensor readings: %w", err)
	}

	driver, err := actuator.NewMQTTDriver(actuator.MQTTDeps{
		Transport:  mqttClient,
		Inventory:  units,
		RequireAck: cfg.Actuators.RequireAck,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating actuator driver: %w", err)
	}

	tracker, err := calibration.NewTracker(calibration.Deps{
		Repo:      calibration.NewSQLiteRepository(db.DB),
		Audit:     auditRepo,
		Driver:    driver,
		Inventory: units,
		Recorder:  calibrationRecorder,
		Config:    cfg.Calibration,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating calibration tracker: %w", err)
	}

	policy, err := irrigation.PolicyByName(cfg.Irrigation.ExpiryPolicy, cfg.Irrigation.AutoApproveMaxML)
	if err != nil {
		return fmt.Errorf("selecting expiry policy: %w", err)
	}

	coordinator, err := irrigation.NewCoordinator(irrigation.Deps{
		Repo:        irrigation.NewSQLiteRepository(db.DB),
		Calibration: tracker,
		Inventory:   units,
		Driver:      driver,
		Notifier: notify.Multi{
			notify.NewMQTTNotifier(mqttClient),
			notify.NewHubNotifier(hub),
		},
		Policy:   policy,
		Audit:    auditRepo,
		Recorder: doseRecorder,
		Stream:   transitionStream,
		Config:   cfg.Irrigation,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("creating irrigation coordinator: %w", err)
	}

	schedules, err := schedule.NewManager(schedule.Deps{
		Repo:     schedule.NewSQLiteRepository(db.DB),
		Audit:    auditRepo,
		InUse:    coordinator,
		Logger:   log,
		Location: cfg.Location(),
	})
	if err != nil {
		return fmt.Errorf("creating schedule manager: %w", err)
	}
	if err := schedules.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}

	evaluator, err := eligibility.NewEvaluator(eligibility.Deps{
		Schedules: schedules,
		Inventory: units,
		Sensors:   sensors,
		Switch:    driver,
		Repo:      eligibility.NewSQLiteRepository(db.DB),
		Audit:     auditRepo,
		Recorder:  verdictRecorder,
		Stream:    traceStream,
		Config:    cfg.Eligibility,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating eligibility evaluator: %w", err)
	}

	// Requests left mid-flight by a previous run are settled before any
	// new candidate is accepted.
	if err := coordinator.Recover(ctx); err != nil {
		return fmt.Errorf("recovering irrigation requests: %w", err)
	}

	if err := notify.ListenCallbacks(mqttClient, mqttClient.QoS(), callbackTimeout, log, coordinator.HandleCallback); err != nil {
		return fmt.Errorf("subscribing to notification callbacks: %w", err)
	}

	operators, err := buildDirectory(cfg.Security.Operators)
	if err != nil {
		return fmt.Errorf("loading operators: %w", err)
	}
	if len(cfg.Security.Operators) == 0 {
		log.Warn("no operators configured, the management API will refuse every login")
	}
	tokens, err := auth.NewTokenIssuer(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, cfg.Security.JWT.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("creating token issuer: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	apiServer, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log,
		Tokens:      tokens,
		Operators:   operators,
		Schedules:   schedules,
		Eligibility: evaluator,
		Irrigation:  coordinator,
		Calibration: tracker,
		Audit:       auditRepo,
		MQTT:        mqttClient,
		DB:          db.DB,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(gctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if publisher != nil {
		g.Go(func() error { return publisher.Run(gctx) })
	}
	g.Go(func() error { return evaluator.Run(gctx) })
	g.Go(func() error { return coordinator.Run(gctx, evaluator.Candidates()) })
	g.Go(func() error { return coordinator.RunSweeper(gctx) })

	log.Info("initialisation complete, waiting for shutdown signal")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("control loop: %w", err)
	}

	// Deferred Close() calls run in reverse order: API server, InfluxDB,
	// MQTT, then the database.
	log.Info("Grow Logic Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GROWLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GROWLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// buildDirectory converts configured operators into the login directory.
func buildDirectory(ops []config.OperatorConfig) (*auth.Directory, error) {
	operators := make([]auth.Operator, 0, len(ops))
	for _, op := range ops {
		operators = append(operators, auth.Operator{
			Username:     op.Username,
			PasswordHash: op.PasswordHash,
			Role:         auth.Role(op.Role),
		})
	}
	return auth.NewDirectory(operators)
}

// printPasswordHash reads one line from r and writes its Argon2id hash to w,
// ready to paste into security.operators[].password_hash.
func printPasswordHash(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

// streamPublisher is the shape shared by the eligibility and irrigation
// stream sinks.
type streamPublisher interface {
	Publish(key string, v any) error
}

// teeStream publishes every record to each sink in turn.
type teeStream []streamPublisher

// Publish delivers v to every sink and joins their errors.
func (t teeStream) Publish(key string, v any) error {
	var errs []error
	for _, s := range t {
		if err := s.Publish(key, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
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

	return nil
}
