package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/auth"
	"github.com/nerrad567/grow-logic-core/internal/calibration"
	"github.com/nerrad567/grow-logic-core/internal/eligibility"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/config"
	"github.com/nerrad567/grow-logic-core/internal/infrastructure/logging"
	"github.com/nerrad567/grow-logic-core/internal/irrigation"
	"github.com/nerrad567/grow-logic-core/internal/notify"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Schedules is the schedule manager as seen by the API.
type Schedules interface {
	Create(ctx context.Context, s *schedule.Schedule) error
	Update(ctx context.Context, s *schedule.Schedule) error
	Delete(ctx context.Context, id string) error
	Get(id string) (*schedule.Schedule, error)
	List(unitID string, deviceType schedule.DeviceType) []schedule.Schedule
	ResolveActive(unitID string, deviceType schedule.DeviceType, at time.Time) *schedule.Schedule
	DetectConflicts(unitID string, deviceType schedule.DeviceType) []schedule.ConflictGroup
	PreviewEvents(unitID string, horizonHours int, deviceType schedule.DeviceType) (iter.Seq[schedule.Event], error)
}

// Eligibility is the eligibility evaluator as seen by the API.
type Eligibility interface {
	EvaluateNow(ctx context.Context, unitID string, deviceType schedule.DeviceType) (*eligibility.Trace, error)
	ListTraces(ctx context.Context, unitID string, deviceType schedule.DeviceType, limit int) ([]eligibility.Trace, error)
	SetOverride(ctx context.Context, o *eligibility.Override) error
	ClearOverride(ctx context.Context, unitID string, deviceType schedule.DeviceType, userID string) error
	ListOverrides(ctx context.Context) ([]eligibility.Override, error)
	Stats() eligibility.Stats
}

// Irrigation is the irrigation coordinator as seen by the API.
type Irrigation interface {
	CreateRequest(ctx context.Context, actuatorID, userID string) (*irrigation.Request, error)
	GetRequest(ctx context.Context, id string) (*irrigation.Request, error)
	ListRequests(ctx context.Context, f irrigation.Filter) ([]irrigation.Request, error)
	Approve(ctx context.Context, id, userID string) (*irrigation.Request, error)
	Delay(ctx context.Context, id string, minutes int, userID string) (*irrigation.Request, error)
	Cancel(ctx context.Context, id, userID, reason string) (*irrigation.Request, error)
	SubmitFeedback(ctx context.Context, id string, fb calibration.Feedback, userID string) (*irrigation.Request, error)
	HandleCallback(ctx context.Context, cb notify.Callback) error
	OpenCount(ctx context.Context) (int, error)
}

// Calibration is the pump calibration tracker as seen by the API.
type Calibration interface {
	GetCalibration(ctx context.Context, actuatorID string) (*calibration.PumpCalibration, error)
	ListCalibrations(ctx context.Context) ([]calibration.PumpCalibration, error)
	StartCalibration(ctx context.Context, actuatorID string, durationS float64) (*calibration.Session, error)
	CancelCalibration(ctx context.Context, actuatorID string) error
	CompleteCalibration(ctx context.Context, actuatorID string, measuredML float64) (float64, error)
	AdjustFromFeedback(ctx context.Context, actuatorID string, fb calibration.Feedback, step float64) (*calibration.PumpCalibration, error)
}

// AuditLister reads the audit log.
type AuditLister interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// ConnectionChecker reports whether a transport is connected.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Logger      *logging.Logger
	Tokens      *auth.TokenIssuer
	Operators   *auth.Directory
	Schedules   Schedules
	Eligibility Eligibility
	Irrigation  Irrigation
	Calibration Calibration
	Audit       AuditLister       // optional
	MQTT        ConnectionChecker // optional
	DB          *sql.DB           // optional, for pool stats
	ExternalHub *Hub              // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for Grow Logic Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	tokens      *auth.TokenIssuer
	operators   *auth.Directory
	schedules   Schedules
	eligibility Eligibility
	irrigation  Irrigation
	calibration Calibration
	auditRepo   AuditLister
	mqtt        ConnectionChecker
	db          *sql.DB
	version     string
	startTime   time.Time
	tickets     *ticketStore
	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Tokens == nil || deps.Operators == nil {
		return nil, fmt.Errorf("token issuer and operator directory are required")
	}
	if deps.Schedules == nil || deps.Eligibility == nil || deps.Irrigation == nil || deps.Calibration == nil {
		return nil, fmt.Errorf("schedule, eligibility, irrigation, and calibration services are required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		tokens:      deps.Tokens,
		operators:   deps.Operators,
		schedules:   deps.Schedules,
		eligibility: deps.Eligibility,
		irrigation:  deps.Irrigation,
		calibration: deps.Calibration,
		auditRepo:   deps.Audit,
		mqtt:        deps.MQTT,
		db:          deps.DB,
		version:     deps.Version,
		startTime:   time.Now(),
		tickets:     newTicketStore(),
	}

	// The notifier and the coordinator's stream both broadcast through the
	// hub, so main creates it before either.
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	} else {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	s.hub.SetCallbackHandler(s.irrigation.HandleCallback)

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub and ticket cleanup, and
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	// Start periodic ticket cleanup to prevent memory leaks
	go s.cleanTicketsLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
