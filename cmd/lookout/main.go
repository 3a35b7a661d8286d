package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"waterworks/internal/dedup"
	"waterworks/internal/escalation"
	"waterworks/internal/metrics"
	"waterworks/internal/pipeline"
	"waterworks/internal/rules"
	"waterworks/internal/store"
	"waterworks/internal/transport"
	"waterworks/pkg/auth"
	"waterworks/pkg/clients/backend"
	"waterworks/pkg/config"
	"waterworks/pkg/logging"
	"waterworks/pkg/monitoring"
	"waterworks/pkg/server"
	"waterworks/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("lookout")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Lookout (Tenant Event Pipeline)")

	backendURL := config.RequireEnv("BACKEND_URL")
	streamURL := config.GetEnv("STREAM_URL", backendURL)
	token := config.RequireEnv("TENANT_TOKEN")

	// Tenant id defaults to the token's claim when not set explicitly.
	tenantID := config.GetEnv("TENANT_ID", "")
	if claims, err := auth.PeekClaims(token); err == nil {
		if tenantID == "" {
			tenantID = claims.TenantID
		}
		if claims.ExpiresWithin(time.Hour) {
			logger.Warn("Session token expires within the hour; stream reconnects will start failing")
		}
	} else if tenantID == "" {
		logger.WithError(err).Fatal("TENANT_ID not set and token claims unreadable")
	}
	if tenantID == "" {
		logger.Fatal("TENANT_ID not set and token carries no tenant claim")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("lookout", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("lookout", version.Version, version.GitCommit)
	serviceMetrics := metrics.New(metricsCollector)

	// Backend REST client
	backendClient := backend.NewClient(backend.Config{
		BaseURL:         backendURL,
		TenantID:        tenantID,
		Token:           token,
		Logger:          logger,
		RequestCounter:  serviceMetrics.BackendRequests,
		RequestDuration: serviceMetrics.BackendDuration,
	})

	// Rule cache over the backend
	ruleCache := rules.New(rules.Config{
		Source: backendClient,
		TTL:    config.GetEnvDuration("RULE_CACHE_TTL", rules.DefaultTTL),
		Logger: logger,
	})

	// Notification store with optimistic read marking against the backend
	notificationStore := store.New(store.Config{
		WindowSize: config.GetEnvInt("NOTIFICATION_WINDOW", store.DefaultWindowSize),
		Sink:       store.LogSink{Logger: logger},
		Marker:     backendClient,
		Logger:     logger,
	})

	// Escalation tracker with periodic sweep
	tracker := escalation.New(escalation.Config{
		Logger: logger,
		Notifier: escalation.CounterNotifier{
			Next:    escalation.LogNotifier{Logger: logger},
			Counter: serviceMetrics.EscalationsAdvanced,
		},
		SweepInterval: config.GetEnvDuration("ESCALATION_SWEEP_INTERVAL", escalation.DefaultSweepInterval),
		Retention:     config.GetEnvDuration("ESCALATION_RETENTION", escalation.DefaultRetention),
	})

	// Event deduplicator
	deduper := dedup.New(
		config.GetEnvInt("DEDUP_BUFFER_SIZE", dedup.DefaultBufferSize),
		config.GetEnvInt("DEDUP_HIGH_WATER", dedup.DefaultHighWater),
	)

	// Stream transport with automatic reconnect
	eventTypes := []string{}
	if raw := config.GetEnv("STREAM_EVENT_TYPES", ""); raw != "" {
		eventTypes = strings.Split(raw, ",")
	}

	streamTransport := transport.New(transport.Config{
		BaseURL:              streamURL,
		Token:                token,
		TenantID:             tenantID,
		EventTypes:           eventTypes,
		AutoReconnect:        config.GetEnvBool("STREAM_AUTO_RECONNECT", true),
		BaseDelay:            config.GetEnvDuration("STREAM_RECONNECT_BASE_DELAY", 0),
		MaxDelay:             config.GetEnvDuration("STREAM_RECONNECT_MAX_DELAY", 0),
		MaxReconnectAttempts: config.GetEnvInt("STREAM_MAX_RECONNECT_ATTEMPTS", 0),
		HeartbeatInterval:    config.GetEnvDuration("STREAM_HEARTBEAT_INTERVAL", 0),
		Logger:               logger,
		OnStateChange: func(state transport.State, err error) {
			serviceMetrics.SetConnectionState(string(state))
			if state == transport.StateConnecting {
				serviceMetrics.Reconnects.WithLabelValues("transient").Inc()
			}
		},
	})

	// Wire the pipeline
	eventPipeline := pipeline.New(pipeline.Config{
		Transport:         streamTransport,
		Dedup:             deduper,
		Store:             notificationStore,
		Tracker:           tracker,
		Rules:             ruleCache,
		Backend:           backendClient,
		Logger:            logger,
		Metrics:           serviceMetrics,
		ReconcileInterval: config.GetEnvDuration("RECONCILE_INTERVAL", pipeline.DefaultReconcileInterval),
	})

	// Add health checks
	healthChecker.AddCheck("stream", monitoring.StreamHealthCheck(func() string {
		return string(streamTransport.State())
	}))
	healthChecker.AddCheck("backend", monitoring.HTTPServiceHealthCheck("backend", backendURL+"/health"))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"BACKEND_URL": backendURL,
		"TENANT_ID":   tenantID,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go eventPipeline.Run(ctx)

	if err := streamTransport.Connect(); err != nil {
		// Bad credentials are a configuration problem worth failing fast on.
		// Transient dial failures already scheduled a background retry.
		if errors.Is(err, transport.ErrMissingCredentials) || errors.Is(err, transport.ErrAuthenticationFailed) {
			logger.WithError(err).Fatal("Stream connect failed")
		}
		logger.WithError(err).Warn("Initial stream connect failed, retrying in background")
	}
	defer streamTransport.Disconnect()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "lookout", healthChecker, metricsCollector)
	router.GET("/status", statusHandler(streamTransport, notificationStore, tracker, deduper))

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("lookout", "18020")
	if err := server.Run(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server shutdown failed")
	}
}

func statusHandler(t *transport.Transport, s *store.Store, tr *escalation.Tracker, d *dedup.Deduplicator) gin.HandlerFunc {
	return func(c *gin.Context) {
		accepted, rejected, tracked := d.Stats()
		active, opened, advanced := tr.Stats()

		status := gin.H{
			"stream": gin.H{
				"state":    string(t.State()),
				"attempts": t.Attempts(),
			},
			"notifications": gin.H{
				"window": s.Len(),
				"unread": s.Unread(),
				"total":  s.Total(),
			},
			"dedup": gin.H{
				"accepted": accepted,
				"rejected": rejected,
				"tracked":  tracked,
			},
			"escalations": gin.H{
				"active":   active,
				"opened":   opened,
				"advanced": advanced,
			},
		}
		if err := t.LastError(); err != nil {
			status["stream"].(gin.H)["last_error"] = err.Error()
		}

		c.JSON(http.StatusOK, status)
	}
}
