// agentpayd is the payment authorization core's operator service: it
// exposes HTTP endpoints for session/token/audit management and for
// driving a 402 payment negotiation on a session's behalf. An embedding
// agent process that wants to call x402engine.Engine in-library rather
// than over HTTP can import the same internal packages directly.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/agentpay/internal/alertbus"
	"github.com/mbd888/agentpay/internal/api"
	"github.com/mbd888/agentpay/internal/auditlog"
	"github.com/mbd888/agentpay/internal/authsigner"
	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/config"
	"github.com/mbd888/agentpay/internal/credentialvault"
	"github.com/mbd888/agentpay/internal/health"
	"github.com/mbd888/agentpay/internal/logging"
	"github.com/mbd888/agentpay/internal/metrics"
	"github.com/mbd888/agentpay/internal/money"
	"github.com/mbd888/agentpay/internal/rng"
	"github.com/mbd888/agentpay/internal/security"
	"github.com/mbd888/agentpay/internal/session"
	"github.com/mbd888/agentpay/internal/tokenvault"
	"github.com/mbd888/agentpay/internal/validation"
	"github.com/mbd888/agentpay/internal/x402engine"
	"github.com/mbd888/agentpay/internal/x402http"

	goredis "github.com/redis/go-redis/v9"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// baseTokens returns the default TokenTable: USDC on Base mainnet and
// Base Sepolia, the two networks the teacher's own config defaults target.
func baseTokens() authsigner.TokenTable {
	return authsigner.TokenTable{
		8453: {
			"USDC": authsigner.TokenInfo{
				ContractAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Decimals:        6,
				DomainName:      "USD Coin",
				DomainVersion:   "2",
			},
		},
		84532: {
			"USDC": authsigner.TokenInfo{
				ContractAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Decimals:        6,
				DomainName:      "USDC",
				DomainVersion:   "2",
			},
		},
	}
}

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	logger.Info("starting agentpayd", "version", Version, "commit", Commit, "build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	}

	rootKey, err := decodeAESKey(cfg.AESKeyHex)
	if err != nil {
		logger.Error("invalid AES_KEY_HEX", "error", err)
		os.Exit(1)
	}
	vault, err := credentialvault.New(rootKey)
	if err != nil {
		logger.Error("failed to construct credential vault", "error", err)
		os.Exit(1)
	}

	sysClock := clock.System{}
	sysRng := rng.CSPRNG{}

	var sessionStore session.Store
	var auditStore auditlog.Store
	if db != nil {
		sessionStore = session.NewPostgresStore(db)
		auditStore = auditlog.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		sessionStore = session.NewMemoryStore()
		auditStore = auditlog.NewMemoryStore()
	}

	sessions := session.NewManager(sessionStore, vault, sysRng, sysClock, nil)
	if db != nil {
		sessions.SetPolicyStore(session.NewPolicyPostgresStore(db))
	} else {
		sessions.SetPolicyStore(session.NewPolicyMemoryStore())
	}

	var tvIndex tokenvault.Index
	if cfg.RedisURL != "" {
		opt, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		tvIndex = tokenvault.NewRedisIndex(goredis.NewClient(opt))
	} else {
		tvIndex = tokenvault.NewMemoryIndex()
	}
	tv := tokenvault.New(tvIndex, sessionManagerLookup{sessions}, sysRng, sysClock)
	sessions.SetRevoker(tv)

	highValueThreshold, ok := money.Parse(cfg.HighValueThresholdUSD)
	if !ok {
		highValueThreshold = alertbus.DefaultHighValueThresholdUSD
	}
	alerts := alertbus.New(sysClock, alertbus.DefaultThresholds, highValueThreshold)
	alerts.Subscribe(func(a alertbus.Alert) {
		logger.Warn("spending alert",
			"session_key_hash", a.SessionKeyHash,
			"tx_id", a.TxID,
			"threshold", a.Threshold,
			"ratio", a.Ratio,
			"severity", a.Severity,
		)
	})

	al := auditlog.New(auditStore, sysClock)

	signer := authsigner.New(baseTokens(), sysRng)
	engine := x402engine.New(x402engine.Deps{
		HTTP:     x402http.New(cfg.PaymentTimeout),
		Sessions: sessions,
		Signer:   signer,
		Clock:    sysClock,
		AuditAppend: func(ctx context.Context, rec x402engine.PaymentRecord) {
			if _, err := al.Log(ctx, auditlog.Record{
				Recipient:          rec.Recipient,
				AmountSmallestUnit: rec.AmountSmallestUnit,
				AmountUSD:          rec.AmountUSD,
				TokenSymbolOrAddr:  rec.TokenSymbolOrAddr,
				ChainID:            rec.ChainID,
				Status:             rec.Status,
				TxHash:             rec.TxHash,
				Protocol:           rec.Protocol,
			}, rec.SessionKeyHash); err != nil {
				logger.Error("failed to append audit record", "error", err)
			}
		},
		Alerts:         alerts,
		PaymentTimeout: cfg.PaymentTimeout,
	})

	healthReg := health.NewRegistry()
	if db != nil {
		healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.Middleware())
	router.Use(security.HeadersMiddleware())
	router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	router.GET("/healthz", func(c *gin.Context) {
		healthy, statuses := healthReg.CheckAll(c.Request.Context())
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"healthy": healthy, "checks": statuses})
	})
	router.GET("/metrics", metrics.Handler())

	h := api.NewHandler(sessions, tv, al, alerts, engine)
	h.RegisterRoutes(router.Group("/v1"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// sessionManagerLookup adapts *session.Manager to tokenvault.SessionLookup.
type sessionManagerLookup struct {
	m *session.Manager
}

func (s sessionManagerLookup) Load(ctx context.Context, keyHash string) (*session.Session, error) {
	return s.m.Load(ctx, keyHash)
}

// decodeAESKey strips an optional 0x prefix and hex-decodes the 32-byte
// root key, the same tolerant format config.Config.Validate checks.
func decodeAESKey(hexKey string) ([]byte, error) {
	k := hexKey
	if len(k) == 66 && k[:2] == "0x" {
		k = k[2:]
	}
	if k == "" {
		return make([]byte, 32), nil
	}
	return hex.DecodeString(k)
}
