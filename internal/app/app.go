package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/jun/cadsync/internal/config"
	"github.com/jun/cadsync/internal/conflict"
	"github.com/jun/cadsync/internal/coord"
	"github.com/jun/cadsync/internal/crypto"
	"github.com/jun/cadsync/internal/directory"
	"github.com/jun/cadsync/internal/handler"
	"github.com/jun/cadsync/internal/ledger"
	"github.com/jun/cadsync/internal/notify"
	"github.com/jun/cadsync/internal/request"
	"github.com/jun/cadsync/internal/secret"
	"github.com/jun/cadsync/internal/session"
	"github.com/jun/cadsync/internal/store"
)

// App holds the wired components shared by the Lambda entry point, the local
// server and the admin CLI.
type App struct {
	Coordinator *coord.Coordinator
	Sessions    *session.Registry
	Requests    *request.Arbiter
	Ledger      *ledger.Ledger
	Bus         *notify.Bus
	Metrics     *prometheus.Registry

	cfg              *config.Config
	log              *zap.Logger
	sessionHandler   *handler.SessionHandler
	syncHandler      *handler.SyncHandler
	apiGatewaySecret string
	closers          []io.Closer
}

// NewApp initializes the application dependencies. DEV_MODE keeps every
// tier in process: memory store, mock sealer and secrets from the environment.
func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log, Metrics: prometheus.NewRegistry()}
	a.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var (
		durable  store.Durable
		sealer   crypto.Sealer
		resolver secret.Resolver
	)
	if cfg.DevMode {
		log.Info("using in-process store, mock sealer and env secrets (DEV_MODE=true)")
		durable = store.NewMemory()
		sealer = crypto.NewMockSealer()
		resolver = secret.NewEnvResolver()
	} else {
		// The store retries on its own schedule; SDK retries would multiply attempts.
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRetryer(func() aws.Retryer {
			return aws.NopRetryer{}
		}))
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
		durable = store.NewDynamo(dynamodb.NewFromConfig(awsCfg))
		sealer = crypto.NewKMSService(kms.NewFromConfig(awsCfg), cfg.KMSKeyID)
		resolver = secret.NewCached(secret.NewSSMResolver(ssm.NewFromConfig(awsCfg)))
	}

	cache, err := a.newCache(ctx, resolver)
	if err != nil {
		return nil, err
	}

	st := store.New(durable, store.Options{
		Cache:       cache,
		CacheTTL:    cfg.CacheTTL,
		CacheJitter: cfg.CacheJitter,
		Retry: store.RetryPolicy{
			Attempts: cfg.RetryAttempts,
			Unit:     cfg.RetryUnit,
			MaxDelay: cfg.RetryMaxDelay,
		},
		RateLimit: cfg.RateLimit,
		Logger:    log.Named("store"),
		Metrics:   store.NewMetrics(a.Metrics),
	})

	a.Requests = request.NewArbiter(st, request.Table(cfg.RequestsTable), cfg.RequestTTL, nil, log.Named("request"))
	a.Sessions = session.NewRegistry(st, session.SessionTable(cfg.SessionsTable),
		session.NewLeaseManager(st, session.LeaseTable(cfg.LeasesTable)), a.Requests,
		session.Config{EditTTL: cfg.EditTTL, MinRenewalInterval: cfg.MinRenewalInterval}, log.Named("session"))
	a.Ledger = ledger.New(st, ledger.Table(cfg.LedgerTable), cfg.SavedRetention, sealer, log.Named("ledger"))

	a.Bus = notify.NewBus(log.Named("notify"))
	eventLog := log.Named("events")
	if err := a.Bus.SubscribeAsync(func(e notify.Event) {
		eventLog.Info("edit event",
			zap.String("kind", string(e.Kind)),
			zap.String("file_id", e.FileID),
			zap.String("session_id", e.SessionID),
			zap.String("actor_session_id", e.ActorSessionID))
	}); err != nil {
		return nil, fmt.Errorf("subscribe event log: %w", err)
	}

	a.Coordinator = coord.New(coord.Deps{
		Sessions:  a.Sessions,
		Requests:  a.Requests,
		Ledger:    a.Ledger,
		Conflicts: conflict.VersionDetector{},
		Notifier:  a.Bus,
		Users:     directory.NewUsers(st, directory.Table(cfg.UsersTable)),
	}, coord.Config{EditTTL: cfg.EditTTL, LongTTL: cfg.LongTTL}, log.Named("coord"))

	jwtSecret := secret.Lookup(ctx, resolver, cfg.JWTSecretParam, "default-dev-secret", log)
	a.apiGatewaySecret = secret.Lookup(ctx, resolver, cfg.APIGatewaySecretParam, "", log)
	a.sessionHandler = handler.NewSessionHandler(a.Coordinator, jwtSecret, log.Named("handler"))
	a.syncHandler = handler.NewSyncHandler(a.Coordinator, jwtSecret, log.Named("handler"))
	return a, nil
}

func (a *App) newCache(ctx context.Context, resolver secret.Resolver) (store.Cache, error) {
	switch a.cfg.CacheBackend {
	case config.CacheRedis:
		c, err := store.NewRedisCache(ctx, store.RedisOptions{
			Addr:     a.cfg.RedisAddr,
			Password: secret.Lookup(ctx, resolver, a.cfg.RedisPasswordParam, "", a.log),
			Prefix:   "cadsync:",
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		a.closers = append(a.closers, c)
		return c, nil
	case config.CacheLocal:
		c, err := store.NewLocalCache(ctx, a.cfg.CacheTTL+a.cfg.CacheJitter)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c)
		return c, nil
	}
	return store.NopCache{}, nil
}

// Close drains pending notifications and releases cache connections.
func (a *App) Close() error {
	a.Bus.Wait()
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (a *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod
	a.log.Debug("request", zap.String("method", method), zap.String("path", path))

	if method == http.MethodOptions {
		return a.corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Only CloudFront knows the origin secret.
	if !a.cfg.DevMode {
		if req.Headers["X-Origin-Verify"] != a.apiGatewaySecret && req.Headers["x-origin-verify"] != a.apiGatewaySecret {
			a.log.Warn("blocked request without origin secret", zap.String("path", path))
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusForbidden,
				Body:       "Forbidden: Access denied",
			}, nil
		}
	}

	path = strings.TrimPrefix(path, "/api")
	if req.PathParameters == nil {
		req.PathParameters = make(map[string]string)
	}

	if path == "/auth/logout" && method == http.MethodPost {
		return a.corsResponse(a.must(a.sessionHandler.Logout(ctx, req))), nil
	}

	// /sync
	if path == "/sync/check" && method == http.MethodPost {
		return a.corsResponse(a.must(a.syncHandler.CheckConflict(ctx, req))), nil
	}
	if path == "/sync/resolve" && method == http.MethodPost {
		return a.corsResponse(a.must(a.syncHandler.ResolveConflict(ctx, req))), nil
	}

	// /sessions/{fileId}[/action[/{sessionId}[/decision]]]
	if strings.HasPrefix(path, "/sessions/") {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/sessions/"), "/"), "/")
		if parts[0] != "" {
			req.PathParameters["fileId"] = parts[0]
			h := a.sessionHandler

			switch {
			case len(parts) == 1 && method == http.MethodPost:
				return a.corsResponse(a.must(h.OpenSession(ctx, req))), nil
			case len(parts) == 1 && method == http.MethodDelete:
				return a.corsResponse(a.must(h.CloseSession(ctx, req))), nil
			case len(parts) == 2 && parts[1] == "lock" && method == http.MethodGet:
				return a.corsResponse(a.must(h.CheckLock(ctx, req))), nil
			case len(parts) == 2 && parts[1] == "heartbeat" && method == http.MethodPost:
				return a.corsResponse(a.must(h.Heartbeat(ctx, req))), nil
			case len(parts) == 2 && parts[1] == "state" && method == http.MethodPut:
				return a.corsResponse(a.must(h.SetState(ctx, req))), nil
			case len(parts) == 2 && parts[1] == "version" && method == http.MethodPut:
				return a.corsResponse(a.must(h.RecordVersion(ctx, req))), nil
			case len(parts) == 2 && parts[1] == "requests" && method == http.MethodPost:
				return a.corsResponse(a.must(h.RequestAccess(ctx, req))), nil
			case len(parts) >= 3 && parts[1] == "requests":
				req.PathParameters["sessionId"] = parts[2]
				switch {
				case len(parts) == 3 && method == http.MethodGet:
					return a.corsResponse(a.must(h.PollAccess(ctx, req))), nil
				case len(parts) == 4 && parts[3] == "grant" && method == http.MethodPost:
					return a.corsResponse(a.must(h.GrantAccess(ctx, req))), nil
				case len(parts) == 4 && parts[3] == "deny" && method == http.MethodPost:
					return a.corsResponse(a.must(h.DenyAccess(ctx, req))), nil
				}
			}
		}
	}

	return a.corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       fmt.Sprintf("Not Found: %s %s", method, path),
	}), nil
}

// corsResponse adds CORS headers to an API Gateway response.
func (a *App) corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = a.cfg.FrontendURL
	resp.Headers["Access-Control-Allow-Credentials"] = "true"
	resp.Headers["Access-Control-Allow-Methods"] = "GET,POST,PUT,DELETE,OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type,Authorization"
	return resp
}

// must unwraps a handler response, turning an error into a 500.
func (a *App) must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		a.log.Error("handler error", zap.Error(err))
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: "Internal Server Error"}
	}
	return resp
}
