package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"mailsync_server/adapter/out/messaging"
	"mailsync_server/adapter/out/persistence"
	"mailsync_server/adapter/out/provider"
	"mailsync_server/adapter/out/realtime"
	"mailsync_server/config"
	"mailsync_server/core/port/out"
	"mailsync_server/core/service/auth"
	"mailsync_server/core/service/email"
	"mailsync_server/infra/database"
	"mailsync_server/pkg/crypto"
	"mailsync_server/pkg/httputil"
	"mailsync_server/pkg/lease"
	"mailsync_server/pkg/logger"
	"mailsync_server/pkg/metrics"
	"mailsync_server/pkg/ratelimit"
	"mailsync_server/pkg/resilience"
	"mailsync_server/pkg/sanitize"
	"mailsync_server/pkg/snowflake"
)

// streamMaxLen caps each work stream approximately.
const streamMaxLen = 100000

type Dependencies struct {
	Config *config.Config
	SQLDB  *sqlx.DB
	Redis  *redis.Client

	// Repositories
	Accounts out.AccountRepository
	Emails   out.EmailRepository
	SyncLog  out.SyncLogRepository

	// Coordination
	Counters ratelimit.CounterStore
	Locker   lease.Locker
	Queue    out.WorkQueue

	// Set when Redis is not configured; the worker drains it in process.
	MemoryQueue *messaging.MemoryQueue
	StreamQueue *messaging.RedisWorkQueue

	// Realtime
	Hub    *realtime.Hub
	Rabbit *realtime.RabbitNotifier

	// Providers
	Fetcher      out.MailFetcher
	GmailFetcher *provider.GmailFetcher
	Limiter      *ratelimit.Limiter

	// Resilience / metrics
	OAuthBreakers *resilience.Registry
	FetchMetrics  *metrics.FetchMetrics

	// Services
	MailSyncService *mail.SyncService
	TokenRefresher  *auth.TokenRefresher
}

// NewDependencies connects the stores and builds the services. Without
// DATABASE_URL or REDIS_URL it falls back to in-process stores, which is
// only useful for a single local process.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if err := deps.initStores(ctx, &cleanups); err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := deps.initRealtime(&cleanups); err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.initServices()

	logger.Info("[Bootstrap.NewDependencies] dependencies ready (postgres=%t redis=%t rabbitmq=%t)",
		deps.SQLDB != nil, deps.Redis != nil, deps.Rabbit != nil)
	return deps, cleanup, nil
}

func (d *Dependencies) initStores(ctx context.Context, cleanups *[]func()) error {
	cfg := d.Config

	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		*cleanups = append(*cleanups, func() { db.Close() })
		if err := database.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}

		var sealer *crypto.Sealer
		if cfg.EncryptionKey != "" {
			if sealer, err = crypto.NewSealer(cfg.EncryptionKey); err != nil {
				return fmt.Errorf("credential sealer: %w", err)
			}
		} else {
			logger.Warn("[Bootstrap.initStores] ENCRYPTION_KEY not set, credentials stored unsealed")
		}
		ids, err := snowflake.NewGenerator(snowflake.NodeFromString(cfg.WorkerID))
		if err != nil {
			return fmt.Errorf("id generator: %w", err)
		}

		d.SQLDB = db
		d.Accounts = persistence.NewAccountAdapter(db, sealer)
		d.Emails = persistence.NewEmailAdapter(db, ids)
		d.SyncLog = persistence.NewSyncLogAdapter(db)
	} else {
		logger.Warn("[Bootstrap.initStores] DATABASE_URL not set, using in-memory store")
		store := persistence.NewMemoryStore()
		d.Accounts, d.Emails, d.SyncLog = store, store, store
	}

	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		*cleanups = append(*cleanups, func() { client.Close() })

		d.Redis = client
		d.Counters = ratelimit.NewRedisCounterStore(client)
		d.Locker = lease.NewRedisLocker(client)
		d.StreamQueue = messaging.NewRedisWorkQueue(client, streamMaxLen)
		d.Queue = d.StreamQueue
	} else {
		logger.Warn("[Bootstrap.initStores] REDIS_URL not set, using in-process queue and counters")
		d.Counters = ratelimit.NewMemoryCounterStore()
		d.Locker = lease.NewMemoryLocker()
		d.MemoryQueue = messaging.NewMemoryQueue()
		d.Queue = d.MemoryQueue
	}
	return nil
}

func (d *Dependencies) initRealtime(cleanups *[]func()) error {
	d.Hub = realtime.NewHub(logger.Component("sse_hub"))
	if d.Config.RabbitMQURL == "" {
		return nil
	}

	rabbitCfg := realtime.DefaultRabbitConfig()
	if d.Config.NotifyExchange != "" {
		rabbitCfg.Exchange = d.Config.NotifyExchange
	}
	notifier, err := realtime.NewRabbitNotifier(d.Config.RabbitMQURL, logger.Component("rabbitmq"), rabbitCfg)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	*cleanups = append(*cleanups, func() { notifier.Close() })
	d.Rabbit = notifier
	return nil
}

func (d *Dependencies) notifier() out.Notifier {
	if d.Rabbit == nil {
		return d.Hub
	}
	return realtime.NewFanoutNotifier(d.Hub, d.Rabbit)
}

func (d *Dependencies) initServices() {
	cfg := d.Config
	notifier := d.notifier()

	syncCfg := mail.DefaultSyncConfig()
	syncCfg.PageSize = cfg.SyncPageSize
	syncCfg.IncrementalLimit = cfg.SyncIncrementalLimit
	syncCfg.IncrementalInterval = cfg.SyncIncrementalInterval
	syncCfg.MaxRetries = cfg.SyncMaxRetries
	syncCfg.InflightTTL = cfg.SyncInflightTTL
	if cfg.SyncLeaseTTL > 0 {
		syncCfg.Lease.TTL = cfg.SyncLeaseTTL
	}

	d.MailSyncService = mail.NewSyncService(mail.SyncDeps{
		Accounts:  d.Accounts,
		Emails:    d.Emails,
		SyncLog:   d.SyncLog,
		Queue:     d.Queue,
		Notifier:  notifier,
		Locker:    d.Locker,
		Markers:   d.Counters,
		Sanitizer: sanitize.New(sanitize.WithTrustedSources(cfg.TrustedSources...)),
	}, syncCfg)

	d.OAuthBreakers = resilience.NewRegistry(resilience.DefaultBreakerConfig(), logger.Component("oauth_breaker"), auth.EndpointHealthy)
	d.TokenRefresher = auth.NewTokenRefresher(auth.RefresherDeps{
		Accounts: d.Accounts,
		SyncLog:  d.SyncLog,
		Notifier: notifier,
		Configs: auth.ProviderConfigs(
			auth.GoogleConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL),
			auth.MicrosoftConfig(cfg.MicrosoftClientID, cfg.MicrosoftClientSecret, cfg.MicrosoftRedirectURL, cfg.MicrosoftTenantID),
		),
		Breakers:   d.OAuthBreakers,
		HTTPClient: httputil.NewClient(httputil.TokenClientConfig()),
	})
	d.TokenRefresher.SetResumer(d.MailSyncService)

	d.GmailFetcher = provider.NewGmailFetcher(gmailClient(), nil, logger.Component("gmail_fetcher"))
	d.Fetcher = provider.NewRouter(d.GmailFetcher, provider.NewIMAPFetcher(logger.Component("imap_fetcher")))
	d.Limiter = ratelimit.NewLimiter(d.Counters, nil)
	d.FetchMetrics = metrics.NewFetchMetrics(200)
}

func gmailClient() *http.Client {
	return httputil.NewClient(httputil.GmailClientConfig())
}
