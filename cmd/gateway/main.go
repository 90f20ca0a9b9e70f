package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kimjaechol/moa-gateway/internal/aidispatch"
	"github.com/kimjaechol/moa-gateway/internal/allowlist"
	"github.com/kimjaechol/moa-gateway/internal/audit"
	"github.com/kimjaechol/moa-gateway/internal/channel"
	"github.com/kimjaechol/moa-gateway/internal/config"
	"github.com/kimjaechol/moa-gateway/internal/heartbeat"
	"github.com/kimjaechol/moa-gateway/internal/httpapi"
	"github.com/kimjaechol/moa-gateway/internal/logging"
	"github.com/kimjaechol/moa-gateway/internal/metrics"
	"github.com/kimjaechol/moa-gateway/internal/pipeline"
	"github.com/kimjaechol/moa-gateway/internal/ratelimit"
	"github.com/kimjaechol/moa-gateway/internal/registry"
	"github.com/kimjaechol/moa-gateway/internal/store"

	"github.com/kimjaechol/moa-gateway/pkg/adapters/discord"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/googlechat"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/kakaotalk"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/line"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/mattermost"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/matrix"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/signalcli"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/slack"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/telegram"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/whatsapp"
	"github.com/kimjaechol/moa-gateway/pkg/adapters/zalo"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metrics.NewRegistry()
	sysSnapshot := metrics.NewSystemSnapshot()
	sysStop := make(chan struct{})
	go sysSnapshot.RunSampler(sysStop, 15*time.Second)
	defer close(sysStop)

	auditBus := audit.Connect(cfg.Audit.NATSURL, logger)
	defer auditBus.Close()

	al := allowlist.New()
	for ch, cal := range cfg.Allowlists {
		al.LoadChannel(ch, cal.Mode, cal.Users, cal.Groups)
	}

	rl := ratelimit.New(ratelimit.Config{
		MaxPerMinute: cfg.RateLimit.PerMinute,
		MaxStrikes:   cfg.RateLimit.MaxStrikes,
		Cooldowns:    cfg.RateLimit.StrikeCooldowns,
	})
	defer rl.Shutdown()

	dispatcher := aidispatch.New(aidispatch.Config{
		MoaAPIURL:    cfg.AI.MoaAPIURL,
		MoaAPISecret: cfg.AI.MoaAPISecret,
		AgentURL:     cfg.AI.OpenclawGatewayURL,
		AgentToken:   cfg.AI.OpenclawGatewayToken,
		AgentTimeout: cfg.AI.OpenclawTimeout,
	}, logger)

	reg := registry.New(logger, metricsRegistry)
	registerAdapters(reg, cfg, logger)

	pipe := pipeline.New(pipeline.Deps{
		Allowlist:   al,
		RateLimiter: rl,
		Registry:    reg,
		Dispatcher:  dispatcher,
		Audit:       auditBus,
		Metrics:     metricsRegistry,
		Logger:      logger,
	})

	// Polling-family adapters (Matrix, Signal-CLI) must have OnMessage wired
	// before InitializeAll starts their background loop.
	wireAdapterHandlers(reg, pipe)

	if err := reg.InitializeAll(ctx); err != nil {
		logger.Warn("some adapters failed to initialize", zap.Error(err))
	}
	defer reg.ShutdownAll(context.Background())

	st := store.NewMemoryStore()
	hbEngine := heartbeat.New(st, dispatcher, metricsRegistry, logger)
	cronSched := cron.New()
	if _, err := cronSched.AddFunc("@every 1m", func() {
		counters := hbEngine.Run(context.Background())
		logger.Info("heartbeat cycle complete",
			zap.Int("processed", counters.Processed),
			zap.Int("delivered", counters.Delivered),
			zap.Int("skipped", counters.Skipped),
			zap.Strings("errors", counters.Errors))
	}); err != nil {
		logger.Fatal("failed to schedule heartbeat cron", zap.Error(err))
	}
	cronSched.Start()
	defer cronSched.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := httpapi.New(httpapi.Config{
		Addr:       addr,
		AdminToken: cfg.Admin.BearerToken,
	}, reg, pipe, al, rl, metricsRegistry, sysSnapshot, logger)

	logger.Info("gateway starting", zap.String("addr", addr))
	if err := server.Run(ctx); err != nil {
		logger.Fatal("http server error", zap.Error(err))
	}

	logger.Info("gateway stopped")
}

// registerAdapters constructs every platform adapter and registers it.
// Adapters whose credentials are missing remain registered but inactive
// (IsConfigured()==false), visible through the registry's status surface,
// matching the spec's "absent credentials disable rather than crash" rule.
func registerAdapters(reg *registry.Registry, cfg config.Config, logger *zap.Logger) {
	adapters := []channel.Adapter{
		mattermost.New(mattermost.Config{
			WebhookSecret: cfg.Adapters.Mattermost.WebhookSecret,
			BotUserID:     cfg.Adapters.Mattermost.BotUserID,
			BotToken:      cfg.Adapters.Mattermost.BotToken,
			ServerURL:     cfg.Adapters.Mattermost.ServerURL,
		}, logger),
		slack.New(slack.Config{
			SigningSecret: cfg.Adapters.Slack.SigningSecret,
			BotToken:      cfg.Adapters.Slack.BotToken,
			BotUserID:     cfg.Adapters.Slack.BotUserID,
		}, logger),
		telegram.New(telegram.Config{
			BotToken:      cfg.Adapters.Telegram.BotToken,
			WebhookSecret: cfg.Adapters.Telegram.WebhookSecret,
		}, logger),
		discord.New(discord.Config{
			BotToken: cfg.Adapters.Discord.BotToken,
		}, logger),
		googlechat.New(googlechat.Config{
			ServiceAccountEmail: cfg.Adapters.GoogleChat.ServiceAccountEmail,
			PrivateKeyPEM:       cfg.Adapters.GoogleChat.PrivateKeyPEM,
			VerificationToken:   cfg.Adapters.GoogleChat.VerificationToken,
		}, logger),
		zalo.New(zalo.Config{
			OASecretKey: cfg.Adapters.Zalo.AppSecret,
			AccessToken: cfg.Adapters.Zalo.OAAccessToken,
		}, logger),
		line.New(line.Config{
			ChannelSecret: cfg.Adapters.LINE.ChannelSecret,
			ChannelToken:  cfg.Adapters.LINE.ChannelAccessToken,
		}, logger),
		kakaotalk.New(kakaotalk.Config{
			SkillSecret: cfg.Adapters.KakaoTalk.WebhookSecret,
			APIKey:      cfg.Adapters.KakaoTalk.RestAPIKey,
		}, logger),
		whatsapp.New(whatsapp.Config{
			AppSecret:     cfg.Adapters.WhatsApp.AppSecret,
			VerifyToken:   cfg.Adapters.WhatsApp.VerifyToken,
			AccessToken:   cfg.Adapters.WhatsApp.AccessToken,
			PhoneNumberID: cfg.Adapters.WhatsApp.PhoneNumberID,
		}, logger),
		matrix.New(matrix.Config{
			HomeserverURL: cfg.Adapters.Matrix.HomeserverURL,
			AccessToken:   cfg.Adapters.Matrix.AccessToken,
			UserID:        cfg.Adapters.Matrix.UserID,
		}, logger),
		signalcli.New(signalcli.Config{
			DaemonURL:    cfg.Adapters.SignalCLI.BaseURL,
			AccountE164:  cfg.Adapters.SignalCLI.PhoneNumber,
			PollInterval: cfg.Adapters.SignalCLI.PollPeriod,
		}, logger),
	}

	for _, a := range adapters {
		if err := reg.Register(a); err != nil {
			logger.Warn("adapter registration failed", zap.String("channel", a.Channel()), zap.Error(err))
		}
	}
}

// wireAdapterHandlers connects each polling-family adapter's OnMessage
// callback to the pipeline before Initialize starts their background loop.
func wireAdapterHandlers(reg *registry.Registry, pipe *pipeline.Pipeline) {
	for _, a := range reg.GetAll() {
		if pollingAdapter, ok := a.(channel.PollingAdapter); ok {
			pollingAdapter.OnMessage(func(ctx context.Context, msg channel.IncomingMessage) {
				pipe.Process(ctx, msg)
			})
		}
	}
}
