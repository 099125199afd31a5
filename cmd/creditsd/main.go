package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/credits/internal/intent"
	"github.com/MarkoPoloResearchLab/credits/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/credits/internal/providers"
	"github.com/MarkoPoloResearchLab/credits/internal/quota"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/webhook"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

const (
	defaultDatabaseURL = "sqlite:///tmp/credits.db"
	defaultListenAddr  = ":8080"
	defaultCommunity   = "main"
	defaultUSDRate     = 100.0
	defaultChargeLimit = 100.0
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	RedisAddr        string
	RedisPassword    string
	SessionSecret    string
	IntentSecret     string
	DefaultCommunity string
	AllowedOrigins   []string
	USDRate          float64
	StartingCredits  float64
	AutoChargeLimit  float64

	ReconcileInterval time.Duration
	BonusThresholds   map[float64]float64
	RewardRules       []orchestrator.RewardRule

	StripeSecretKey       string
	StripeWebhookSecret   string
	AuthnetLoginID        string
	AuthnetTransactionKey string
	AuthnetSignatureKey   string
	Web3SharedSecret      string
	Web3TreasuryAddress   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Credits ledger and payment orchestration server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String("database-url", defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String("listen-addr", defaultListenAddr, "HTTP listen address")
	cmd.Flags().String("redis-addr", "", "Redis address for the auto-charge quota (empty disables the quota)")
	cmd.Flags().String("redis-password", "", "Redis password")
	cmd.Flags().String("session-secret", "", "HMAC key validating session tokens")
	cmd.Flags().String("intent-secret", "", "HMAC key signing intent tokens")
	cmd.Flags().String("community", defaultCommunity, "Default community namespace")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS allowed origins")
	cmd.Flags().Float64("usd-rate", defaultUSDRate, "Credits per one USD")
	cmd.Flags().Float64("starting-credits", 0, "Credits granted to first-seen accounts")
	cmd.Flags().Float64("auto-charge-limit", defaultChargeLimit, "Max auto-charged USD per user per day")
	cmd.Flags().Duration("reconcile-interval", 15*time.Minute, "How often to sweep provider charge history (0 disables)")
	cmd.Flags().StringSlice("bonus-threshold", nil, "Purchase bonus tiers as bought:bonus credit pairs")
	cmd.Flags().StringSlice("invite-reward", nil, "Inviter reward tiers as minBought:reward credit pairs")
	cmd.Flags().String("stripe-secret-key", "", "Stripe API secret key")
	cmd.Flags().String("stripe-webhook-secret", "", "Stripe webhook signing secret")
	cmd.Flags().String("authnet-login-id", "", "Authorize.Net API login id")
	cmd.Flags().String("authnet-transaction-key", "", "Authorize.Net transaction key")
	cmd.Flags().String("authnet-signature-key", "", "Authorize.Net webhook signature key")
	cmd.Flags().String("web3-shared-secret", "", "Shared secret signing chain monitor webhooks")
	cmd.Flags().String("web3-treasury-address", "", "Receiving wallet address")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		"database-url":            "DATABASE_URL",
		"listen-addr":             "LISTEN_ADDR",
		"redis-addr":              "REDIS_ADDR",
		"redis-password":          "REDIS_PASSWORD",
		"session-secret":          "SESSION_SECRET",
		"intent-secret":           "INTENT_SECRET",
		"community":               "DEFAULT_COMMUNITY",
		"allowed-origins":         "ALLOWED_ORIGINS",
		"usd-rate":                "USD_RATE",
		"starting-credits":        "STARTING_CREDITS",
		"auto-charge-limit":       "AUTO_CHARGE_LIMIT",
		"reconcile-interval":      "RECONCILE_INTERVAL",
		"bonus-threshold":         "BONUS_THRESHOLD",
		"invite-reward":           "INVITE_REWARD",
		"stripe-secret-key":       "STRIPE_SECRET_KEY",
		"stripe-webhook-secret":   "STRIPE_WEBHOOK_SECRET",
		"authnet-login-id":        "AUTHNET_LOGIN_ID",
		"authnet-transaction-key": "AUTHNET_TRANSACTION_KEY",
		"authnet-signature-key":   "AUTHNET_SIGNATURE_KEY",
		"web3-shared-secret":      "WEB3_SHARED_SECRET",
		"web3-treasury-address":   "WEB3_TREASURY_ADDRESS",
	}
	for flag, env := range bindings {
		if err := viper.BindEnv(flag, env); err != nil {
			return err
		}
		if err := viper.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database-url")
	cfg.ListenAddr = viper.GetString("listen-addr")
	cfg.RedisAddr = viper.GetString("redis-addr")
	cfg.RedisPassword = viper.GetString("redis-password")
	cfg.SessionSecret = viper.GetString("session-secret")
	cfg.IntentSecret = viper.GetString("intent-secret")
	cfg.DefaultCommunity = viper.GetString("community")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed-origins")
	cfg.USDRate = viper.GetFloat64("usd-rate")
	cfg.StartingCredits = viper.GetFloat64("starting-credits")
	cfg.AutoChargeLimit = viper.GetFloat64("auto-charge-limit")
	cfg.ReconcileInterval = viper.GetDuration("reconcile-interval")
	cfg.StripeSecretKey = viper.GetString("stripe-secret-key")
	cfg.StripeWebhookSecret = viper.GetString("stripe-webhook-secret")
	cfg.AuthnetLoginID = viper.GetString("authnet-login-id")
	cfg.AuthnetTransactionKey = viper.GetString("authnet-transaction-key")
	cfg.AuthnetSignatureKey = viper.GetString("authnet-signature-key")
	cfg.Web3SharedSecret = viper.GetString("web3-shared-secret")
	cfg.Web3TreasuryAddress = viper.GetString("web3-treasury-address")

	if cfg.SessionSecret == "" {
		return fmt.Errorf("session secret is required")
	}
	if cfg.IntentSecret == "" {
		return fmt.Errorf("intent secret is required")
	}
	if cfg.USDRate <= 0 {
		return fmt.Errorf("usd rate must be positive")
	}
	bonusThresholds, err := parseBonusThresholds(viper.GetStringSlice("bonus-threshold"))
	if err != nil {
		return fmt.Errorf("bonus-threshold: %w", err)
	}
	cfg.BonusThresholds = bonusThresholds
	rewardRules, err := parseRewardRules(viper.GetStringSlice("invite-reward"))
	if err != nil {
		return fmt.Errorf("invite-reward: %w", err)
	}
	cfg.RewardRules = rewardRules
	return nil
}

// parseBonusThresholds turns "bought:bonus" pairs into the bonus tier map.
func parseBonusThresholds(pairs []string) (map[float64]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	thresholds := make(map[float64]float64, len(pairs))
	for _, pair := range pairs {
		bought, bonus, err := parseCreditPair(pair)
		if err != nil {
			return nil, err
		}
		thresholds[bought] = bonus
	}
	return thresholds, nil
}

// parseRewardRules turns "minBought:reward" pairs into inviter reward rules.
func parseRewardRules(pairs []string) ([]orchestrator.RewardRule, error) {
	rules := make([]orchestrator.RewardRule, 0, len(pairs))
	for _, pair := range pairs {
		minBought, reward, err := parseCreditPair(pair)
		if err != nil {
			return nil, err
		}
		rules = append(rules, orchestrator.RewardRule{MinCredits: minBought, Credits: reward})
	}
	return rules, nil
}

func parseCreditPair(pair string) (float64, float64, error) {
	left, right, found := strings.Cut(pair, ":")
	if !found {
		return 0, 0, fmt.Errorf("expected a colon-separated pair, got %q", pair)
	}
	first, err := strconv.ParseFloat(strings.TrimSpace(left), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %q: %w", pair, err)
	}
	second, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse %q: %w", pair, err)
	}
	if first < 0 || second < 0 {
		return 0, 0, fmt.Errorf("negative value in %q", pair)
	}
	return first, second, nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	var limiter *quota.Limiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer redisClient.Close()
		limiter = quota.NewLimiter(redisClient, cfg.AutoChargeLimit, 24*time.Hour)
	}

	rates := ledger.ExchangeRates{"USD": cfg.USDRate}
	clock := func() int64 { return time.Now().UTC().Unix() }

	var payService *orchestrator.Service
	topUp := func(ctx context.Context, request ledger.TopUpRequest) error {
		return payService.TopUp(ctx, request)
	}

	ledgerOptions := []ledger.ServiceOption{
		ledger.WithOperationLogger(zapOperationLogger{logger: logger}),
		ledger.WithTopUp(topUp),
	}
	if cfg.StartingCredits > 0 {
		ledgerOptions = append(ledgerOptions, ledger.WithStartingGrant(cfg.StartingCredits))
	}
	if len(cfg.BonusThresholds) > 0 {
		ledgerOptions = append(ledgerOptions, ledger.WithBonusThresholds(cfg.BonusThresholds))
	}
	ledgerService, err := ledger.NewService(store, rates, clock, ledgerOptions...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	intentService, err := intent.NewService(store, []byte(cfg.IntentSecret), 24*time.Hour, nil)
	if err != nil {
		return fmt.Errorf("intent service init: %w", err)
	}

	registry, err := payments.NewRegistry(buildAdapters(cfg)...)
	if err != nil {
		return fmt.Errorf("adapter registry init: %w", err)
	}

	inviterOf := func(ctx context.Context, communityID string, userID string) (string, error) {
		account, found, err := store.GetAccount(ctx, communityID, userID)
		if err != nil || !found {
			return "", err
		}
		invitedBy, _ := account.Attributes["invitedBy"].(string)
		return invitedBy, nil
	}

	payService, err = orchestrator.NewService(
		ledgerService,
		intentService,
		registry,
		store,
		limiter,
		orchestrator.Config{
			DefaultCommunity: cfg.DefaultCommunity,
			DefaultGateway:   providers.ProviderStripe,
			Tokenless: map[string]orchestrator.AmountRange{
				ledger.ReasonJoinedPaidStream: {Min: 0, Max: 10000},
				ledger.ReasonPaymentToUser:    {Min: 0, Max: 10000},
			},
			RewardRules: cfg.RewardRules,
		},
		inviterOf,
		nil,
		logger,
	)
	if err != nil {
		return fmt.Errorf("orchestrator init: %w", err)
	}

	if cfg.ReconcileInterval > 0 {
		go payService.RunReconciliation(ctx, cfg.ReconcileInterval)
	}

	dispatcher := webhook.NewDispatcher(registry, payService, logger)

	server := httpapi.NewServer(httpapi.Config{
		ListenAddr:       cfg.ListenAddr,
		AllowedOrigins:   cfg.AllowedOrigins,
		SessionSecret:    cfg.SessionSecret,
		DefaultCommunity: cfg.DefaultCommunity,
	}, ledgerService, payService, dispatcher, logger)

	return server.Run(ctx)
}

func buildAdapters(cfg *runtimeConfig) []payments.Adapter {
	var adapters []payments.Adapter
	if cfg.StripeSecretKey != "" {
		adapters = append(adapters, providers.NewStripe(providers.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
		}, nil))
	}
	if cfg.AuthnetLoginID != "" {
		adapters = append(adapters, providers.NewAuthnet(providers.AuthnetConfig{
			LoginID:        cfg.AuthnetLoginID,
			TransactionKey: cfg.AuthnetTransactionKey,
			SignatureKey:   cfg.AuthnetSignatureKey,
		}, nil))
	}
	if cfg.Web3SharedSecret != "" {
		adapters = append(adapters, providers.NewWeb3(providers.Web3Config{
			SharedSecret:    cfg.Web3SharedSecret,
			TreasuryAddress: cfg.Web3TreasuryAddress,
		}))
	}
	return adapters
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger zapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("communityId", entry.CommunityID),
		zap.String("userId", entry.UserID),
		zap.Float64("amount", entry.Amount),
		zap.String("reason", entry.Reason),
		zap.String("status", entry.Status),
	}
	if entry.PeerUserID != "" {
		fields = append(fields, zap.String("peerUserId", entry.PeerUserID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
