// Package httpapi exposes the credits service over HTTP: authenticated
// client endpoints for paying and checking balances, and unauthenticated
// webhook endpoints for provider deliveries.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/orchestrator"
	"github.com/MarkoPoloResearchLab/credits/internal/webhook"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/payments"
)

// Config configures the HTTP server.
type Config struct {
	ListenAddr       string
	AllowedOrigins   []string
	SessionSecret    string
	DefaultCommunity string
}

// Server serves the HTTP API.
type Server struct {
	config        Config
	ledgerService *ledger.Service
	pay           *orchestrator.Service
	dispatcher    *webhook.Dispatcher
	logger        *zap.Logger
}

// NewServer wires a Server.
func NewServer(config Config, ledgerService *ledger.Service, pay *orchestrator.Service, dispatcher *webhook.Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:        config,
		ledgerService: ledgerService,
		pay:           pay,
		dispatcher:    dispatcher,
		logger:        logger,
	}
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhooks/:provider", server.handleWebhook)

	api := router.Group("/api", requireUser([]byte(server.config.SessionSecret)))
	api.POST("/pay", server.handlePay)
	api.POST("/intent", server.handleIntent)
	api.GET("/balance", server.handleBalance)
	api.GET("/history", server.handleHistory)
	return router
}

// Run serves until the context is canceled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type payBody struct {
	CommunityID   string            `json:"communityId"`
	Operation     string            `json:"operation"`
	Amount        float64           `json:"amount"`
	Reason        string            `json:"reason"`
	ToUserID      string            `json:"toUserId"`
	ToPublisherID string            `json:"toPublisherId"`
	ToStreamName  string            `json:"toStreamName"`
	Gateway       string            `json:"gateway"`
	AutoCharge    bool              `json:"autoCharge"`
	IntentToken   string            `json:"intentToken"`
	Metadata      map[string]string `json:"metadata"`
}

// handlePay always answers 200 with a structured decision; transport errors
// are reserved for malformed requests.
func (server *Server) handlePay(ctx *gin.Context) {
	var body payBody
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	communityID := server.community(body.CommunityID)
	userID := authenticatedUser(ctx)
	server.startAccount(ctx, communityID, userID)
	result := server.pay.Pay(ctx.Request.Context(), orchestrator.PayRequest{
		CommunityID:   communityID,
		UserID:        userID,
		Operation:     body.Operation,
		Amount:        body.Amount,
		Reason:        body.Reason,
		ToUserID:      body.ToUserID,
		ToPublisherID: body.ToPublisherID,
		ToStreamName:  body.ToStreamName,
		Gateway:       body.Gateway,
		AutoCharge:    body.AutoCharge,
		IntentToken:   body.IntentToken,
		Metadata:      body.Metadata,
	})
	ctx.JSON(http.StatusOK, result)
}

type intentBody struct {
	CommunityID string  `json:"communityId"`
	Credits     float64 `json:"credits"`
	Gateway     string  `json:"gateway"`
}

func (server *Server) handleIntent(ctx *gin.Context) {
	var body intentBody
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	communityID := server.community(body.CommunityID)
	userID := authenticatedUser(ctx)
	server.startAccount(ctx, communityID, userID)
	result := server.pay.BuyCredits(ctx.Request.Context(), communityID, userID, body.Credits, body.Gateway)
	ctx.JSON(http.StatusOK, result)
}

func (server *Server) handleBalance(ctx *gin.Context) {
	communityID := server.community(ctx.Query("communityId"))
	userID := authenticatedUser(ctx)
	server.startAccount(ctx, communityID, userID)
	balance, err := server.ledgerService.Amount(ctx.Request.Context(), communityID, userID)
	if err != nil {
		server.logger.Error("balance lookup failed", zap.String("userId", userID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "balance unavailable"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"communityId": communityID,
		"userId":      userID,
		"balance":     balance,
		"currency":    ledger.CurrencyCredits,
	})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	communityID := server.community(ctx.Query("communityId"))
	userID := authenticatedUser(ctx)
	server.startAccount(ctx, communityID, userID)
	entries, err := server.ledgerService.ListEntries(ctx.Request.Context(), communityID, userID, 0, 100)
	if err != nil {
		server.logger.Error("history lookup failed", zap.String("userId", userID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	items := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		items = append(items, gin.H{
			"id":         entry.ID,
			"amount":     entry.Amount,
			"reason":     entry.Reason,
			"fromUserId": entry.FromUserID,
			"toUserId":   entry.ToUserID,
			"insertedAt": entry.InsertedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": items})
}

// handleWebhook authenticates the delivery, then either processes inline or
// acknowledges first for providers that demand a fast 200. Processing
// failures answer 5xx so the provider redelivers; redelivery is safe.
func (server *Server) handleWebhook(ctx *gin.Context) {
	provider := ctx.Param("provider")
	body, err := ctx.GetRawData()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	delivery, err := server.dispatcher.Receive(ctx.Request.Context(), provider, payments.WebhookRequest{
		Header: ctx.Request.Header,
		Body:   body,
	})
	if err != nil {
		if errors.Is(err, payments.ErrUnknownProvider) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "rejected"})
		return
	}
	if delivery.AckFast() {
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		go func() {
			processCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.dispatcher.Process(processCtx, delivery); err != nil {
				server.logger.Error("deferred webhook processing failed",
					zap.String("provider", provider),
					zap.Error(err))
			}
		}()
		return
	}
	if err := server.dispatcher.Process(ctx.Request.Context(), delivery); err != nil {
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func (server *Server) community(requested string) string {
	if requested != "" {
		return requested
	}
	return server.config.DefaultCommunity
}

// startAccount hands out the configured starting grant on a user's first
// authenticated touch. A failure never blocks the request.
func (server *Server) startAccount(ctx *gin.Context, communityID string, userID string) {
	if err := server.ledgerService.StartAccount(ctx.Request.Context(), communityID, userID); err != nil {
		server.logger.Warn("starting grant failed", zap.String("userId", userID), zap.Error(err))
	}
}
