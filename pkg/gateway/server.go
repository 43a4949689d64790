package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haru0416-dev/asteroniris/pkg/config"
	"github.com/haru0416-dev/asteroniris/pkg/defense"
	"github.com/haru0416-dev/asteroniris/pkg/models"
)

// ErrPublicBindRefused rejects non-loopback binds without the explicit
// opt-in.
var ErrPublicBindRefused = errors.New("refusing non-loopback bind without allow_public_bind")

// MessageHandler processes one inbound gateway message and returns the reply.
type MessageHandler func(ctx context.Context, msg *models.ChannelMessage) (string, error)

// HealthReporter supplies component health for /health.
type HealthReporter func() map[string]string

// Server is the HTTP gateway.
type Server struct {
	cfg        config.GatewayConfig
	engine     *gin.Engine
	httpServer *http.Server
	pairing    *Pairing
	replay     *ReplayCache
	defense    *defense.Defense
	providers  map[string]*WebhookProvider
	handler    MessageHandler
	health     HealthReporter
	upgrader   websocket.Upgrader
}

// NewServer builds the gateway with all routes registered.
func NewServer(cfg config.GatewayConfig, def *defense.Defense, handler MessageHandler, health HealthReporter) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		pairing:   NewPairing(),
		replay:    NewReplayCache(10 * time.Minute),
		defense:   def,
		providers: make(map[string]*WebhookProvider),
		handler:   handler,
		health:    health,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || len(cfg.CORSOrigins) == 0 {
					return origin == ""
				}
				for _, allowed := range cfg.CORSOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}

	s.setupRoutes()
	return s
}

// RegisterWebhookProvider adds a signed webhook source.
func (s *Server) RegisterWebhookProvider(p *WebhookProvider) {
	s.providers[p.Name] = p
}

// Pairing exposes the pairing manager (the CLI prints issued codes).
func (s *Server) Pairing() *Pairing { return s.pairing }

func (s *Server) setupRoutes() {
	// Uniform body size cap and request timeout on every route.
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.BodyLimitBytes)
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.RequestTimeout.Duration())
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})

	s.engine.GET("/health", s.healthHandler)
	s.engine.POST("/pair", s.pairHandler)
	s.engine.POST("/webhook", s.authMiddleware(), s.webhookHandler)
	s.engine.POST("/webhook/:provider", s.signedWebhookHandler)
	s.engine.GET("/ws", s.authMiddleware(), s.wsHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start begins serving. Binding to a non-loopback address is refused unless
// explicitly opted in.
func (s *Server) Start() error {
	host := s.cfg.Host
	if !s.cfg.AllowPublicBind {
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return fmt.Errorf("%w: %s", ErrPublicBindRefused, host)
		}
	}

	addr := fmt.Sprintf("%s:%d", host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Gateway listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() http.Handler { return s.engine }

func (s *Server) healthHandler(c *gin.Context) {
	components := map[string]string{}
	if s.health != nil {
		components = s.health()
	}
	status := "healthy"
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "components": components})
}

type pairRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) pairHandler(c *gin.Context) {
	var req pairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	token, hashPrefix, expires, err := s.pairing.Confirm(req.Code)
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, ErrPairingLockout) {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":             token,
		"token_hash_prefix": hashPrefix,
		"expires_at":        expires.UTC().Format(time.RFC3339),
	})
}

// authMiddleware enforces the paired bearer token when pairing is required.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.RequirePairing {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || s.pairing.Verify(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "pairing required"})
			return
		}
		c.Next()
	}
}

type webhookBody struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content" binding:"required"`
}

func (s *Server) webhookHandler(c *gin.Context) {
	var body webhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if err := s.replay.Check(body.MessageID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.dispatch(c, "webhook", body.Sender, body.MessageID, body.Content)
}

// signedWebhookHandler verifies per-provider HMAC signatures before
// dispatching.
func (s *Server) signedWebhookHandler(c *gin.Context) {
	name := c.Param("provider")
	providerCfg, ok := s.providers[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownSource.Error()})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	signature := c.GetHeader(providerCfg.SigHeader)
	timestamp := ""
	if providerCfg.TSHeader != "" {
		timestamp = c.GetHeader(providerCfg.TSHeader)
	}
	if err := providerCfg.Verify(signature, timestamp, raw); err != nil {
		slog.Warn("Webhook signature rejected", "provider", name)
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	messageID := c.GetHeader("X-Message-Id")
	if err := s.replay.Check(messageID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.dispatch(c, name, "webhook:"+name, messageID, string(raw))
}

// dispatch runs external-content defense, then hands the message to the
// handler. Blocked content returns 422 and is not forwarded.
func (s *Server) dispatch(c *gin.Context, channel, sender, id, content string) {
	verdict := s.defense.Evaluate("webhook:"+channel, content)
	if verdict.Action == defense.ActionBlock {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "content refused",
			"flags": verdict.Flags,
		})
		return
	}

	if s.handler == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}

	msg := &models.ChannelMessage{
		ID:        id,
		SenderID:  sender,
		Content:   verdict.Framed,
		Channel:   channel,
		Timestamp: time.Now().UTC(),
	}
	reply, err := s.handler(c.Request.Context(), msg)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

// wsHandler upgrades to a websocket and echoes handled replies per inbound
// frame, in order.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		verdict := s.defense.Evaluate("ws", string(raw))
		if verdict.Action == defense.ActionBlock {
			_ = conn.WriteJSON(gin.H{"error": "content refused", "flags": verdict.Flags})
			continue
		}
		if s.handler == nil {
			_ = conn.WriteJSON(gin.H{"status": "accepted"})
			continue
		}
		msg := &models.ChannelMessage{
			SenderID:  "ws",
			Content:   verdict.Framed,
			Channel:   "ws",
			Timestamp: time.Now().UTC(),
		}
		reply, err := s.handler(c.Request.Context(), msg)
		if err != nil {
			_ = conn.WriteJSON(gin.H{"error": "processing failed"})
			continue
		}
		_ = conn.WriteJSON(gin.H{"reply": reply})
	}
}
