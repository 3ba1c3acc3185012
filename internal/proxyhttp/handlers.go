// Package proxyhttp wires the cluster manager and translator into the
// gin HTTP surface: the client-facing Messages endpoint plus the
// operator-facing cluster introspection endpoints, following this
// codebase's gin-server example's route/handler layout.
package proxyhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clusterproxy/messages-proxy/internal/cluster"
	"github.com/clusterproxy/messages-proxy/internal/config"
	"github.com/clusterproxy/messages-proxy/internal/fingerprint"
	"github.com/clusterproxy/messages-proxy/internal/translator"
	"github.com/clusterproxy/messages-proxy/pkg/internal/retry"
	protoerrors "github.com/clusterproxy/messages-proxy/pkg/provider/errors"
	"github.com/clusterproxy/messages-proxy/pkg/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// requestTimeout bounds one client-facing /v1/messages call end to end.
const requestTimeout = 180 * time.Second

// Server owns the gin engine and its dependency on the cluster manager.
type Server struct {
	manager *cluster.Manager
	log     *logrus.Entry
	retry   retry.Config

	telemetry *telemetry.Settings
	tracer    trace.Tracer

	engine *gin.Engine
}

// New builds a Server with routes registered, deriving the rate limiter
// and telemetry settings from cfg.
func New(manager *cluster.Manager, log *logrus.Entry, cfg *config.Config) *Server {
	settings := telemetry.DefaultSettings().
		WithEnabled(cfg.Telemetry.Enabled).
		WithRecordInputs(cfg.Telemetry.RecordInputs).
		WithRecordOutputs(cfg.Telemetry.RecordOutputs).
		WithFunctionID("messages-proxy.dispatch")

	s := &Server{
		manager:   manager,
		log:       log,
		retry:     retry.DefaultConfig(),
		telemetry: settings,
		tracer:    telemetry.GetTracer(settings),
	}
	s.retry.MaxRetries = 2
	s.retry.InitialDelay = 100 * time.Millisecond

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	if cfg.RateLimit.Enabled {
		engine.Use(rateLimitMiddleware(newPerClientLimiter(cfg.RateLimit)))
	}

	engine.GET("/health", s.handleHealth)
	engine.GET("/v1/cluster/status", s.handleClusterStatus)
	engine.GET("/v1/cluster/nodes", s.handleClusterNodes)
	engine.POST("/v1/messages", s.handleMessages)

	s.engine = engine
	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("request handled")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleClusterStatus(c *gin.Context) {
	status, nodes := s.manager.ClusterStatusSnapshot()
	c.JSON(http.StatusOK, gin.H{"status": status, "node_count": len(nodes)})
}

func (s *Server) handleClusterNodes(c *gin.Context) {
	_, nodes := s.manager.ClusterStatusSnapshot()
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (s *Server) handleMessages(c *gin.Context) {
	var req translator.AnthropicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}

	systemText, err := translator.SystemText(req.System)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}

	fp, err := fingerprint.Compute(systemText, req.Tools)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"type": "api_error", "message": "fingerprinting failed"}})
		return
	}
	markers := fingerprint.ExtractCacheMarkers(extractContentBlocks(req))

	sessionID := c.GetHeader("X-Session-Id")
	decision := s.manager.SelectNode(fp.SystemHash, fp.ToolsHash, sessionID, markers.EstimatedTokens)
	if decision == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"type": "overloaded_error", "message": protoerrors.ErrNoEligibleNode.Error()}})
		return
	}

	body, err := translator.ToOpenAIChatRequest(req, systemText)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": err.Error()}})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	spanAttrs := []attribute.KeyValue{
		attribute.String("proxy.node.id", decision.NodeID),
		attribute.Bool("proxy.stream", req.Stream),
	}
	if s.telemetry.RecordInputs {
		spanAttrs = append(spanAttrs, attribute.String("proxy.model", req.Model))
	}

	var nodeID string
	resp, err := telemetry.RecordSpan(ctx, s.tracer, telemetry.SpanOptions{
		Name:        "proxy.dispatch",
		Attributes:  spanAttrs,
		EndWhenDone: true,
	}, func(ctx context.Context, _ trace.Span) (*http.Response, error) {
		r, dispatchNodeID, dispatchErr := s.dispatchWithRetry(ctx, decision.NodeID, body)
		nodeID = dispatchNodeID
		if dispatchErr != nil {
			return nil, dispatchErr
		}
		return r, nil
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"type": "api_error", "message": "upstream dispatch failed"}})
		return
	}
	defer resp.Body.Close()

	if node, ok := s.manager.GetNode(nodeID); ok {
		node.IncInFlight()
		defer node.DecInFlight()
	}

	messageID := "msg_" + uuid.NewString()
	tr := translator.New(messageID, req.Model)
	defer tr.Close()

	if !req.Stream {
		start := time.Now()
		message, err := tr.RunBuffered(ctx, resp.Body)
		s.recordOutcome(nodeID, start, err)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": gin.H{"type": "api_error", "message": "translation failed"}})
			return
		}
		c.JSON(http.StatusOK, message)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Header().Set("Transfer-Encoding", "chunked")
	c.Writer.WriteHeader(http.StatusOK)

	flush := func() {
		if f, ok := c.Writer.(http.Flusher); ok {
			f.Flush()
		}
	}

	start := time.Now()
	err = tr.Run(ctx, resp.Body, c.Writer, flush)
	s.recordOutcome(nodeID, start, err)
}

// extractContentBlocks flattens every array-form content field on the
// request (the system prompt's block form plus each message's content)
// into the raw-block slice fingerprint.ExtractCacheMarkers scans for
// cache_control: ephemeral markers. A field in bare-string form yields
// no blocks and is skipped, since it carries no cache_control.
func extractContentBlocks(req translator.AnthropicRequest) []interface{} {
	var blocks []interface{}

	var systemBlocks []interface{}
	if json.Unmarshal(req.System, &systemBlocks) == nil {
		blocks = append(blocks, systemBlocks...)
	}

	for _, m := range req.Messages {
		var msgBlocks []interface{}
		if json.Unmarshal(m.Content, &msgBlocks) == nil {
			blocks = append(blocks, msgBlocks...)
		}
	}
	return blocks
}

// dispatchWithRetry retries a failed dispatch against a different
// eligible node when one is available, or the same node otherwise, per
// §7's retry policy (bounded exponential backoff, up to 3 attempts).
func (s *Server) dispatchWithRetry(ctx context.Context, firstNodeID string, body []byte) (*http.Response, string, error) {
	nodeID := firstNodeID
	var resp *http.Response

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		provider, err := s.manager.GetProvider(nodeID)
		if err != nil {
			return err
		}
		r, dispatchErr := provider.Dispatch(ctx, body)
		if dispatchErr != nil {
			s.manager.RecordFailure(nodeID, dispatchErr)
			if alt := s.manager.SelectNode("", "", "", 0); alt != nil && alt.NodeID != nodeID {
				nodeID = alt.NodeID
			}
			return dispatchErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, nodeID, fmt.Errorf("proxyhttp: dispatch failed after retries: %w", err)
	}
	return resp, nodeID, nil
}

func (s *Server) recordOutcome(nodeID string, start time.Time, err error) {
	if err != nil {
		s.manager.RecordFailure(nodeID, err)
		return
	}
	s.manager.RecordSuccess(nodeID, float64(time.Since(start).Milliseconds()))
}
