package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"pinsync/pkg/logger"
)

// OTelMiddleware OpenTelemetry中间件配置
type OTelMiddleware struct {
	serviceName string
	logger      logger.Logger
}

// NewOTelMiddleware 创建OpenTelemetry中间件
func NewOTelMiddleware(serviceName string, logger logger.Logger) *OTelMiddleware {
	return &OTelMiddleware{
		serviceName: serviceName,
		logger:      logger,
	}
}

// GinMiddleware 返回Gin的OpenTelemetry中间件
func (m *OTelMiddleware) GinMiddleware() gin.HandlerFunc {
	baseMiddleware := otelgin.Middleware(m.serviceName)

	return gin.HandlerFunc(func(c *gin.Context) {
		baseMiddleware(c)

		// 增强context，带上会话与用户标识
		ctx := m.enhanceContext(c.Request.Context(), c)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	})
}

// enhanceContext 把请求头里的业务标识写入context
func (m *OTelMiddleware) enhanceContext(ctx context.Context, c *gin.Context) context.Context {
	sessionID := c.GetHeader("X-Session-ID")
	if sessionID == "" {
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			sessionID = span.SpanContext().TraceID().String()
		}
	}
	if sessionID != "" {
		ctx = context.WithValue(ctx, logger.ContextKeySessionID, sessionID)
	}

	if userID := c.GetHeader("X-User-ID"); userID != "" {
		ctx = context.WithValue(ctx, logger.ContextKeyUserID, userID)
	}

	return ctx
}
