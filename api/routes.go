// Package api exposes the proxy server surface: the token-guarded HTTP
// endpoints the proxy transport polls and the websocket bridge the direct
// transport streams over.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tracecollect/adb"
	"tracecollect/service"
)

const (
	// Version travels on every response; clients reject servers whose
	// version is older than their own.
	Version = "6.0.0"

	VersionHeader = "Tracecollect-Proxy-Version"
	TokenHeader   = "Tracecollect-Token"
)

// Server bundles the proxy server's collaborators behind the HTTP and
// websocket handlers.
type Server struct {
	adb     *adb.Client
	runner  *service.TraceRunner
	store   *service.Store
	token   string
	origins *OriginGate
	port    int
}

// NewServer returns a server. The store may be nil when capture history
// is disabled.
func NewServer(client *adb.Client, runner *service.TraceRunner, store *service.Store, token string, port int) *Server {
	return &Server{
		adb:     client,
		runner:  runner,
		store:   store,
		token:   token,
		origins: NewOriginGate(),
		port:    port,
	}
}

// Router builds the gin engine with every route attached.
func (s *Server) Router() *gin.Engine {
	router := gin.Default()
	router.Use(StandardHeadersMiddleware())

	// Bridge endpoints authenticate by origin allowlist, not token: the
	// envelope protocol has no room for custom headers.
	router.GET("/adb-json", s.HandleADBSocket)
	router.GET("/track-devices-json", s.HandleDevicesSocket)
	router.GET("/authorize-origin", s.AuthorizeOrigin)

	authed := router.Group("/", s.TokenMiddleware())
	{
		authed.GET("/devices", s.GetDevices)
		authed.GET("/status/:serial/:target", s.GetStatus)
		authed.GET("/fetch/:serial/*path", s.FetchFile)
		authed.POST("/runadbcmd/:serial", s.RunADBCommand)
		authed.POST("/starttrace/:serial", s.StartTrace)
		authed.POST("/endtrace/:serial", s.EndTrace)
		authed.GET("/history/:serial", s.GetHistory)
	}
	return router
}

// StandardHeadersMiddleware sets the version and CORS headers every
// response carries, and short-circuits preflight requests.
func StandardHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", TokenHeader+", Content-Type, Content-Length")
		h.Set("Access-Control-Expose-Headers", VersionHeader)
		h.Set(VersionHeader, Version)

		if c.Request.Method == http.MethodOptions {
			c.String(http.StatusOK, "GET,POST")
			c.Abort()
			return
		}
		c.Next()
	}
}

// TokenMiddleware rejects requests without the persisted security token.
func (s *Server) TokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(TokenHeader) != s.token {
			c.String(http.StatusForbidden, "Bad security token!\nThis is the tracecollect ADB proxy.\n")
			c.Abort()
			return
		}
		c.Next()
	}
}
