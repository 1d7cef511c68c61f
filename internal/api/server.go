package api

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server serves the message API and mounts the extension bridge.
type Server struct {
	handler  *Handler
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates the API server. The bridge handler is mounted at
// /bridge; the extension upgrades that route to a WebSocket.
func NewServer(addr string, handler *Handler, bridge http.Handler, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		handler: handler,
		logger:  logger.With().Str("component", "api-server").Logger(),
	}

	router.POST("/api/message", s.handleMessage)
	router.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/bridge", gin.WrapH(bridge))
	router.GET("/blocked", s.handleBlockPage)

	s.server = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

func (s *Server) handleMessage(ctx *gin.Context) {
	var message Message
	if err := ctx.ShouldBindJSON(&message); err != nil {
		ctx.JSON(http.StatusBadRequest, Response{Success: false, Error: "malformed request"})
		return
	}
	if message.Action == "" {
		ctx.JSON(http.StatusBadRequest, Response{Success: false, Error: "missing action"})
		return
	}

	// Domain failures ride in the envelope; HTTP status stays 200.
	ctx.JSON(http.StatusOK, s.handler.Handle(ctx.Request.Context(), message.Action, message.Payload))
}

const blockPage = `<!DOCTYPE html>
<html>
<head><title>Time limit reached</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 10%%">
<h1>Time limit reached</h1>
<p>%s</p>
</body>
</html>`

// handleBlockPage serves the page tabs are redirected to after a global
// breach.
func (s *Server) handleBlockPage(ctx *gin.Context) {
	message := "Your daily browsing time is used up."
	if ctx.Query("reason") == "time_limit" {
		message = "You have reached your daily browsing time limit for today."
	}
	ctx.Header("Content-Type", "text/html; charset=utf-8")
	ctx.String(http.StatusOK, blockPage, message)
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop stops the API server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Close()
}
