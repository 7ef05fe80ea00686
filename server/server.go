// Package server exposes a sponsor session over HTTP.
package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/stable-net/paymaster-sponsor/sponsor"
)

// Sponsor is the part of a session the HTTP surface drives.
type Sponsor interface {
	Execute(ctx context.Context, calls ...sponsor.Call) (*sponsor.Outcome, error)
	Lookup(ctx context.Context, hash common.Hash) (*sponsor.Receipt, error)
	ResolveAccount(ctx context.Context) (*sponsor.SmartAccount, error)
	TransferCall(to common.Address, amount *big.Int) sponsor.Call
}

// Server routes HTTP requests to a sponsor session.
type Server struct {
	sponsor  Sponsor
	gatherer prometheus.Gatherer
	logger   logrus.FieldLogger
	engine   *gin.Engine
}

// TransferRequest asks for a sponsored token transfer from the smart account.
type TransferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

type accountResponse struct {
	Address    common.Address `json:"address"`
	Owner      common.Address `json:"owner"`
	Variant    string         `json:"variant"`
	Factory    common.Address `json:"factory"`
	Salt       string         `json:"salt"`
	Deployed   bool           `json:"deployed"`
	EntryPoint common.Address `json:"entryPoint"`
}

// New builds the router. A nil gatherer disables /metrics.
func New(s Sponsor, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	srv := &Server{
		sponsor:  s,
		gatherer: gatherer,
		logger:   logger,
		engine:   gin.New(),
	}
	srv.engine.Use(gin.Recovery(), srv.logRequests)

	srv.engine.GET("/healthz", srv.health)
	if gatherer != nil {
		srv.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	v1 := srv.engine.Group("/v1")
	v1.GET("/account", srv.account)
	v1.POST("/sponsored-transfers", srv.transfer)
	v1.GET("/operations/:hash", srv.operation)
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	s.logger.WithField("addr", addr).Info("http server listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.FullPath(),
		"status":  c.Writer.Status(),
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	}).Debug("http request")
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) account(c *gin.Context) {
	a, err := s.sponsor.ResolveAccount(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	c.JSON(http.StatusOK, accountResponse{
		Address:    a.Address,
		Owner:      a.Owner,
		Variant:    string(a.Variant),
		Factory:    a.Factory,
		Salt:       a.Salt.String(),
		Deployed:   a.Deployed,
		EntryPoint: a.EntryPoint,
	})
}

func (s *Server) transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid recipient address"})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive base-10 integer"})
		return
	}

	out, err := s.sponsor.Execute(c.Request.Context(), s.sponsor.TransferCall(common.HexToAddress(req.To), amount))
	if err != nil {
		c.JSON(statusFor(err), out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) operation(c *gin.Context) {
	raw := c.Param("hash")
	b := common.FromHex(raw)
	if len(b) != common.HashLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user operation hash"})
		return
	}
	hash := common.BytesToHash(b)
	receipt, err := s.sponsor.Lookup(c.Request.Context(), hash)
	if err != nil {
		c.JSON(statusFor(err), errorBody(err))
		return
	}
	if receipt == nil {
		c.JSON(http.StatusNotFound, gin.H{"userOpHash": hash, "status": "pending"})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func errorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	if kind := sponsor.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	return body
}

// statusFor maps a failure kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sponsor.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sponsor.ErrSubmissionRejected), errors.Is(err, sponsor.ErrOperationReverted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sponsor.ErrOperationTimeout):
		return http.StatusAccepted
	case errors.Is(err, sponsor.ErrNetworkUnavailable), errors.Is(err, sponsor.ErrChainQueryFailed),
		errors.Is(err, sponsor.ErrFeeEstimationFailed), errors.Is(err, sponsor.ErrAccountResolutionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
