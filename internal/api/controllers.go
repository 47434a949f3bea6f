package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"copytrade-core/internal/engine"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
)

type createAccountRequest struct {
	Name           string  `json:"name" binding:"required,min=1,max=120"`
	Role           string  `json:"role" binding:"required"`
	Leverage       int     `json:"leverage" binding:"min=0,max=125"`
	RiskPercentage float64 `json:"risk_percentage" binding:"min=0,max=100"`
	APIKey         string  `json:"api_key"`
	APISecret      string  `json:"api_secret"`
	CredentialRef  string  `json:"credential_ref"`
}

type createLinkRequest struct {
	MasterID       string  `json:"master_id" binding:"required"`
	FollowerID     string  `json:"follower_id" binding:"required"`
	CopyPercentage float64 `json:"copy_percentage"`
	RiskMultiplier float64 `json:"risk_multiplier"`
}

type listQuery struct {
	Limit     int    `form:"limit"`
	AccountID string `form:"account_id"`
	Level     string `form:"level"`
	All       bool   `form:"all"`
}

func (q *listQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	q.Level = strings.ToUpper(strings.TrimSpace(q.Level))
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine and storage errors onto HTTP statuses.
func (s *Server) respondEngineError(c *gin.Context, err error, fallback int) {
	switch {
	case errors.Is(err, engine.ErrNotRunning):
		respondError(c, http.StatusConflict, "ENGINE_NOT_RUNNING", err.Error())
	case errors.Is(err, engine.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "ENGINE_ALREADY_RUNNING", err.Error())
	case errors.Is(err, engine.ErrNotMonitored):
		respondError(c, http.StatusConflict, "NOT_MONITORED", err.Error())
	case errors.Is(err, engine.ErrNotMaster):
		respondError(c, http.StatusBadRequest, "NOT_A_MASTER", err.Error())
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, db.ErrInvalidAccount), errors.Is(err, db.ErrInvalidCopyLink), errors.Is(err, crypto.ErrInvalidCredential):
		respondError(c, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	default:
		s.log.Error("❌ request failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, fallback, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.Engine.Status()
	resp := gin.H{"engine": st}
	if s.Metrics != nil {
		resp["runtime"] = s.Metrics.GetSnapshot()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) startEngine(c *gin.Context) {
	if err := s.Engine.Start(c.Request.Context()); err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	s.log.Info("engine started via API", zap.String("admin", CurrentAdmin(c)))
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) stopEngine(c *gin.Context) {
	if err := s.Engine.Stop(c.Request.Context()); err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	s.log.Info("engine stopped via API", zap.String("admin", CurrentAdmin(c)))
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) startMonitoring(c *gin.Context) {
	if err := s.Engine.StartMonitoring(c.Request.Context(), c.Param("id")); err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"master_id": c.Param("id"), "monitoring": true})
}

func (s *Server) stopMonitoring(c *gin.Context) {
	if err := s.Engine.StopMonitoring(c.Request.Context(), c.Param("id")); err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"master_id": c.Param("id"), "monitoring": false})
}

func (s *Server) listAccounts(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	accounts, err := s.Store.ListAccounts(c.Request.Context(), !q.All)
	if err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []db.Account{}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	if req.CredentialRef == "" && (req.APIKey == "" || req.APISecret == "") {
		respondError(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "api_key and api_secret, or credential_ref, are required")
		return
	}

	acct, err := s.Engine.AddAccount(c.Request.Context(), engine.AccountInput{
		Name:           req.Name,
		Role:           db.Role(strings.ToUpper(req.Role)),
		Leverage:       req.Leverage,
		RiskPercentage: req.RiskPercentage,
		APIKey:         req.APIKey,
		APISecret:      req.APISecret,
		CredentialRef:  req.CredentialRef,
	})
	if err != nil {
		// Anything not classified is a failed exchange connection test.
		s.respondEngineError(c, err, http.StatusBadGateway)
		return
	}
	c.JSON(http.StatusCreated, acct)
}

func (s *Server) removeAccount(c *gin.Context) {
	if err := s.Engine.RemoveAccount(c.Request.Context(), c.Param("id")); err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listLinks(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	links, err := s.Store.ListCopyLinks(c.Request.Context(), !q.All)
	if err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	if links == nil {
		links = []db.CopyLink{}
	}
	c.JSON(http.StatusOK, gin.H{"links": links})
}

func (s *Server) createLink(c *gin.Context) {
	var req createLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", err.Error())
		return
	}
	link, err := s.Engine.AddLink(c.Request.Context(), db.CopyLink{
		MasterID:       req.MasterID,
		FollowerID:     req.FollowerID,
		CopyPercentage: req.CopyPercentage,
		RiskMultiplier: req.RiskMultiplier,
	})
	if err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusCreated, link)
}

func (s *Server) removeLink(c *gin.Context) {
	if err := s.Engine.RemoveLink(c.Request.Context(), c.Param("id")); err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTrades(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	trades, err := s.Store.ListTrades(c.Request.Context(), q.AccountID, q.Limit)
	if err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []db.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) listLogs(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()
	switch db.LogLevel(q.Level) {
	case "", db.LevelDebug, db.LevelInfo, db.LevelWarning, db.LevelError:
	default:
		respondError(c, http.StatusBadRequest, "INVALID_LEVEL", "level must be DEBUG, INFO, WARNING or ERROR")
		return
	}
	logs, err := s.Store.ListSystemLogs(c.Request.Context(), db.LogLevel(q.Level), q.Limit)
	if err != nil {
		s.respondEngineError(c, err, http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []db.SystemLog{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
