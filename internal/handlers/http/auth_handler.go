package http

import (
	"net/http"
	"strings"

	"camrelay/internal/core/services"
	"camrelay/pkg/errors"
	"camrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	authService   services.AuthService
	allowRegister bool
}

func NewAuthHandler(authService services.AuthService, allowRegister bool) *AuthHandler {
	return &AuthHandler{
		authService:   authService,
		allowRegister: allowRegister,
	}
}

func (h *AuthHandler) SetupRoutes(api *gin.RouterGroup) {
	auth := api.Group("/auth")
	{
		auth.POST("/register", h.Register)
		auth.POST("/login", h.Login)
		auth.POST("/refresh", h.RefreshToken)
	}
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	Password string `json:"password" binding:"required,max=128"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required,max=50"`
	Password string `json:"password" binding:"required,max=128"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required,max=2048"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	if !h.allowRegister {
		c.Error(errors.NewForbiddenError("registration is disabled"))
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidatePassword(req.Password); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	user, err := h.authService.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.Error(err)
		return
	}

	pair, _, err := h.authService.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":       user.ID,
		"username":      user.Username,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	pair, user, err := h.authService.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":       user.ID,
		"username":      user.Username,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn,
	})
}

func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	pair, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, pair)
}
