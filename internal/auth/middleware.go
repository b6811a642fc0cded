package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
)

const (
	credentialContextKey = "auth_credential"
	deviceIDContextKey   = "auth_device_id"
	tokenQueryParam      = "token"
	deviceCookieMaxAge   = 30 * 24 * 60 * 60
	maxDeviceIDLength    = 128
)

// Middleware validates the room credential and stores it in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.extractToken(c)
		if token == "" {
			abortWithError(c, apperr.New(apperr.CodeCredentialInvalid, "credential required"))
			return
		}
		cred, err := s.Validate(token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(credentialContextKey, cred)
		c.Next()
	}
}

// DeviceMiddleware resolves the caller's device id from the device header or
// cookie, minting and persisting a new one for first-time browsers.
func (s *Service) DeviceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := strings.TrimSpace(c.GetHeader(s.deviceHeaderName))
		if deviceID == "" {
			if cookie, err := c.Cookie(s.deviceCookieName); err == nil {
				deviceID = strings.TrimSpace(cookie)
			}
		}
		if len(deviceID) > maxDeviceIDLength {
			abortWithError(c, apperr.New(apperr.CodeInvalidArgument, "device id too long"))
			return
		}
		if deviceID == "" {
			deviceID = NewDeviceID()
			secure := c.Request.TLS != nil
			c.SetSameSite(http.SameSiteStrictMode)
			c.SetCookie(s.deviceCookieName, deviceID, deviceCookieMaxAge, "/", "", secure, true)
			c.SetCookie(s.csrfCookieName, s.NewCSRFToken(), deviceCookieMaxAge, "/", "", secure, false)
		}
		c.Set(deviceIDContextKey, deviceID)
		c.Next()
	}
}

// CredentialFromContext retrieves the credential captured by the middleware.
func CredentialFromContext(c *gin.Context) (*Credential, bool) {
	val, ok := c.Get(credentialContextKey)
	if !ok {
		return nil, false
	}
	cred, ok := val.(*Credential)
	return cred, ok && cred != nil
}

// DeviceIDFromContext retrieves the device id resolved by DeviceMiddleware.
func DeviceIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(deviceIDContextKey)
	if !ok {
		return "", false
	}
	deviceID, ok := val.(string)
	return deviceID, ok && deviceID != ""
}

// ExtractToken returns the bearer credential from the header or, for
// websocket upgrades, the token query parameter.
func (s *Service) ExtractToken(r *http.Request) string {
	authHeader := r.Header.Get(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}

func (s *Service) extractToken(c *gin.Context) string {
	return s.ExtractToken(c.Request)
}

func abortWithError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	c.AbortWithStatusJSON(code.HTTPStatus(), gin.H{"error": apperr.Message(err), "code": code})
}
