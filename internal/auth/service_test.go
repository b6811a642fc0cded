package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(testSecret, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return svc
}

func TestNewServiceRejectsShortSecret(t *testing.T) {
	if _, err := NewService("short", time.Minute, time.Hour); err == nil {
		t.Fatalf("expected error for short secret")
	}
}

func TestIssueValidateHostCredential(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.IssueHost("Ab12", "dev-1")
	if err != nil {
		t.Fatalf("IssueHost error: %v", err)
	}
	cred, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cred.RoomID != "Ab12" || cred.Role != models.RoleHost || cred.Kind != KindHost || cred.DeviceID != "dev-1" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.ParticipantID != 0 {
		t.Fatalf("host credential must not carry a participant")
	}
}

func TestIssueValidateParticipantCredential(t *testing.T) {
	svc := newTestService(t)
	p := &models.Participant{ID: 7, RoomID: "Zz99", Role: models.RoleGuest, DeviceID: "dev-g"}
	token, err := svc.IssueParticipant(p)
	if err != nil {
		t.Fatalf("IssueParticipant error: %v", err)
	}
	cred, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cred.ParticipantID != 7 || cred.Role != models.RoleGuest || cred.Kind != KindParticipant {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if _, err := svc.IssueParticipant(&models.Participant{RoomID: "Zz99"}); err == nil {
		t.Fatalf("expected error for unsaved participant")
	}
}

func TestValidateRejectsExpiredAndForeignTokens(t *testing.T) {
	svc := newTestService(t)
	issued := time.Now()
	svc.now = func() time.Time { return issued }
	token, err := svc.IssueHost("Ab12", "dev-1")
	if err != nil {
		t.Fatalf("IssueHost error: %v", err)
	}
	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := svc.Validate(token); apperr.CodeOf(err) != apperr.CodeCredentialInvalid {
		t.Fatalf("expected expired credential to fail, got %v", err)
	}
	svc.now = time.Now

	other, err := NewService(strings.Repeat("x", 32), time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	foreign, _ := other.IssueHost("Ab12", "dev-1")
	if _, err := svc.Validate(foreign); apperr.CodeOf(err) != apperr.CodeCredentialInvalid {
		t.Fatalf("expected foreign signature to fail, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, credentialClaims{RoomID: "Ab12", Role: models.RoleHost, DeviceID: "d", Kind: KindHost})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := svc.Validate(unsigned); err == nil {
		t.Fatalf("expected unsigned credential to fail")
	}
	if _, err := svc.Validate(""); err == nil {
		t.Fatalf("expected empty credential to fail")
	}
}

func TestMiddlewareAcceptsHeaderAndQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	token, _ := svc.IssueHost("Ab12", "dev-1")

	router := gin.New()
	router.GET("/me", svc.Middleware(), func(c *gin.Context) {
		cred, ok := CredentialFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, cred.RoomID)
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "Ab12" {
		t.Fatalf("header auth failed: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/me?token="+token, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query auth failed: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credential, got %d", rec.Code)
	}
}

func TestDeviceMiddlewareMintsCookieAndCSRFGuardsIt(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)

	router := gin.New()
	router.Use(svc.CSRFMiddleware(), svc.DeviceMiddleware())
	router.POST("/rooms", func(c *gin.Context) {
		deviceID, _ := DeviceIDFromContext(c)
		c.String(http.StatusOK, deviceID)
	})

	req := httptest.NewRequest(http.MethodPost, "/rooms", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() == "" {
		t.Fatalf("first request should mint a device: %d", rec.Code)
	}
	var deviceCookie, csrfCookie *http.Cookie
	for _, ck := range rec.Result().Cookies() {
		switch ck.Name {
		case svc.DeviceCookieName():
			deviceCookie = ck
		case svc.CSRFCookieName():
			csrfCookie = ck
		}
	}
	if deviceCookie == nil || csrfCookie == nil {
		t.Fatalf("expected device and csrf cookies")
	}

	// Cookie-only requests need the matching csrf header.
	req = httptest.NewRequest(http.MethodPost, "/rooms", nil)
	req.AddCookie(deviceCookie)
	req.AddCookie(csrfCookie)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected csrf rejection, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/rooms", nil)
	req.AddCookie(deviceCookie)
	req.AddCookie(csrfCookie)
	req.Header.Set(svc.CSRFHeaderName(), csrfCookie.Value)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != deviceCookie.Value {
		t.Fatalf("expected cookie device to be reused: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/rooms", nil)
	req.Header.Set(svc.DeviceHeaderName(), "native-device")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "native-device" {
		t.Fatalf("header device should bypass csrf: %d %s", rec.Code, rec.Body.String())
	}
}
