package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

const (
	issuerName      = "chittychattychat"
	minSecretLength = 32
)

// Kind distinguishes a pre-acceptance host credential from a seated
// participant credential.
type Kind string

const (
	KindHost        Kind = "host"
	KindParticipant Kind = "participant"
)

// Credential is a validated capability scoped to one room seat.
type Credential struct {
	RoomID        string
	Role          models.Role
	ParticipantID int64
	DeviceID      string
	Kind          Kind
	ExpiresAt     time.Time
}

type credentialClaims struct {
	jwt.RegisteredClaims
	RoomID        string      `json:"room_id"`
	Role          models.Role `json:"role"`
	ParticipantID int64       `json:"participant_id,omitempty"`
	DeviceID      string      `json:"device_id"`
	Kind          Kind        `json:"kind"`
}

// Service issues and validates room credentials.
type Service struct {
	secret         []byte
	hostTTL        time.Duration
	participantTTL time.Duration
	now            func() time.Time

	headerName       string
	deviceCookieName string
	deviceHeaderName string
	csrfCookieName   string
	csrfHeaderName   string
}

// NewService constructs an issuer. The secret must be at least 32 bytes.
func NewService(secret string, hostTTL, participantTTL time.Duration) (*Service, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("credential secret must be at least %d bytes", minSecretLength)
	}
	if hostTTL <= 0 {
		hostTTL = 15 * time.Minute
	}
	if participantTTL <= 0 {
		participantTTL = models.RoomTTL + time.Hour
	}
	return &Service{
		secret:           []byte(secret),
		hostTTL:          hostTTL,
		participantTTL:   participantTTL,
		now:              time.Now,
		headerName:       "Authorization",
		deviceCookieName: "chitty_device",
		deviceHeaderName: "X-Device-ID",
		csrfCookieName:   "csrf_token",
		csrfHeaderName:   "X-CSRF-Token",
	}, nil
}

// IssueHost mints the short-lived credential returned at room creation.
func (s *Service) IssueHost(roomID, deviceID string) (string, error) {
	return s.sign(credentialClaims{
		RoomID:   roomID,
		Role:     models.RoleHost,
		DeviceID: deviceID,
		Kind:     KindHost,
	}, s.hostTTL)
}

// IssueParticipant mints the long-lived credential for a seated participant.
func (s *Service) IssueParticipant(p *models.Participant) (string, error) {
	if p == nil || p.ID <= 0 {
		return "", errors.New("participant required")
	}
	return s.sign(credentialClaims{
		RoomID:        p.RoomID,
		Role:          p.Role,
		ParticipantID: p.ID,
		DeviceID:      p.DeviceID,
		Kind:          KindParticipant,
	}, s.participantTTL)
}

func (s *Service) sign(claims credentialClaims, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuerName,
		Subject:   fmt.Sprintf("%s_%s", claims.RoomID, claims.Role),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return token, nil
}

// Validate verifies the signature, expiry and shape of a credential.
func (s *Service) Validate(token string) (*Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.New(apperr.CodeCredentialInvalid, "credential required")
	}
	var parsed credentialClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.CodeCredentialInvalid, "credential expired", err)
		}
		return nil, apperr.Wrap(apperr.CodeCredentialInvalid, "invalid credential", err)
	}
	if !models.ValidRoomID(parsed.RoomID) || !parsed.Role.Valid() || parsed.DeviceID == "" {
		return nil, apperr.New(apperr.CodeCredentialInvalid, "credential is missing room scope")
	}
	switch parsed.Kind {
	case KindHost:
		if parsed.Role != models.RoleHost {
			return nil, apperr.New(apperr.CodeCredentialInvalid, "host credential has wrong role")
		}
	case KindParticipant:
		if parsed.ParticipantID <= 0 {
			return nil, apperr.New(apperr.CodeCredentialInvalid, "participant credential is missing participant")
		}
	default:
		return nil, apperr.New(apperr.CodeCredentialInvalid, "unknown credential kind")
	}
	return &Credential{
		RoomID:        parsed.RoomID,
		Role:          parsed.Role,
		ParticipantID: parsed.ParticipantID,
		DeviceID:      parsed.DeviceID,
		Kind:          parsed.Kind,
		ExpiresAt:     parsed.ExpiresAt.Time.UTC(),
	}, nil
}

// NewDeviceID returns a fresh opaque device identifier.
func NewDeviceID() string {
	return uuid.NewString()
}

// DeviceCookieName returns the cookie storing the browser device id.
func (s *Service) DeviceCookieName() string {
	return s.deviceCookieName
}

// DeviceHeaderName returns the header clients use to send their device id.
func (s *Service) DeviceHeaderName() string {
	return s.deviceHeaderName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
