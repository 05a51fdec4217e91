package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

// DefaultStateTTL bounds how long a user may sit on the provider consent screen.
const DefaultStateTTL = 10 * time.Minute

// StateClaims identify the user and integration an authorization callback belongs to.
type StateClaims struct {
	UserID          string                 `json:"u"`
	IntegrationType models.IntegrationType `json:"t"`
	Nonce           string                 `json:"n"`
	ExpiresAt       int64                  `json:"exp"`
}

// StateSigner issues and verifies OAuth state tokens of the form
// base64url(claims) "." base64url(HMAC-SHA256(claims)).
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewStateSigner(secret string, ttl time.Duration, now func() time.Time) *StateSigner {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	if now == nil {
		now = time.Now
	}
	return &StateSigner{secret: []byte(secret), ttl: ttl, now: now}
}

func (s *StateSigner) Sign(userID string, t models.IntegrationType) (string, error) {
	claims := StateClaims{
		UserID:          userID,
		IntegrationType: t,
		Nonce:           uuid.NewString(),
		ExpiresAt:       s.now().Add(s.ttl).Unix(),
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(errors.KindValidation, err, "failed to encode authorization state")
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + base64.RawURLEncoding.EncodeToString(s.mac(payload)), nil
}

func (s *StateSigner) Verify(state string) (StateClaims, error) {
	payload, sig, ok := strings.Cut(state, ".")
	if !ok {
		return StateClaims{}, errors.New(errors.KindValidation, "malformed authorization state")
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, s.mac(payload)) {
		return StateClaims{}, errors.New(errors.KindValidation, "authorization state signature mismatch")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return StateClaims{}, errors.New(errors.KindValidation, "malformed authorization state")
	}
	var claims StateClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return StateClaims{}, errors.Wrap(errors.KindValidation, err, "malformed authorization state")
	}
	if s.now().Unix() > claims.ExpiresAt {
		return StateClaims{}, errors.New(errors.KindValidation, "authorization state expired, start the connection again")
	}
	return claims, nil
}

func (s *StateSigner) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(payload))
	return h.Sum(nil)
}
