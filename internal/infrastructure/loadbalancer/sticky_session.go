// Package loadbalancer pins viewers to the relay instance that owns their
// camera sessions. Status, stop and event requests only work on that instance.
package loadbalancer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// InstanceHeader echoes the serving instance on every pinned response.
const InstanceHeader = "X-Camrelay-Instance"

// StickySessionManager issues signed cookies naming the serving instance so
// a cookie-aware load balancer keeps routing the viewer here.
type StickySessionManager struct {
	secretKey  []byte
	cookieName string
	maxAge     int
	instanceID string
}

// NewStickySessionManager creates a new sticky session manager
func NewStickySessionManager(secretKey, cookieName string, maxAge int, instanceID string) *StickySessionManager {
	if cookieName == "" {
		cookieName = "camrelay_instance"
	}
	return &StickySessionManager{
		secretKey:  []byte(secretKey),
		cookieName: cookieName,
		maxAge:     maxAge,
		instanceID: instanceID,
	}
}

func (s *StickySessionManager) InstanceID() string { return s.instanceID }

// PinnedInstance returns the instance named by a validly signed cookie.
func (s *StickySessionManager) PinnedInstance(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	if !s.validateCookie(cookie.Value) {
		return "", false
	}
	return s.extractInstanceID(cookie.Value), true
}

// Pin points the viewer at this instance unless it already is. It reports
// whether a new cookie was written.
func (s *StickySessionManager) Pin(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set(InstanceHeader, s.instanceID)
	if pinned, ok := s.PinnedInstance(r); ok && pinned == s.instanceID {
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    s.signInstanceID(s.instanceID),
		Path:     "/",
		MaxAge:   s.maxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

// signInstanceID signs an instance id with HMAC
func (s *StickySessionManager) signInstanceID(instanceID string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(instanceID))
	return instanceID + "." + hex.EncodeToString(mac.Sum(nil))
}

// validateCookie validates the cookie signature
func (s *StickySessionManager) validateCookie(cookieValue string) bool {
	idx := strings.LastIndex(cookieValue, ".")
	if idx <= 0 {
		return false
	}
	expected := s.signInstanceID(cookieValue[:idx])
	return hmac.Equal([]byte(cookieValue), []byte(expected))
}

func (s *StickySessionManager) extractInstanceID(cookieValue string) string {
	idx := strings.LastIndex(cookieValue, ".")
	if idx <= 0 {
		return ""
	}
	return cookieValue[:idx]
}
