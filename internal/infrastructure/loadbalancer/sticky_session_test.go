package loadbalancer

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStickySessionManager_PinsOnce(t *testing.T) {
	m := NewStickySessionManager("secret", "", 3600, "relay-a")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/cam-1/stream", nil)
	assert.True(t, m.Pin(rec, req))
	assert.Equal(t, "relay-a", rec.Header().Get(InstanceHeader))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "camrelay_instance", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.False(t, cookies[0].Secure)

	again := httptest.NewRequest(http.MethodGet, "/api/v1/cameras/cam-1/status", nil)
	again.AddCookie(cookies[0])
	pinned, ok := m.PinnedInstance(again)
	require.True(t, ok)
	assert.Equal(t, "relay-a", pinned)
	assert.False(t, m.Pin(httptest.NewRecorder(), again))
}

func TestStickySessionManager_RepinsForeignOrForgedCookies(t *testing.T) {
	a := NewStickySessionManager("secret", "", 0, "relay-a")
	b := NewStickySessionManager("secret", "", 0, "relay-b")

	rec := httptest.NewRecorder()
	a.Pin(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookie := rec.Result().Cookies()[0]

	// relay-a went away; relay-b takes the viewer over
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	assert.True(t, b.Pin(httptest.NewRecorder(), req))

	forged := httptest.NewRequest(http.MethodGet, "/", nil)
	forged.AddCookie(&http.Cookie{Name: "camrelay_instance", Value: "relay-b.deadbeef"})
	_, ok := b.PinnedInstance(forged)
	assert.False(t, ok)

	other := NewStickySessionManager("other-secret", "", 0, "relay-a")
	_, ok = other.PinnedInstance(req)
	assert.False(t, ok)
}

func TestStickySessionManager_SecureBehindTLSProxy(t *testing.T) {
	m := NewStickySessionManager("secret", "", 0, "relay-a")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")

	rec := httptest.NewRecorder()
	m.Pin(rec, req)
	assert.True(t, rec.Result().Cookies()[0].Secure)
}
