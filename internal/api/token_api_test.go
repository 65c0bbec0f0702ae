package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-registry/internal/api"
	"github.com/tinywideclouds/go-push-registry/internal/storage/memory"
	"github.com/tinywideclouds/go-push-registry/pkg/dispatch"
)

// --- Mocks ---
type MockTokenStore struct {
	mock.Mock
}

func (m *MockTokenStore) Register(ctx context.Context, userID string, rec dispatch.DeviceTokenRecord) (dispatch.RegisterResult, error) {
	args := m.Called(ctx, userID, rec)
	return args.Get(0).(dispatch.RegisterResult), args.Error(1)
}
func (m *MockTokenStore) Load(ctx context.Context, userID string) ([]dispatch.DeviceTokenRecord, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]dispatch.DeviceTokenRecord), args.Error(1)
}
func (m *MockTokenStore) Prune(ctx context.Context, userID string, tokens []string) error {
	return m.Called(ctx, userID, tokens).Error(0)
}
func (m *MockTokenStore) Scan(ctx context.Context, after string, limit int) ([]dispatch.UserTokenDocument, string, error) {
	args := m.Called(ctx, after, limit)
	return args.Get(0).([]dispatch.UserTokenDocument), args.String(1), args.Error(2)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Helper to inject UserID into context (simulating Auth Middleware)
func withUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body)))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// --- Tests ---

func TestRegisterToken(t *testing.T) {
	store := memory.NewStore()
	tokenAPI := api.NewTokenAPI(store, newTestLogger())

	t.Run("New then repeated registration", func(t *testing.T) {
		payload := map[string]string{"userId": "a@x.com", "token": "ExponentPushToken[abc123]", "provider": "expo"}

		w := postJSON(t, tokenAPI.RegisterToken, "/register-token", payload)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["ok"])
		assert.Equal(t, false, body["updated"])
		assert.Equal(t, "a@x.com", body["id"])
		assert.Equal(t, "expo", body["provider"])
		assert.Equal(t, "android", body["platform"])

		w = postJSON(t, tokenAPI.RegisterToken, "/register-token", payload)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decode(t, w)["updated"])

		tokens, err := store.Load(context.Background(), "a@x.com")
		require.NoError(t, err)
		assert.Len(t, tokens, 1)
	})

	t.Run("Email is accepted as the owner", func(t *testing.T) {
		w := postJSON(t, tokenAPI.RegisterToken, "/register-token", map[string]string{
			"email": "Grower@Example.COM", "token": "fcm-token-abc", "platform": "ios",
		})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Grower@example.com", body["id"])
		assert.Equal(t, "fcm", body["provider"])
		assert.Equal(t, "ios", body["platform"])
	})

	t.Run("Authenticated caller is the fallback owner", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"token": "fcm-token-auth"})
		req := withUser(httptest.NewRequest(http.MethodPost, "/register-token", bytes.NewReader(body)), "auth@x.com")
		w := httptest.NewRecorder()

		tokenAPI.RegisterToken(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "auth@x.com", decode(t, w)["id"])
	})

	t.Run("Authenticated caller may repeat their own id in the body", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"email": "Auth@X.COM", "token": "fcm-token-auth-2"})
		req := withUser(httptest.NewRequest(http.MethodPost, "/register-token", bytes.NewReader(body)), "Auth@x.com")
		w := httptest.NewRecorder()

		tokenAPI.RegisterToken(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Auth@x.com", decode(t, w)["id"])
	})

	t.Run("Authenticated caller cannot register into another user", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"userId": "victim@x.com", "token": "attacker-device"})
		req := withUser(httptest.NewRequest(http.MethodPost, "/register-token", bytes.NewReader(body)), "attacker@x.com")
		w := httptest.NewRecorder()

		tokenAPI.RegisterToken(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		victim, err := store.Load(context.Background(), "victim@x.com")
		require.NoError(t, err)
		assert.Empty(t, victim)
	})

	t.Run("Web push subscription", func(t *testing.T) {
		w := postJSON(t, tokenAPI.RegisterToken, "/register-token", map[string]any{
			"userId": "web@x.com",
			"token":  "https://fcm.googleapis.com/fcm/send/abc",
			"keys":   map[string]string{"p256dh": "BNc", "auth": "tBH"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "webpush", body["provider"])
		assert.Equal(t, "web", body["platform"])
	})

	validationCases := []struct {
		name    string
		payload map[string]string
		code    string
	}{
		{"Malformed expo token", map[string]string{"userId": "a@x.com", "token": "banana", "provider": "expo"}, "invalid_expo_token"},
		{"Missing user", map[string]string{"token": "t"}, "missing_user_id"},
		{"Missing token", map[string]string{"userId": "a@x.com"}, "missing_token"},
		{"Unsupported provider", map[string]string{"userId": "a@x.com", "token": "t", "provider": "pager"}, "unsupported_provider"},
		{"Unsupported platform", map[string]string{"userId": "a@x.com", "token": "t", "platform": "fridge"}, "unsupported_platform"},
	}
	for _, tc := range validationCases {
		t.Run(tc.name, func(t *testing.T) {
			mockStore := new(MockTokenStore)
			w := postJSON(t, api.NewTokenAPI(mockStore, newTestLogger()).RegisterToken, "/register-token", tc.payload)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tc.code)
			mockStore.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("Store unavailable is a 500", func(t *testing.T) {
		mockStore := new(MockTokenStore)
		mockStore.On("Register", mock.Anything, "a@x.com", mock.Anything).
			Return(dispatch.RegisterResult{}, dispatch.ErrStoreUnavailable)

		w := postJSON(t, api.NewTokenAPI(mockStore, newTestLogger()).RegisterToken, "/register-token",
			map[string]string{"userId": "a@x.com", "token": "fcm-token"})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "store_unavailable")
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		w := httptest.NewRecorder()
		tokenAPI.RegisterToken(w, httptest.NewRequest(http.MethodPost, "/register-token", bytes.NewBufferString("{")))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUnregisterToken(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockStore := new(MockTokenStore)
		mockStore.On("Prune", mock.Anything, "a@x.com", []string{"fcm-token-abc"}).Return(nil)

		w := postJSON(t, api.NewTokenAPI(mockStore, newTestLogger()).UnregisterToken, "/unregister-token",
			map[string]string{"userId": "a@x.com", "token": "fcm-token-abc"})

		assert.Equal(t, http.StatusOK, w.Code)
		mockStore.AssertExpectations(t)
	})

	t.Run("Missing token", func(t *testing.T) {
		mockStore := new(MockTokenStore)

		w := postJSON(t, api.NewTokenAPI(mockStore, newTestLogger()).UnregisterToken, "/unregister-token",
			map[string]string{"userId": "a@x.com"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		mockStore.AssertNotCalled(t, "Prune", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Authenticated caller cannot prune another user", func(t *testing.T) {
		mockStore := new(MockTokenStore)
		body, _ := json.Marshal(map[string]string{"userId": "victim@x.com", "token": "victim-device"})
		req := withUser(httptest.NewRequest(http.MethodPost, "/unregister-token", bytes.NewReader(body)), "attacker@x.com")
		w := httptest.NewRecorder()

		api.NewTokenAPI(mockStore, newTestLogger()).UnregisterToken(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
		mockStore.AssertNotCalled(t, "Prune", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Authenticated caller prunes their own document", func(t *testing.T) {
		mockStore := new(MockTokenStore)
		mockStore.On("Prune", mock.Anything, "owner@x.com", []string{"own-device"}).Return(nil)
		body, _ := json.Marshal(map[string]string{"token": "own-device"})
		req := withUser(httptest.NewRequest(http.MethodPost, "/unregister-token", bytes.NewReader(body)), "owner@x.com")
		w := httptest.NewRecorder()

		api.NewTokenAPI(mockStore, newTestLogger()).UnregisterToken(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		mockStore.AssertExpectations(t)
	})
}
