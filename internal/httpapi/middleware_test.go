package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	v1 "github.com/kandev/ash/pkg/apiv1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiKeyOnlyStore struct {
	fakeStoreBase
	keys map[string]*v1.APIKey
}

func (s *apiKeyOnlyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*v1.APIKey, error) {
	k, ok := s.keys[hash]
	if !ok {
		return nil, context.Canceled // any non-nil error signals "not found" to the middleware
	}
	return k, nil
}

func (s *apiKeyOnlyStore) InsertAPIKey(ctx context.Context, key *v1.APIKey) error {
	if s.keys == nil {
		s.keys = map[string]*v1.APIKey{}
	}
	sum := sha256.Sum256([]byte(key.KeyHash))
	s.keys[hex.EncodeToString(sum[:])] = key
	return nil
}

func TestAPIKeyAuthDisabledPassesThrough(t *testing.T) {
	engine := gin.New()
	engine.Use(APIKeyAuth(&apiKeyOnlyStore{}, false))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAPIKeyAuthRejectsMissingHeader(t *testing.T) {
	engine := gin.New()
	engine.Use(APIKeyAuth(&apiKeyOnlyStore{}, true))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAPIKeyAuthAcceptsValidKey(t *testing.T) {
	store := &apiKeyOnlyStore{}
	plain := "test-key-123"
	_ = store.InsertAPIKey(context.Background(), &v1.APIKey{TenantID: "t1", KeyHash: plain})

	engine := gin.New()
	engine.Use(APIKeyAuth(store, true))
	engine.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, TenantID(c)) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "t1" {
		t.Fatalf("expected tenant t1 in context, got %q", w.Body.String())
	}
}

func TestInternalAuthRejectsWrongSecret(t *testing.T) {
	engine := gin.New()
	engine.Use(InternalAuth("correct-secret"))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestInternalAuthAcceptsCorrectSecret(t *testing.T) {
	engine := gin.New()
	engine.Use(InternalAuth("correct-secret"))
	engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer correct-secret")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
