package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/studioposts/api/internal/auth"
	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/handler"
	"github.com/studioposts/api/internal/middleware"
	"github.com/studioposts/api/internal/model"
	"github.com/studioposts/api/internal/service"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUserID    = "test-user-123"
)

// fakeStore is an in-memory object store so e2e tests run without bucket
// credentials
type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return "https://store.test/" + key, nil
}

func (s *fakeStore) Download(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return data, nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://store.test/signed/" + key, nil
}

func (s *fakeStore) GetSignedUploadURL(ctx context.Context, key, contentType string, expiry time.Duration) (string, error) {
	return "https://store.test/upload/" + key, nil
}

func (s *fakeStore) GetPublicURL(key string) string {
	return "https://store.test/" + key
}

// put seeds an object directly, standing in for a client-side signed upload
func (s *fakeStore) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

// testApp holds all components needed for testing
type testApp struct {
	app       *fiber.App
	store     *fakeStore
	templates *service.TemplateService
}

// setupApp creates a Fiber app identical to main.go but with an in-memory
// object store and no engine workers, so jobs stay queued.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// Redis (localhost — must be running)
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})

	// Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	validate := validator.New()
	store := newFakeStore()

	contentCache := cache.New(cache.NewRedisKV(redisClient), store, time.Hour)

	// Services
	templateService := service.NewTemplateService(redisClient, store)
	contentService := service.NewContentService(contentCache, store)
	designService := service.NewDesignService(redisClient, asynqClient, contentCache, templateService)

	// Handlers
	designHandler := handler.NewDesignHandler(designService, contentService, validate)
	templateHandler := handler.NewTemplateHandler(templateService, validate)

	// Auth handler (for /auth/verify)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)

	// Auth middleware — legacy HMAC only
	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 10 * 1024 * 1024,
	})

	// Base routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"engines":  0,
				"sessions": 0,
				"schedule": false,
				"auth":     true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	// API routes (authenticated)
	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	designs := api.Group("/designs")
	designs.Post("/generate", rateLimiter.GenerateLimit(10000), designHandler.Generate)
	designs.Get("/status/:jobId", designHandler.Status)
	designs.Get("/result/:jobId", designHandler.Result)
	designs.Post("/cancel/:jobId", designHandler.Cancel)
	designs.Get("/:contentId", designHandler.Get)
	designs.Get("/:contentId/overwrite/upload-url", rateLimiter.OverwriteLimit(10000), designHandler.OverwriteUploadURL)
	designs.Put("/:contentId/overwrite", rateLimiter.OverwriteLimit(10000), designHandler.CommitOverwrite)
	designs.Delete("/:contentId/overwrite", designHandler.ClearOverwrite)

	templates := api.Group("/templates", rateLimiter.TemplateLimit(10000))
	templates.Post("/", templateHandler.Create)
	templates.Get("/:templateId", templateHandler.Get)
	templates.Get("/:templateId/upload-url", templateHandler.UploadURL)

	return &testApp{app: app, store: store, templates: templateService}
}

// createTemplate registers a template record for the test user and returns
// its id
func createTemplate(t *testing.T, ta *testApp) string {
	t.Helper()
	tpl, _, err := ta.templates.CreateTemplate(context.Background(), testUserID, &model.TemplateCreateRequest{
		View: model.ViewDaily,
		Layers: []model.TemplateLayer{
			{Name: "title", Kind: model.LayerKindText},
			{Name: "staff_photo", Kind: model.LayerKindImage},
		},
	})
	if err != nil {
		t.Fatalf("failed to create template: %v", err)
	}
	return tpl.ID
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: testUserID,
		Email:  "test@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "studioposts-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
