// Package e2e drives a running careleave server through its HTTP API.
// Tokens are minted locally with the server's signing key.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestContext carries the HTTP client and the state shared by the steps of
// one scenario.
type TestContext struct {
	BaseURL    string
	SigningKey string
	Issuer     string
	Audience   string
	HTTPClient *http.Client

	actor       string
	role        string
	accessToken string
	requestID   string

	lastStatus  int
	lastBody    []byte
	lastHeaders http.Header
}

// NewTestContext reads the target from CARELEAVE_E2E_URL and the token
// settings from the same variables the server reads.
func NewTestContext() *TestContext {
	return &TestContext{
		BaseURL:    strings.TrimRight(getEnv("CARELEAVE_E2E_URL", "http://localhost:8080"), "/"),
		SigningKey: getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		Issuer:     getEnv("JWT_ISSUER", "careleave"),
		Audience:   getEnv("JWT_AUDIENCE", "careleave-api"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Reset clears scenario state.
func (tc *TestContext) Reset() {
	tc.actor, tc.role, tc.accessToken, tc.requestID = "", "", "", ""
	tc.lastStatus, tc.lastBody, tc.lastHeaders = 0, nil, nil
}

// SignIn mints a short-lived token for actor with role.
func (tc *TestContext) SignIn(actor, role string) error {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  actor,
		"role": role,
		"iss":  tc.Issuer,
		"aud":  []string{tc.Audience},
		"iat":  now.Unix(),
		"exp":  now.Add(15 * time.Minute).Unix(),
		"jti":  fmt.Sprintf("e2e-%s-%d", actor, now.UnixNano()),
	})
	signed, err := token.SignedString([]byte(tc.SigningKey))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	tc.actor, tc.role, tc.accessToken = actor, role, signed
	return nil
}

func (tc *TestContext) GetActor() string { return tc.actor }

func (tc *TestContext) GetRequestID() string { return tc.requestID }

func (tc *TestContext) SetRequestID(id string) { tc.requestID = id }

func (tc *TestContext) POST(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	return tc.do(http.MethodPost, path, bytes.NewReader(payload))
}

func (tc *TestContext) GET(path string) error {
	return tc.do(http.MethodGet, path, nil)
}

func (tc *TestContext) do(method, path string, body io.Reader) error {
	req, err := http.NewRequest(method, tc.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.accessToken)
	}

	resp, err := tc.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	tc.lastBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	tc.lastStatus = resp.StatusCode
	tc.lastHeaders = resp.Header
	return nil
}

func (tc *TestContext) GetLastResponseStatus() int { return tc.lastStatus }

func (tc *TestContext) GetLastResponseBody() []byte { return tc.lastBody }

func (tc *TestContext) GetLastResponseHeader(name string) string {
	return tc.lastHeaders.Get(name)
}

// GetResponseField returns a top-level field of the last JSON response.
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var body map[string]any
	if err := json.Unmarshal(tc.lastBody, &body); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	v, ok := body[field]
	if !ok {
		return nil, fmt.Errorf("field %q not in response: %s", field, tc.lastBody)
	}
	return v, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
