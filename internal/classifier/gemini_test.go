package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"mailsync/internal/model"
	"mailsync/pkg/config"
)

func newTestClient(url, key string) *GeminiClient {
	return NewGeminiClient(config.ClassifierConfig{BaseURL: url, Model: "test-model", APIKey: key}, zap.NewNop())
}

func replyText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"candidates": []any{map[string]any{
			"content": map[string]any{"parts": []any{map[string]any{"text": text}}},
		}},
	})
}

func TestClassifySendsCategoriesAndTrims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/test-model:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "k" {
			t.Errorf("api key header missing")
		}
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		prompt := req.Contents[0].Parts[0].Text
		if !strings.Contains(prompt, "- Receipts: purchase confirmations") {
			t.Errorf("prompt lacks categories: %s", prompt)
		}
		replyText(w, "  Receipts\n")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "k")
	label, err := c.Classify(context.Background(), "Your order shipped", []model.Category{
		{Name: "Receipts", Description: "purchase confirmations"},
	})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if label != "Receipts" {
		t.Fatalf("label = %q", label)
	}
}

func TestQuotaResponsesMapToErrQuotaExceeded(t *testing.T) {
	cases := []struct {
		status int
		body   string
	}{
		{http.StatusTooManyRequests, `{}`},
		{http.StatusForbidden, `{"error":{"message":"Quota exceeded for project"}}`},
		{http.StatusBadRequest, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := newTestClient(srv.URL, "k").Summarize(context.Background(), "x")
		srv.Close()
		if !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("status %d: err = %v, want ErrQuotaExceeded", tc.status, err)
		}
	}
}

func TestMissingKeyIsQuota(t *testing.T) {
	for _, key := range []string{"", "${CLASSIFIER_API_KEY}"} {
		_, err := newTestClient("http://unused", key).Classify(context.Background(), "x", nil)
		if !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("key %q: err = %v", key, err)
		}
	}
}

func TestServerErrorIsNotQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, "k").Summarize(context.Background(), "x")
	if err == nil || errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want generic error", err)
	}
}

func TestExtractUnsubscribeLink(t *testing.T) {
	answers := map[string]string{
		"`https://list.example.com/u?id=1`": "https://list.example.com/u?id=1",
		"NOT_FOUND":                         "",
	}
	for answer, want := range answers {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			replyText(w, answer)
		}))
		got, err := newTestClient(srv.URL, "k").ExtractUnsubscribeLink(context.Background(), "body")
		srv.Close()
		if err != nil || got != want {
			t.Fatalf("answer %q: got (%q, %v), want %q", answer, got, err, want)
		}
	}
}
