package upload_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"protomedia/internal/config"
	"protomedia/internal/faults"
	"protomedia/internal/upload"
)

func newClient(t *testing.T, handler http.Handler) *upload.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := upload.NewClient(config.Upload{
		BaseURL:        server.URL,
		Token:          "test-token",
		RequestTimeout: 5,
	})
	if client == nil {
		t.Fatal("NewClient returned nil for configured endpoint")
	}
	return client
}

func TestPresignAndPut(t *testing.T) {
	var putBody []byte
	var putMime string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/uploads/presign", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req["key"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(upload.Target{
			PutURL:    "http://" + r.Host + "/blob/" + req["key"],
			PublicRef: "public/" + req["key"],
		})
	})
	mux.HandleFunc("PUT /blob/", func(w http.ResponseWriter, r *http.Request) {
		putMime = r.Header.Get("Content-Type")
		putBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	client := newClient(t, mux)
	ctx := context.Background()

	target, err := client.Presign(ctx, "proto-1/item-1.gallery.jpg")
	if err != nil {
		t.Fatalf("Presign: %v", err)
	}
	if target.PublicRef != "public/proto-1/item-1.gallery.jpg" {
		t.Fatalf("PublicRef = %q", target.PublicRef)
	}

	if err := client.Put(ctx, target, []byte("jpeg-bytes"), "image/jpeg"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if string(putBody) != "jpeg-bytes" || putMime != "image/jpeg" {
		t.Fatalf("server saw body=%q mime=%q", putBody, putMime)
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Presign(context.Background(), "key")
	if err == nil {
		t.Fatal("Presign succeeded against failing server")
	}
	if !faults.Retryable(err) {
		t.Fatalf("5xx should be retryable, got %v", err)
	}
}

func TestClientErrorIsPermanent(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := client.Presign(context.Background(), "key")
	if err == nil {
		t.Fatal("Presign succeeded against rejecting server")
	}
	if faults.Retryable(err) {
		t.Fatalf("4xx should be permanent, got %v", err)
	}
}

func TestRateLimitIsRetryable(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.Presign(context.Background(), "key")
	if err == nil || !faults.Retryable(err) {
		t.Fatalf("429 should be a retryable error, got %v", err)
	}
}

func TestUnconfiguredEndpointDisablesUploads(t *testing.T) {
	if client := upload.NewClient(config.Upload{}); client != nil {
		t.Fatal("NewClient should return nil without a base URL")
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	client := upload.NewClient(config.Upload{BaseURL: "http://127.0.0.1:1", RequestTimeout: 1})
	_, err := client.Presign(context.Background(), "key")
	if err == nil || !faults.Retryable(err) {
		t.Fatalf("connection refusal should be retryable, got %v", err)
	}
}
