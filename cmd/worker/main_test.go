package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dreamware/torua/internal/master"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name, key, value, def, expected string
	}{
		{"set", "WORKER_TEST_VAR", "value", "default", "value"},
		{"unset", "WORKER_TEST_VAR_UNSET", "", "default", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				os.Setenv(tt.key, tt.value)
				defer os.Unsetenv(tt.key)
			}
			if got := getenv(tt.key, tt.def); got != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.def, got, tt.expected)
			}
		})
	}
}

func TestMustGetenvInt(t *testing.T) {
	t.Run("valid integer", func(t *testing.T) {
		os.Setenv("WORKER_RANK_TEST", "3")
		defer os.Unsetenv("WORKER_RANK_TEST")

		if got := mustGetenvInt("WORKER_RANK_TEST"); got != 3 {
			t.Errorf("mustGetenvInt = %d, want 3", got)
		}
	})

	t.Run("missing variable fatals", func(t *testing.T) {
		old := logFatal
		defer func() { logFatal = old }()
		called := false
		logFatal = func(string, ...any) { called = true }

		_ = mustGetenvInt("WORKER_RANK_TEST_UNSET")
		if !called {
			t.Error("expected logFatal to be called for a missing variable")
		}
	})

	t.Run("non-integer value fatals", func(t *testing.T) {
		os.Setenv("WORKER_RANK_TEST_BAD", "not-a-number")
		defer os.Unsetenv("WORKER_RANK_TEST_BAD")

		old := logFatal
		defer func() { logFatal = old }()
		called := false
		logFatal = func(string, ...any) { called = true }

		_ = mustGetenvInt("WORKER_RANK_TEST_BAD")
		if !called {
			t.Error("expected logFatal to be called for a non-integer value")
		}
	})
}

func TestRegisterWithMaster(t *testing.T) {
	tests := []struct {
		name         string
		serverStatus int
		expectFatal  bool
		failFirst    int
	}{
		{name: "succeeds on first attempt", serverStatus: http.StatusNoContent},
		{name: "succeeds after retries", serverStatus: http.StatusNoContent, failFirst: 2},
		{name: "fatals after exhausting retries", serverStatus: http.StatusInternalServerError, expectFatal: true, failFirst: 999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("expected POST, got %s", r.Method)
				}
				if r.URL.Path != "/register" {
					t.Errorf("expected /register, got %s", r.URL.Path)
				}
				var req master.RegisterRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if req.Rank != 2 || req.Addr != "127.0.0.1:9999" {
					t.Errorf("unexpected request body: %+v", req)
				}

				attempts++
				if attempts > tt.failFirst {
					w.WriteHeader(tt.serverStatus)
					return
				}
				w.WriteHeader(http.StatusInternalServerError)
			}))
			defer srv.Close()

			old := logFatal
			defer func() { logFatal = old }()
			fatalCalled := false
			logFatal = func(string, ...any) { fatalCalled = true }

			addr := srv.Listener.Addr().String()
			registerWithMaster(context.Background(), addr, 2, "127.0.0.1:9999")

			if fatalCalled != tt.expectFatal {
				t.Errorf("fatalCalled = %v, want %v", fatalCalled, tt.expectFatal)
			}
		})
	}
}
