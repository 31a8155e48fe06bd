package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/intake/internal/adapters/external"
	"github.com/okian/intake/internal/config"
	"github.com/okian/intake/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.New()
	cfg.Addr = "127.0.0.1:0"
	cfg.DatabasePath = filepath.Join(t.TempDir(), "intake.db")
	cfg.WorkerCount = 2
	return cfg
}

func TestExternalStoreSelection(t *testing.T) {
	convey.Convey("Given the external store configuration", t, func() {
		cfg := config.New()

		convey.Convey("When memory mode is configured", func() {
			store, err := newExternalStore(cfg)

			convey.Convey("Then the service builds its own store", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(store, convey.ShouldBeNil)
			})
		})

		convey.Convey("When http mode is configured", func() {
			cfg.ExternalMode = config.ExternalHTTP
			cfg.ExternalBaseURL = "https://lists.example.com"
			cfg.ExternalList = "partners"
			cfg.ExternalToken = "secret"
			store, err := newExternalStore(cfg)

			convey.Convey("Then an HTTP client is returned", func() {
				convey.So(err, convey.ShouldBeNil)
				_, ok := store.(*external.HTTPClient)
				convey.So(ok, convey.ShouldBeTrue)
			})
		})
	})
}

func TestRouter(t *testing.T) {
	convey.Convey("Given a started service behind the router", t, func() {
		convey.So(logger.Init(), convey.ShouldBeNil)
		ctx := context.Background()
		cfg := testConfig(t)

		svc := newService(cfg, logger.Get(), nil)
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer svc.Stop()
		h := newRouter(ctx, svc)

		convey.Convey("When a document is submitted", func() {
			req := httptest.NewRequest(http.MethodPost, "/submissions", strings.NewReader(`{"companyInfo":{"legalName":"Acme"}}`))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			convey.Convey("Then it is accepted", func() {
				convey.So(w.Code, convey.ShouldEqual, http.StatusAccepted)
				convey.So(w.Body.String(), convey.ShouldContainSubstring, `"accepted"`)
			})
		})

		convey.Convey("When docs, metrics and readiness are requested", func() {
			for _, path := range []string{"/api-docs", "/openapi.yaml", "/healthz", "/readyz", "/stats"} {
				w := httptest.NewRecorder()
				h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
				convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			}
		})
	})
}

func TestRun(t *testing.T) {
	convey.Convey("Given a configured server", t, func() {
		convey.So(logger.Init(), convey.ShouldBeNil)
		cfg := testConfig(t)

		convey.Convey("When its context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- run(ctx, cfg, logger.Get()) }()

			time.Sleep(100 * time.Millisecond)
			cancel()

			convey.Convey("Then it shuts down cleanly", func() {
				select {
				case err := <-done:
					convey.So(err, convey.ShouldBeNil)
				case <-time.After(10 * time.Second):
					convey.So("run did not return", convey.ShouldBeEmpty)
				}
			})
		})

		convey.Convey("When the registry cannot be loaded", func() {
			cfg.RegistryPath = filepath.Join(t.TempDir(), "missing.yaml")
			err := run(context.Background(), cfg, logger.Get())

			convey.Convey("Then it fails to start", func() {
				convey.So(err, convey.ShouldNotBeNil)
			})
		})
	})
}

func TestUpdateSystemMetrics(t *testing.T) {
	convey.Convey("Given the system metrics updater", t, func() {
		convey.So(updateSystemMetrics, convey.ShouldNotPanic)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		convey.So(func() { startSystemMetricsUpdater(ctx) }, convey.ShouldNotPanic)
	})
}
