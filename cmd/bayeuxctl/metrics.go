package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	bayeux "github.com/sigmavirus24/gobayeux/v3"
)

type statusResponse struct {
	Status    bayeux.StateRepresentation `json:"status"`
	ClientID  string                     `json:"clientId,omitempty"`
	Transport string                     `json:"transport,omitempty"`
	Backoff   string                     `json:"backoff"`
}

func metricsRouter(registry *prometheus.Registry, client *bayeux.Client) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		response := statusResponse{
			Status:   client.Status(),
			ClientID: client.ClientID(),
			Backoff:  client.BackoffPeriod().String(),
		}
		if t := client.Transport(); t != nil {
			response.Transport = t.Type()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	})
	return r
}

// serveMetrics runs the metrics server in g until ctx is done
func serveMetrics(ctx context.Context, g *errgroup.Group, address string, registry *prometheus.Registry, client *bayeux.Client, logger logrus.FieldLogger) {
	server := &http.Server{
		Addr:              address,
		Handler:           metricsRouter(registry, client),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.WithField("address", address).Info("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
