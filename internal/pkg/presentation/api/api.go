package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"log/slog"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"

	"github.com/pultline/alarm-callout/internal/pkg/application/callout"
)

var tracer = otel.Tracer("alarm-callout/api")

func RegisterHandlers(ctx context.Context, router *chi.Mux, svc callout.CallOutService, maxConcurrent int) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log := logging.GetFromContext(ctx)

	router.Route("/api/v0", func(r chi.Router) {
		r.Get("/status", getStatusHandler(log, svc, maxConcurrent))
		r.Post("/processing", setProcessingHandler(log, svc))
	})

	return router, nil
}

func getStatusHandler(log *slog.Logger, svc callout.CallOutService, maxConcurrent int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		_, span := tracer.Start(r.Context(), "get-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		status := struct {
			Active        bool `json:"active"`
			QueueDepth    int  `json:"queueDepth"`
			MaxConcurrent int  `json:"maxConcurrent"`
		}{
			Active:        svc.IsActive(),
			QueueDepth:    svc.QueueDepth(),
			MaxConcurrent: maxConcurrent,
		}

		body, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

func setProcessingHandler(log *slog.Logger, svc callout.CallOutService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "set-processing")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		_, ctx, requestLogger := o11y.AddTraceIDToLoggerAndStoreInContext(span, log, ctx)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			requestLogger.Error("unable to read body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var request struct {
			Enabled bool `json:"enabled"`
		}

		err = json.Unmarshal(body, &request)
		if err != nil {
			requestLogger.Error("unable to unmarshal body", "err", err.Error())
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if request.Enabled {
			err = svc.Start(ctx)
		} else {
			err = svc.Stop(ctx)
		}

		if err != nil {
			requestLogger.Error("unable to change processing state", "err", err.Error())
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
