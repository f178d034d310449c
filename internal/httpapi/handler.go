package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/blobd/api"
	"pkt.systems/blobd/internal/clock"
	"pkt.systems/blobd/internal/core"
	"pkt.systems/blobd/internal/correlation"
	"pkt.systems/blobd/internal/storage"
	"pkt.systems/blobd/internal/svcfields"
	"pkt.systems/blobd/internal/uuidv7"
	"pkt.systems/pslog"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerSASToken      = "X-Blobd-SAS"
	headerLeaseID       = "X-Blobd-Lease-ID"
	headerIfMatch       = "If-Match"
	headerETag          = "ETag"
)

const defaultMaxBodyBytes = 272 << 20 // base64 payload for the 256 MiB blob cap

// Config assembles a Handler.
type Config struct {
	Core   *core.Service
	Logger pslog.Logger
	Clock  clock.Clock
	// RequireAuth gates every data route behind SAS validation. Reads may
	// still pass anonymously when the container's public-access level
	// allows them.
	RequireAuth bool
	// MaxBodyBytes caps request bodies; zero selects the default.
	MaxBodyBytes       int64
	DisableHTTPTracing bool
}

// Handler wires HTTP endpoints to the blob service.
type Handler struct {
	core               *core.Service
	logger             pslog.Logger
	clock              clock.Clock
	tracer             trace.Tracer
	requireAuth        bool
	maxBodyBytes       int64
	httpTracingEnabled bool
}

// New builds a Handler around an assembled core service.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{
		core:               cfg.Core,
		logger:             svcfields.WithSubsystem(logger, "api.http"),
		clock:              clk,
		tracer:             otel.Tracer("pkt.systems/blobd/httpapi"),
		requireAuth:        cfg.RequireAuth,
		maxBodyBytes:       maxBody,
		httpTracingEnabled: !cfg.DisableHTTPTracing,
	}
}

// Register wires the routes under /v1 and health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/container/create", h.wrap("container.create", h.handleContainerCreate))
	mux.Handle("/v1/container/delete", h.wrap("container.delete", h.handleContainerDelete))
	mux.Handle("/v1/container/get", h.wrap("container.get", h.handleContainerGet))
	mux.Handle("/v1/container/metadata", h.wrap("container.metadata", h.handleContainerMetadata))
	mux.Handle("/v1/container/access", h.wrap("container.access", h.handleContainerAccess))
	mux.Handle("/v1/container/policy", h.wrap("container.policy", h.handleContainerPolicy))
	mux.Handle("/v1/container/lease", h.wrap("container.lease", h.handleContainerLease))
	mux.Handle("/v1/blob/upload", h.wrap("blob.upload", h.handleBlobUpload))
	mux.Handle("/v1/blob/download", h.wrap("blob.download", h.handleBlobDownload))
	mux.Handle("/v1/blob/delete", h.wrap("blob.delete", h.handleBlobDelete))
	mux.Handle("/v1/blob/exists", h.wrap("blob.exists", h.handleBlobExists))
	mux.Handle("/v1/blob/properties", h.wrap("blob.properties", h.handleBlobProperties))
	mux.Handle("/v1/blob/metadata", h.wrap("blob.metadata", h.handleBlobMetadata))
	mux.Handle("/v1/blob/lease", h.wrap("blob.lease", h.handleBlobLease))
	mux.Handle("/v1/blob/snapshot", h.wrap("blob.snapshot", h.handleBlobSnapshot))
	mux.Handle("/v1/blob/snapshots", h.wrap("blob.snapshots", h.handleBlobSnapshots))
	mux.Handle("/v1/blob/promote", h.wrap("blob.promote", h.handleBlobPromote))
	mux.Handle("/v1/blob/copy", h.wrap("blob.copy", h.handleCopyStart))
	mux.Handle("/v1/blob/copy/status", h.wrap("blob.copy_status", h.handleCopyStatus))
	mux.Handle("/v1/blob/copy/abort", h.wrap("blob.copy_abort", h.handleCopyAbort))
	mux.Handle("/v1/block/stage", h.wrap("block.stage", h.handleBlockStage))
	mux.Handle("/v1/block/commit", h.wrap("block.commit", h.handleBlockCommit))
	mux.Handle("/v1/block/list", h.wrap("block.list", h.handleBlockList))
	mux.Handle("/v1/page/create", h.wrap("page.create", h.handlePageCreate))
	mux.Handle("/v1/page/write", h.wrap("page.write", h.handlePageWrite))
	mux.Handle("/v1/page/clear", h.wrap("page.clear", h.handlePageClear))
	mux.Handle("/v1/page/read", h.wrap("page.read", h.handlePageRead))
	mux.Handle("/v1/page/ranges", h.wrap("page.ranges", h.handlePageRanges))
	mux.Handle("/v1/append", h.wrap("append", h.handleAppend))
	mux.Handle("/v1/list/containers", h.wrap("list.containers", h.handleListContainers))
	mux.Handle("/v1/list/blobs", h.wrap("list.blobs", h.handleListBlobs))
	mux.Handle("/v1/sas/sign", h.wrap("sas.sign", h.handleSASSign))
	mux.Handle("/v1/sas/validate", h.wrap("sas.validate", h.handleSASValidate))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	httpSpanName := "blobd.http." + operation
	txSpanName := "blobd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.clock.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		instrument := h.httpTracingEnabled
		var span trace.Span
		if instrument {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(attribute.String("blobd.sys", sys)),
			)
			span.SetAttributes(
				attribute.String("blobd.operation", operation),
				attribute.String("blobd.route", r.URL.Path),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Ensure(ctx)
		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)

		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		ctx, logger = applyCorrelation(ctx, logger, span)

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		}
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		status := codes.Ok
		statusMsg := ""
		defer func() {
			if instrument {
				span.SetStatus(status, statusMsg)
				span.SetAttributes(attribute.Int64("blobd.duration_ms", clock.Since(h.clock, start).Milliseconds()))
			}
		}()

		if err := fn(w, r); err != nil {
			status = codes.Error
			statusMsg = "handler_error"
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				statusMsg = "context_canceled"
				logger.Trace("http.request.canceled", "elapsed", clock.Since(h.clock, start))
				h.handleError(ctx, w, httpError{
					Status: http.StatusRequestTimeout,
					Code:   "context_canceled",
					Detail: "request context canceled",
				})
				return
			}
			if instrument {
				span.RecordError(err)
				var httpErr httpError
				if errors.As(err, &httpErr) {
					span.SetAttributes(
						attribute.String("blobd.error_code", httpErr.Code),
						attribute.Int("blobd.error_status", httpErr.Status),
					)
				} else {
					span.SetAttributes(attribute.String("blobd.error_code", "internal"))
				}
			}
			if corr := correlation.ID(r.Context()); corr != "" {
				w.Header().Set(headerCorrelationID, corr)
			}
			logger.Debug("http.request.error", "elapsed", clock.Since(h.clock, start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		if corr := correlation.ID(r.Context()); corr != "" {
			w.Header().Set(headerCorrelationID, corr)
		}
		logger.Trace("http.request.complete", "elapsed", clock.Since(h.clock, start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	ETag       string
	RetryAfter int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// convertCoreError maps transport-neutral core failures onto HTTP-aware
// errors. Transient storage faults become 503s with a retry hint.
func convertCoreError(err error) error {
	if err == nil {
		return nil
	}
	if storage.IsTransient(err) {
		return httpError{
			Status:     http.StatusServiceUnavailable,
			Code:       "storage_unavailable",
			Detail:     "storage backend temporarily unavailable",
			RetryAfter: 1,
		}
	}
	var failure core.Failure
	if errors.As(err, &failure) {
		status := failure.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{
			Status:     status,
			Code:       failure.Code,
			Detail:     failure.Detail,
			ETag:       failure.ETag,
			RetryAfter: failure.RetryAfter,
		}
	}
	switch {
	case errors.Is(err, storage.ErrCASMismatch):
		return httpError{Status: http.StatusConflict, Code: "cas_mismatch", Detail: "storage cas mismatch"}
	case errors.Is(err, storage.ErrNotFound):
		return httpError{Status: http.StatusNotFound, Code: "not_found", Detail: "resource not found"}
	}
	return err
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"etag", httpErr.ETag,
			"retry_after", httpErr.RetryAfter,
		)
		headers := map[string]string{}
		if httpErr.RetryAfter > 0 {
			headers["Retry-After"] = strconv.FormatInt(httpErr.RetryAfter, 10)
		}
		if httpErr.ETag != "" {
			headers[headerETag] = httpErr.ETag
		}
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{
			Error:      httpErr.Code,
			Detail:     httpErr.Detail,
			RetryAfter: httpErr.RetryAfter,
			ETag:       httpErr.ETag,
		}, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		Error:  "internal",
		Detail: "internal server error",
	}, nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusOK)
	return nil
}
