package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/go-multierror"

	v1 "github.com/grafana/symbolicator/pkg/api/v1"
	"github.com/grafana/symbolicator/pkg/repository"
	"github.com/grafana/symbolicator/pkg/util"
)

const requestIDHeader = "X-Request-Id"

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(util.InjectRequestID(r.Context(), id)))
	})
}

func (s *Server) symbolicate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := util.LoggerWithContext(ctx, s.logger)
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := v1.DecodeRequest(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		respondWithError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := s.symbols.Symbolicate(ctx, req)
	if err != nil {
		code := statusCode(err)
		if code >= http.StatusInternalServerError {
			level.Error(logger).Log("msg", "symbolicate request failed", "jobs", len(req.Jobs), "err", err)
		}
		respondWithError(w, code, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := v1.EncodeResponse(w, resp); err != nil {
		level.Warn(logger).Log("msg", "failed to write response", "err", err)
	}
}

func respondWithError(w http.ResponseWriter, code int, err error) {
	var e v1.ErrorResponse
	if m := new(multierror.Error); errors.As(err, &m) {
		for _, err := range m.Errors {
			e.Errors = append(e.Errors, err.Error())
		}
	} else {
		e.Errors = []string{err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = v1.EncodeError(w, &e)
}

func statusCode(err error) int {
	var verr *v1.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case repository.IsResourceError(err):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	if s.State() != services.Running {
		http.Error(w, "not ready: "+s.State().String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
