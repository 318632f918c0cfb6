package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rampledger/internal/idempotency"
	"rampledger/internal/keyregistry"
	"rampledger/internal/ledger"
	"rampledger/internal/proof"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, ledger.ErrValidation),
		errors.Is(err, keyregistry.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, proof.ErrRejected), errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, keyregistry.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	if errors.Is(err, proof.ErrRejected) {
		body.Reason = proof.Reason(err)
	}
	if code == http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": r.Header.Get(requestIDHeader),
		}).Error("request failed")
		body.Error = "internal error"
	}
	writeJSON(w, code, body)
}

// respond writes v on success or the mapped error, and counts the outcome.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, op string, code int, v any, err error) {
	if err != nil {
		s.metrics.incOp(op, "error")
		s.writeError(w, r, err)
		return
	}
	s.metrics.incOp(op, "ok")
	writeJSON(w, code, v)
}

type responseCapture struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *responseCapture) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(p []byte) (int, error) {
	c.buf.Write(p)
	return c.ResponseWriter.Write(p)
}

// idempotent replays the stored response when a caller retries a mutating
// request with the same X-Idempotency-Key. Requests without a key pass through.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, r, errors.Join(errBadRequest, err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		ctx := r.Context()
		scoped := idempotency.ScopedKey(callerFrom(r).Hex(), key)
		hash := idempotency.Fingerprint(r.Method, r.URL.Path, body)

		if !s.acquire(scoped) {
			writeJSON(w, http.StatusConflict, errorBody{Error: "request with this idempotency key is in progress"})
			return
		}
		defer s.release(scoped)

		rec, err := s.store.Get(ctx, scoped)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if rec != nil {
			if err := rec.Matches(hash); err != nil {
				s.writeError(w, r, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.Response)
			return
		}

		capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status >= http.StatusInternalServerError {
			return
		}

		now := time.Now()
		err = s.store.Save(ctx, scoped, idempotency.Record{
			StatusCode:  capture.status,
			Response:    capture.buf.Bytes(),
			RequestHash: hash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		})
		if err != nil {
			s.log.WithError(err).WithField("key", scoped).Error("store idempotent response")
		}
	})
}

func (s *Server) acquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) release(key string) {
	s.inflightMu.Lock()
	delete(s.inflight, key)
	s.inflightMu.Unlock()
}
