package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/storefront/internal/identity"
)

const (
	HeaderName       = "Idempotency-Key"
	ReplayHeaderName = "X-Idempotent-Replay"
)

// Middleware replays the stored response for a repeated Idempotency-Key.
// Requests without the header are passed through unchanged.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(HeaderName))
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				respondError(w, http.StatusBadRequest, "unable to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller := identity.EmailFromContext(r.Context())
			scoped := caller + "|" + key
			fingerprint := requestFingerprint(r, body, caller)

			state, record, err := store.Reserve(r.Context(), scoped, fingerprint, ttl)
			if err != nil {
				log.Error().Err(err).Str("idempotency_key", key).Msg("idempotency: failed to reserve key")
				respondError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}

			switch state {
			case StateCompleted:
				writeRecord(w, record)
				return
			case StatePending:
				respondError(w, http.StatusConflict, "another request is processing this idempotency key")
				return
			case StateMismatch:
				respondError(w, http.StatusUnprocessableEntity, "idempotency key was used for a different request")
				return
			}

			// The outcome is recorded even when the client has gone or the request timed out.
			storeCtx := context.WithoutCancel(r.Context())
			release := func() {
				if err := store.Release(storeCtx, scoped); err != nil {
					log.Error().Err(err).Str("idempotency_key", key).Msg("idempotency: failed to release key")
				}
			}

			defer func() {
				if p := recover(); p != nil {
					release()
					panic(p)
				}
			}()

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// Server errors are not cached so the client may retry with the same key.
			if rec.status >= http.StatusInternalServerError {
				release()
				return
			}

			stored := Record{
				Fingerprint: fingerprint,
				Status:      rec.status,
				Header:      rec.Header().Clone(),
				Body:        rec.body.Bytes(),
			}
			if err := store.Complete(storeCtx, scoped, stored, ttl); err != nil {
				log.Error().Err(err).Str("idempotency_key", key).Msg("idempotency: failed to store response")
			}
		})
	}
}

func requestFingerprint(r *http.Request, body []byte, caller string) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeRecord(w http.ResponseWriter, record Record) {
	for name, values := range record.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(ReplayHeaderName, "true")
	w.WriteHeader(record.Status)
	_, _ = w.Write(record.Body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": "idempotency"})
}

// recorder copies the response body while it is written to the client.
type recorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
