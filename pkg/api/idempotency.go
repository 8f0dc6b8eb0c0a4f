package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"bank-ledger/pkg/cache"
	"bank-ledger/pkg/logging"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader is the optional client key on mutating routes.
const IdempotencyKeyHeader = "Idempotency-Key"

const (
	maxIdempotencyKeyLength = 255
	defaultLockTTL          = 30 * time.Second
)

// StoredResponse is a replayable successful response. Fingerprint identifies
// the request that produced it.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// requestFingerprint hashes the parts of a request that decide its effect.
func requestFingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// IdempotencyStore records responses by idempotency key.
//
// Lock claims a key for one in-flight request and reports false when another
// request holds it. Save stores the response and releases the claim; Unlock
// releases it without storing anything.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*StoredResponse, error)
	Lock(ctx context.Context, key string) (bool, error)
	Save(ctx context.Context, key string, resp *StoredResponse) error
	Unlock(ctx context.Context, key string) error
}

// RedisIdempotencyStore keeps records in Redis so every replica sees them.
type RedisIdempotencyStore struct {
	client  rueidis.Client
	keys    *cache.KeyPattern
	ttl     time.Duration
	lockTTL time.Duration
}

// NewRedisIdempotencyStore stores records under prefix for ttl. The client is
// shared and not closed by the store.
func NewRedisIdempotencyStore(client rueidis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{
		client:  client,
		keys:    cache.NewKeyPattern(prefix+"idempotency", ":"),
		ttl:     ttl,
		lockTTL: defaultLockTTL,
	}
}

// unreachable marks a Redis transport error so callers can tell it from a
// corrupt record.
func unreachable(op string, err error) error {
	if err == nil {
		return nil
	}
	return cache.WrapError(fmt.Errorf("%w: %w", cache.ErrLayerUnavailable, err), "idempotency", op)
}

func (s *RedisIdempotencyStore) recordKey(key string) string {
	return s.keys.Build("record", key)
}

func (s *RedisIdempotencyStore) lockKey(key string) string {
	return s.keys.Build("lock", key)
}

// Lookup returns nil when no response is stored.
func (s *RedisIdempotencyStore) Lookup(ctx context.Context, key string) (*StoredResponse, error) {
	cmd := s.client.B().Get().Key(s.recordKey(key)).Build()
	data, err := s.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}
		return nil, unreachable("lookup", err)
	}

	var resp StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, cache.WrapError(err, "idempotency", "decode")
	}
	return &resp, nil
}

// Lock claims key with SET NX. The claim expires on its own if the holder dies.
func (s *RedisIdempotencyStore) Lock(ctx context.Context, key string) (bool, error) {
	cmd := s.client.B().Set().Key(s.lockKey(key)).Value("1").Nx().Ex(s.lockTTL).Build()
	err := s.client.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, unreachable("lock", err)
	}
	return true, nil
}

// Save stores resp for the configured TTL and releases the claim.
func (s *RedisIdempotencyStore) Save(ctx context.Context, key string, resp *StoredResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	cmd := s.client.B().Set().Key(s.recordKey(key)).Value(rueidis.BinaryString(data)).Ex(s.ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return unreachable("save", err)
	}
	return s.Unlock(ctx, key)
}

// Unlock releases the claim on key.
func (s *RedisIdempotencyStore) Unlock(ctx context.Context, key string) error {
	cmd := s.client.B().Del().Key(s.lockKey(key)).Build()
	return unreachable("unlock", s.client.Do(ctx, cmd).Error())
}

// MemoryIdempotencyStore is a process-local IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryRecord
	locks   map[string]struct{}
	now     func() time.Time
}

type memoryRecord struct {
	resp    StoredResponse
	expires time.Time
}

// NewMemoryIdempotencyStore keeps records for ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		ttl:     ttl,
		records: make(map[string]memoryRecord),
		locks:   make(map[string]struct{}),
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Lookup(_ context.Context, key string) (*StoredResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(rec.expires) {
		delete(s.records, key)
		return nil, nil
	}
	resp := rec.resp
	resp.Body = append([]byte(nil), rec.resp.Body...)
	return &resp, nil
}

func (s *MemoryIdempotencyStore) Lock(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[key]; held {
		return false, nil
	}
	s.locks[key] = struct{}{}
	return true, nil
}

func (s *MemoryIdempotencyStore) Save(_ context.Context, key string, resp *StoredResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *resp
	stored.Body = append([]byte(nil), resp.Body...)
	s.records[key] = memoryRecord{resp: stored, expires: s.now().Add(s.ttl)}
	delete(s.locks, key)
	return nil
}

func (s *MemoryIdempotencyStore) Unlock(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.locks, key)
	s.mu.Unlock()
	return nil
}

// recordingWriter tees the response so it can be stored.
type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// idempotent replays stored 2xx responses for a repeated Idempotency-Key and
// answers 409 while the first request with that key is still running. A key
// belongs to the first request that used it: reusing it for a different
// method, path or body answers 422. Requests without the header pass through
// untouched.
func idempotent(store IdempotencyStore, logger *logging.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyKeyHeader)
		if store == nil || key == "" {
			next(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "idempotency key too long", Kind: "invalid_input"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body too large", Kind: "invalid_input"})
				return
			}
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable request body", Kind: "invalid_input"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := requestFingerprint(r.Method, r.URL.Path, body)

		ctx := r.Context()
		log := logger.With(logging.TraceID(RequestIDFromContext(ctx)), zap.String("idempotency_key", key))

		if resp, err := store.Lookup(ctx, key); err != nil {
			idempotencyFailed(w, log, "lookup", err)
			return
		} else if resp != nil {
			replay(w, resp, fingerprint)
			return
		}

		locked, err := store.Lock(ctx, key)
		if err != nil {
			idempotencyFailed(w, log, "lock", err)
			return
		}
		if !locked {
			writeJSON(w, http.StatusConflict, errorBody{
				Error: "a request with this idempotency key is in progress",
				Kind:  "invalid_state",
			})
			return
		}

		// The previous holder may have saved its response between our lookup
		// and our lock.
		bg := context.WithoutCancel(ctx)
		resp, err := store.Lookup(ctx, key)
		if err != nil || resp != nil {
			if uerr := store.Unlock(bg, key); uerr != nil {
				log.Warn("idempotency unlock failed", zap.Error(uerr))
			}
			if err != nil {
				idempotencyFailed(w, log, "lookup", err)
				return
			}
			replay(w, resp, fingerprint)
			return
		}

		rec := &recordingWriter{ResponseWriter: w}
		completed := false
		defer func() {
			if completed {
				return
			}
			// Handler panicked; free the key for a retry.
			if err := store.Unlock(bg, key); err != nil {
				log.Warn("idempotency unlock failed", zap.Error(err))
			}
		}()

		next(rec, r)
		completed = true

		if rec.status >= 200 && rec.status < 300 {
			resp := &StoredResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
				Fingerprint: fingerprint,
			}
			if err := store.Save(bg, key, resp); err != nil {
				log.Warn("idempotency save failed", zap.Error(err))
			}
			return
		}
		if err := store.Unlock(bg, key); err != nil {
			log.Warn("idempotency unlock failed", zap.Error(err))
		}
	}
}

// idempotencyFailed answers 503 when the record store is unreachable and 500
// for anything else, such as a record that no longer decodes.
func idempotencyFailed(w http.ResponseWriter, log *logging.Logger, op string, err error) {
	if cache.IsUnavailable(err) {
		log.Warn("idempotency store unavailable", zap.String("op", op), zap.Error(err))
		writeUnavailable(w, "idempotency store unavailable")
		return
	}
	log.Error("idempotency store failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

// replay writes resp, or 422 when it was produced by a different request.
func replay(w http.ResponseWriter, resp *StoredResponse, fingerprint string) {
	if resp.Fingerprint != fingerprint {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: "idempotency key was already used for a different request",
			Kind:  "invalid_input",
		})
		return
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
