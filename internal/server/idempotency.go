package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ashita-ai/rex/internal/model"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	maxIdempotencyKeys    = 10_000
	maxIdempotencyKeyLen  = 255
)

// idempotencyRecord is either an in-flight reservation or a completed
// response ready for replay.
type idempotencyRecord struct {
	hash      string
	completed bool
	status    int
	data      any
}

// idempotencyStore keeps idempotency keys in memory. Keys are scoped by
// owner and endpoint so two owners cannot collide.
type idempotencyStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, idempotencyRecord]
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &idempotencyStore{
		cache: expirable.NewLRU[string, idempotencyRecord](maxIdempotencyKeys, nil, ttl),
	}
}

type idempotencyHandle struct {
	scoped string
	hash   string
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite checks, replays, or reserves an idempotency key.
// Returns (nil, true) when no key is present and the caller should proceed
// normally. A false return means a response has already been written.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, owner, endpoint string, payload any) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Idempotency-Key is too long")
		return nil, false
	}
	hash, err := requestHash(payload)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash idempotency payload", err)
		return nil, false
	}
	scoped := owner + "\x00" + endpoint + "\x00" + key

	s := h.idempotency
	s.mu.Lock()
	rec, ok := s.cache.Get(scoped)
	if !ok {
		s.cache.Add(scoped, idempotencyRecord{hash: hash})
		s.mu.Unlock()
		return &idempotencyHandle{scoped: scoped, hash: hash}, true
	}
	s.mu.Unlock()

	switch {
	case rec.hash != hash:
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
	case !rec.completed:
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
	default:
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, r, rec.status, rec.data)
	}
	return nil, false
}

// completeIdempotentWrite stores the response for replay.
func (h *Handlers) completeIdempotentWrite(idem *idempotencyHandle, status int, data any) {
	if idem == nil {
		return
	}
	h.idempotency.mu.Lock()
	h.idempotency.cache.Add(idem.scoped, idempotencyRecord{hash: idem.hash, completed: true, status: status, data: data})
	h.idempotency.mu.Unlock()
}

// clearIdempotentWrite releases a reservation after a failed write so the
// client may retry with the same key.
func (h *Handlers) clearIdempotentWrite(idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	h.idempotency.mu.Lock()
	h.idempotency.cache.Remove(idem.scoped)
	h.idempotency.mu.Unlock()
}
