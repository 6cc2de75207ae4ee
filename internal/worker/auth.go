package worker

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"inferd/internal/failure"
)

// AuthRequired reports whether jobs must carry an API key.
func (w *Worker) AuthRequired() bool { return w.cfg.APIKey != "" || w.cfg.APIKeyBcrypt != "" }

// Authorize checks key against the configured plain key or bcrypt hash.
func (w *Worker) Authorize(key string) error { return w.authorize(key) }

func (w *Worker) authorize(key string) error {
	if !w.AuthRequired() {
		return nil
	}
	if key == "" {
		return failure.Newf(failure.Unauthorized, "auth", "missing API key")
	}
	if w.cfg.APIKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(w.cfg.APIKey)) == 1 {
		return nil
	}
	if w.cfg.APIKeyBcrypt != "" && bcrypt.CompareHashAndPassword([]byte(w.cfg.APIKeyBcrypt), []byte(key)) == nil {
		return nil
	}
	return failure.Newf(failure.Unauthorized, "auth", "invalid API key")
}

// HashKey returns the bcrypt hash stored in serving.api_key_bcrypt.
func HashKey(key string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(b), err
}
