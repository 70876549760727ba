package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for stored admin secret hashes.
const (
	argonTime    = 3         // iterations
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1         // parallelism
	argonKeyLen  = 32        // output hash length
	argonSaltLen = 16        // salt length

	phcPrefix = "$argon2id$"
)

// HashSecret derives an Argon2id PHC string for secret, suitable for the
// auth.admin_secrets list in the config file.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifySecret reports whether secret matches the PHC encoded hash.
func VerifySecret(secret, encoded string) (bool, error) {
	p, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(secret), p.salt, p.time, p.memory, p.threads, uint32(len(p.hash))) //nolint:gosec // G115: hash length always fits uint32
	return subtle.ConstantTimeCompare(p.hash, candidate) == 1, nil
}

type phc struct {
	time    uint32
	memory  uint32
	threads uint8
	salt    []byte
	hash    []byte
}

func decodePHC(encoded string) (phc, error) {
	var p phc
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 { //nolint:mnd // PHC format has exactly 6 $-delimited parts
		return p, fmt.Errorf("invalid PHC hash format")
	}
	if parts[1] != "argon2id" {
		return p, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return p, fmt.Errorf("parsing version: %w", err)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, fmt.Errorf("parsing parameters: %w", err)
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, fmt.Errorf("decoding salt: %w", err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, fmt.Errorf("decoding hash: %w", err)
	}
	return p, nil
}

// AdminSecrets matches a presented secret against the configured list.
//
// Entries starting with "$argon2id$" are hashes; anything else is compared
// in constant time as plaintext. Successful hash matches are remembered by
// SHA-256 digest so the Argon2 cost is paid once per distinct secret.
type AdminSecrets struct {
	plain  [][]byte
	hashes []string

	verified sync.Map // [sha256.Size]byte -> struct{}
}

// NewAdminSecrets validates and indexes the configured secrets.
func NewAdminSecrets(entries []string) (*AdminSecrets, error) {
	s := &AdminSecrets{}
	for i, e := range entries {
		if strings.HasPrefix(e, phcPrefix) {
			if _, err := decodePHC(e); err != nil {
				return nil, fmt.Errorf("admin secret %d: %w", i, err)
			}
			s.hashes = append(s.hashes, e)
			continue
		}
		if e == "" {
			return nil, fmt.Errorf("admin secret %d: %w", i, ErrEmptySecret)
		}
		s.plain = append(s.plain, []byte(e))
	}
	return s, nil
}

// Configured reports whether any secret is set.
func (s *AdminSecrets) Configured() bool {
	return s != nil && len(s.plain)+len(s.hashes) > 0
}

// Match reports whether presented is one of the configured secrets.
func (s *AdminSecrets) Match(presented string) bool {
	if s == nil || presented == "" {
		return false
	}
	matched := 0
	for _, p := range s.plain {
		matched |= subtle.ConstantTimeCompare(p, []byte(presented))
	}
	if matched == 1 {
		return true
	}
	if len(s.hashes) == 0 {
		return false
	}

	digest := sha256.Sum256([]byte(presented))
	if _, ok := s.verified.Load(digest); ok {
		return true
	}
	for _, h := range s.hashes {
		if ok, err := VerifySecret(presented, h); err == nil && ok {
			s.verified.Store(digest, struct{}{})
			return true
		}
	}
	return false
}
