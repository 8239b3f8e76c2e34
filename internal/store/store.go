// Package store implements the encrypted credential store: a
// versioned collection of credentials, persisted as a single JSON
// document, with AES-256-GCM protecting each entry's secret payload.
package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	ivSize  = 16
	tagSize = 16
	fileName = "credentials.json"
)

// ServiceType is the closed set of credential shapes.
type ServiceType string

const (
	ServiceWebLogin ServiceType = "web_login"
	ServiceAPIKey   ServiceType = "api_key"
)

// Selectors names the three DOM hooks a web_login recipe needs.
type Selectors struct {
	EmailSelector    string `json:"email_selector"`
	PasswordSelector string `json:"password_selector"`
	SubmitSelector   string `json:"submit_selector"`
}

// Credential is the on-disk record: metadata plus an opaque
// ciphertext blob. It never holds plaintext.
type Credential struct {
	ID          string      `json:"id"`
	SiteID      string      `json:"site_id"`
	ServiceType ServiceType `json:"service_type"`
	Active      bool        `json:"active"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
	LoginURL    string      `json:"login_url,omitempty"`
	Selectors   *Selectors  `json:"selectors,omitempty"`
	Ciphertext  string      `json:"ciphertext"`
}

// Metadata is the ciphertext-free projection returned by List, Get,
// and Add.
type Metadata struct {
	ID          string      `json:"id"`
	SiteID      string      `json:"site_id"`
	ServiceType ServiceType `json:"service_type"`
	Active      bool        `json:"active"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
	LoginURL    string      `json:"login_url,omitempty"`
	Selectors   *Selectors  `json:"selectors,omitempty"`
}

// WebLoginPayload is the plaintext shape for a web_login credential.
type WebLoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// APIKeyPayload is the plaintext shape for an api_key credential.
type APIKeyPayload struct {
	APIKey  string            `json:"api_key"`
	Headers map[string]string `json:"headers"`
}

// Payload is a decrypted secret payload. Exactly one of WebLogin or
// APIKey is non-nil, matching ServiceType.
type Payload struct {
	WebLogin *WebLoginPayload
	APIKey   *APIKeyPayload
}

var (
	// ErrNotFound is returned when no credential matches a site_id.
	ErrNotFound = errors.New("credential not found")
	// ErrDuplicateSiteID is returned by Add when site_id already exists.
	ErrDuplicateSiteID = errors.New("site_id already exists")
)

type document struct {
	Version     int          `json:"version"`
	Credentials []Credential `json:"credentials"`
}

// Store holds the in-memory credential vector and owns the on-disk
// file exclusively. All mutation and lookups are serialized by mu.
type Store struct {
	path string
	key  [32]byte
	mu   sync.Mutex
	docs []Credential
}

// Open creates dataDir (0700) if needed, loads credentials.json if
// present, or initializes and persists an empty vector. Malformed
// JSON is fatal (returned as an error).
func Open(dataDir string, key [32]byte) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, fileName)

	s := &Store{path: path, key: key}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		s.docs = []Credential{}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}
	s.docs = doc.Credentials
	return s, nil
}

// AddInput carries everything a new credential needs.
type AddInput struct {
	SiteID      string
	ServiceType ServiceType
	Payload     Payload
	LoginURL    string
	Selectors   *Selectors
}

// Add validates the payload/service-type agreement, encrypts the
// payload, and appends a new credential. Duplicate site_id is
// rejected (spec.md §9 Open Question 1, resolved as a hard error).
func (s *Store) Add(in AddInput) (Metadata, error) {
	if err := validateShape(in.ServiceType, in.Payload, in.LoginURL, in.Selectors); err != nil {
		return Metadata{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.docs {
		if c.SiteID == in.SiteID {
			return Metadata{}, ErrDuplicateSiteID
		}
	}

	plaintext, err := marshalPayload(in.Payload)
	if err != nil {
		return Metadata{}, err
	}
	ciphertext, err := encrypt(s.key, plaintext)
	if err != nil {
		return Metadata{}, fmt.Errorf("encrypt payload: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	cred := Credential{
		ID:          uuid.NewString(),
		SiteID:      in.SiteID,
		ServiceType: in.ServiceType,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
		LoginURL:    in.LoginURL,
		Selectors:   in.Selectors,
		Ciphertext:  base64.StdEncoding.EncodeToString(ciphertext),
	}
	s.docs = append(s.docs, cred)
	if err := s.persistLocked(); err != nil {
		return Metadata{}, err
	}
	return toMetadata(cred), nil
}

// Get decrypts and returns the credential's metadata and plaintext
// payload. Decryption failure is the canonical signal that the master
// key no longer matches the stored data.
func (s *Store) Get(siteID string) (Metadata, Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.findLocked(siteID)
	if !ok {
		return Metadata{}, Payload{}, ErrNotFound
	}

	raw, err := base64.StdEncoding.DecodeString(cred.Ciphertext)
	if err != nil {
		return Metadata{}, Payload{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := decrypt(s.key, raw)
	if err != nil {
		return Metadata{}, Payload{}, fmt.Errorf("decrypt payload: %w", err)
	}
	payload, err := unmarshalPayload(cred.ServiceType, plaintext)
	if err != nil {
		return Metadata{}, Payload{}, err
	}
	return toMetadata(cred), payload, nil
}

// List returns the metadata-only projection of every credential.
func (s *Store) List() []Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Metadata, 0, len(s.docs))
	for _, c := range s.docs {
		out = append(out, toMetadata(c))
	}
	return out
}

// Remove deletes the credential and persists. Returns false if no
// such site_id exists.
func (s *Store) Remove(siteID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, c := range s.docs {
		if c.SiteID == siteID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	s.docs = append(s.docs[:idx], s.docs[idx+1:]...)
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// ToggleActive flips the active flag and bumps updated_at. Returns
// false if no such site_id exists.
func (s *Store) ToggleActive(siteID string, active bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.docs {
		if c.SiteID == siteID {
			s.docs[i].Active = active
			s.docs[i].UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
			if err := s.persistLocked(); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) findLocked(siteID string) (Credential, bool) {
	for _, c := range s.docs {
		if c.SiteID == siteID {
			return c, true
		}
	}
	return Credential{}, false
}

// persistLocked rewrites the whole credential vector atomically: a
// successful return means the mutation is durable.
func (s *Store) persistLocked() error {
	doc := document{Version: 1, Credentials: s.docs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create credentials temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod credentials temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write credentials temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync credentials temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("install credentials file: %w", err)
	}
	return nil
}

func toMetadata(c Credential) Metadata {
	return Metadata{
		ID:          c.ID,
		SiteID:      c.SiteID,
		ServiceType: c.ServiceType,
		Active:      c.Active,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		LoginURL:    c.LoginURL,
		Selectors:   c.Selectors,
	}
}

func validateShape(serviceType ServiceType, payload Payload, loginURL string, selectors *Selectors) error {
	switch serviceType {
	case ServiceWebLogin:
		if payload.WebLogin == nil || payload.APIKey != nil {
			return errors.New("web_login requires an email+password payload")
		}
		if loginURL == "" || selectors == nil {
			return errors.New("web_login requires login_url and selectors")
		}
	case ServiceAPIKey:
		if payload.APIKey == nil || payload.WebLogin != nil {
			return errors.New("api_key requires an api_key+headers payload")
		}
		if loginURL != "" || selectors != nil {
			return errors.New("api_key must not set login_url or selectors")
		}
	default:
		return fmt.Errorf("unknown service_type: %s", serviceType)
	}
	return nil
}

func marshalPayload(p Payload) ([]byte, error) {
	if p.WebLogin != nil {
		return json.Marshal(p.WebLogin)
	}
	return json.Marshal(p.APIKey)
}

func unmarshalPayload(serviceType ServiceType, plaintext []byte) (Payload, error) {
	switch serviceType {
	case ServiceWebLogin:
		var p WebLoginPayload
		if err := json.Unmarshal(plaintext, &p); err != nil {
			return Payload{}, fmt.Errorf("parse web_login payload: %w", err)
		}
		return Payload{WebLogin: &p}, nil
	case ServiceAPIKey:
		var p APIKeyPayload
		if err := json.Unmarshal(plaintext, &p); err != nil {
			return Payload{}, fmt.Errorf("parse api_key payload: %w", err)
		}
		return Payload{APIKey: &p}, nil
	default:
		return Payload{}, fmt.Errorf("unknown service_type: %s", serviceType)
	}
}

// encrypt produces IV‖ciphertext‖tag with a fresh 16-byte IV sampled
// from crypto/rand for every call, using AES-256-GCM with no
// associated data.
func encrypt(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// sealed is ciphertext‖tag (GCM appends the tag); we want
	// IV‖ciphertext‖tag.
	out := make([]byte, 0, len(iv)+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed...)
	return out, nil
}

func decrypt(key [32]byte, blob []byte) ([]byte, error) {
	if len(blob) < ivSize+tagSize {
		return nil, errors.New("ciphertext too short")
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	iv := blob[:ivSize]
	sealed := blob[ivSize:]
	return gcm.Open(nil, iv, sealed, nil)
}
