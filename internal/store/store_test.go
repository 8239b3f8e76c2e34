package store

import (
	"encoding/json"
	"strings"
	"testing"
)

func testKey(t *testing.T, seed byte) [32]byte {
	t.Helper()
	var k [32]byte
	for i := range k {
		k[i] = seed
	}
	return k
}

func webLoginInput(site, email, password, url string) AddInput {
	return AddInput{
		SiteID:      site,
		ServiceType: ServiceWebLogin,
		Payload:     Payload{WebLogin: &WebLoginPayload{Email: email, Password: password}},
		LoginURL:    url,
		Selectors:   &Selectors{EmailSelector: "#email", PasswordSelector: "#password", SubmitSelector: "#submit"},
	}
}

func apiKeyInput(site, key string) AddInput {
	return AddInput{
		SiteID:      site,
		ServiceType: ServiceAPIKey,
		Payload:     Payload{APIKey: &APIKeyPayload{APIKey: key, Headers: map[string]string{"Authorization": "Bearer " + key}}},
	}
}

func TestAddGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testKey(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Add(webLoginInput("test-site", "user@test.com", "P@ssw0rd!", "https://test.com/login")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	list := s.List()
	if len(list) != 1 || list[0].SiteID != "test-site" {
		t.Fatalf("expected one entry test-site, got %+v", list)
	}

	meta, payload, err := s.Get("test-site")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if meta.ServiceType != ServiceWebLogin {
		t.Fatalf("expected web_login, got %s", meta.ServiceType)
	}
	if payload.WebLogin.Email != "user@test.com" || payload.WebLogin.Password != "P@ssw0rd!" {
		t.Fatalf("round trip mismatch: %+v", payload.WebLogin)
	}
}

func TestAddRejectsDuplicateSiteID(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testKey(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Add(apiKeyInput("stripe", "sk-1")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(apiKeyInput("stripe", "sk-2")); err != ErrDuplicateSiteID {
		t.Fatalf("expected ErrDuplicateSiteID, got %v", err)
	}
}

func TestRemoveThenGetIsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testKey(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Add(apiKeyInput("persist-test", "key123")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := s.Remove("persist-test")
	if err != nil || !ok {
		t.Fatalf("Remove: ok=%v err=%v", ok, err)
	}
	if _, _, err := s.Get("persist-test"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected empty list after remove")
	}
}

func TestToggleActiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testKey(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Add(apiKeyInput("jira", "k")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ok, err := s.ToggleActive("jira", false); err != nil || !ok {
		t.Fatalf("toggle off: ok=%v err=%v", ok, err)
	}
	meta, _, err := s.Get("jira")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if meta.Active {
		t.Fatalf("expected inactive")
	}

	if ok, err := s.ToggleActive("jira", true); err != nil || !ok {
		t.Fatalf("toggle on: ok=%v err=%v", ok, err)
	}
	meta2, _, err := s.Get("jira")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !meta2.Active {
		t.Fatalf("expected active again")
	}
	if meta2.CreatedAt != meta.CreatedAt {
		t.Fatalf("created_at must not change")
	}
}

func TestIndependenceAcrossCredentials(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testKey(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Add(webLoginInput("github", "a@test.com", "pw1", "https://github.com/login")); err != nil {
		t.Fatalf("Add github: %v", err)
	}
	if _, err := s.Add(apiKeyInput("stripe", "sk-live-123")); err != nil {
		t.Fatalf("Add stripe: %v", err)
	}
	if _, err := s.Add(webLoginInput("jira", "b@test.com", "pw2", "https://jira.com/login")); err != nil {
		t.Fatalf("Add jira: %v", err)
	}
	if len(s.List()) != 3 {
		t.Fatalf("expected 3 entries")
	}
	if ok, err := s.Remove("stripe"); err != nil || !ok {
		t.Fatalf("Remove stripe: ok=%v err=%v", ok, err)
	}
	list := s.List()
	if len(list) != 2 || list[0].SiteID != "github" || list[1].SiteID != "jira" {
		t.Fatalf("expected [github jira] in order, got %+v", list)
	}
	_, githubPayload, err := s.Get("github")
	if err != nil {
		t.Fatalf("Get github: %v", err)
	}
	if githubPayload.WebLogin.Password != "pw1" {
		t.Fatalf("github password mismatch")
	}
	_, jiraPayload, err := s.Get("jira")
	if err != nil {
		t.Fatalf("Get jira: %v", err)
	}
	if jiraPayload.WebLogin.Password != "pw2" {
		t.Fatalf("jira password mismatch")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	key := testKey(t, 7)
	s1, err := Open(dir, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s1.Add(apiKeyInput("persist-test", "key123")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2, err := Open(dir, key)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	_, payload, err := s2.Get("persist-test")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if payload.APIKey.APIKey != "key123" {
		t.Fatalf("expected key123, got %s", payload.APIKey.APIKey)
	}
}

func TestWrongKeyRejection(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir, testKey(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s1.Add(apiKeyInput("site", "secret-key")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2, err := Open(dir, testKey(t, 2))
	if err != nil {
		t.Fatalf("Open (wrong key): %v", err)
	}
	if _, _, err := s2.Get("site"); err == nil {
		t.Fatalf("expected decrypt failure under the wrong key")
	}
}

func TestIVUniquenessAcrossIdenticalPlaintext(t *testing.T) {
	key := testKey(t, 3)
	c1, err := encrypt(key, []byte("identical-plaintext"))
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	c2, err := encrypt(key, []byte("identical-plaintext"))
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}
	if string(c1) == string(c2) {
		t.Fatalf("expected distinct ciphertext blobs for repeated encrypt calls")
	}
	if string(c1[:ivSize]) == string(c2[:ivSize]) {
		t.Fatalf("expected distinct IVs")
	}
}

func TestNoSecretInSerializedMetadata(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testKey(t, 1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Add(webLoginInput("test-web", "secret-user@company.com", "SuperSecretP@ss!2026", "https://test-web.com/login")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	raw, err := json.Marshal(s.List())
	if err != nil {
		t.Fatalf("marshal list: %v", err)
	}
	data := string(raw)
	if strings.Contains(data, "SuperSecretP@ss!2026") || strings.Contains(data, "secret-user@company.com") {
		t.Fatalf("metadata projection leaked a secret: %s", data)
	}
}
