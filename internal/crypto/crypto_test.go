package crypto

import (
	"strings"
	"testing"

	"github.com/rakunlabs/taskcron/internal/task"
)

func testKey() []byte {
	key, _ := DeriveKey("test-encryption-key-for-unit-tests")
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey()
	original := "sk-ant-REDACTED"

	encrypted, err := Encrypt(original, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if !IsEncrypted(encrypted) {
		t.Fatalf("expected encrypted value to start with %q prefix, got %q", "enc:", encrypted)
	}

	if encrypted == original {
		t.Fatal("encrypted value should differ from plaintext")
	}

	decrypted, err := Decrypt(encrypted, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if decrypted != original {
		t.Fatalf("round-trip failed: got %q, want %q", decrypted, original)
	}
}

func TestEncryptEmptyString(t *testing.T) {
	key := testKey()

	encrypted, err := Encrypt("", key)
	if err != nil {
		t.Fatalf("Encrypt empty: %v", err)
	}

	if encrypted != "" {
		t.Fatalf("encrypting empty string should return empty, got %q", encrypted)
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	key := testKey()

	// A value without the "enc:" prefix should be returned as-is.
	plain := "sk-plain-api-key"
	result, err := Decrypt(plain, key)
	if err != nil {
		t.Fatalf("Decrypt plaintext: %v", err)
	}

	if result != plain {
		t.Fatalf("plaintext passthrough failed: got %q, want %q", result, plain)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key1 := testKey()
	key2, _ := DeriveKey("different-key-entirely")

	encrypted, err := Encrypt("secret", key1)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = Decrypt(encrypted, key2)
	if err == nil {
		t.Fatal("expected error when decrypting with wrong key")
	}
}

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"enc:abc123", true},
		{"enc:", true},
		{"ENC:abc", false},
		{"plaintext", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsEncrypted(tt.value); got != tt.want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestDeriveKey(t *testing.T) {
	key, err := DeriveKey("short")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}

	// Long passphrase should still produce a 32-byte key.
	longKey, err := DeriveKey(strings.Repeat("a", 100))
	if err != nil {
		t.Fatalf("DeriveKey long: %v", err)
	}
	if len(longKey) != 32 {
		t.Fatalf("long key length = %d, want 32", len(longKey))
	}

	// Different passphrases should produce different keys.
	key2, _ := DeriveKey("different")
	if string(key) == string(key2) {
		t.Fatal("different passphrases should produce different keys")
	}

	// Empty passphrase should error.
	_, err = DeriveKey("")
	if err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

func TestEncryptUniqueNonces(t *testing.T) {
	key := testKey()
	plain := "same-plaintext"

	enc1, _ := Encrypt(plain, key)
	enc2, _ := Encrypt(plain, key)

	if enc1 == enc2 {
		t.Fatal("two encryptions of the same plaintext should produce different ciphertext (unique nonces)")
	}

	// Both should decrypt to the same value.
	dec1, _ := Decrypt(enc1, key)
	dec2, _ := Decrypt(enc2, key)

	if dec1 != plain || dec2 != plain {
		t.Fatalf("both should decrypt to %q, got %q and %q", plain, dec1, dec2)
	}
}

// ─── TaskConfig helpers ───

func TestEncryptDecryptTaskConfig(t *testing.T) {
	key := testKey()

	original := task.Config{
		Agent: &task.AgentConfig{
			Model:  "claude-sonnet",
			APIKey: "sk-ant-secret-key",
			Prompt: "summarize the diff",
		},
		Email: &task.EmailConfig{
			SMTPHost: "smtp.example.com",
			Password: "super-secret-password",
			From:     "bot@example.com",
			To:       []string{"oncall@example.com"},
			Subject:  "{{task.name}} failed",
		},
	}

	encrypted, err := EncryptTaskConfig(original, key)
	if err != nil {
		t.Fatalf("EncryptTaskConfig: %v", err)
	}

	if !IsEncrypted(encrypted.Agent.APIKey) {
		t.Fatalf("agent api_key should be encrypted, got %q", encrypted.Agent.APIKey)
	}
	if !IsEncrypted(encrypted.Email.Password) {
		t.Fatalf("email password should be encrypted, got %q", encrypted.Email.Password)
	}

	// Non-sensitive fields should be unchanged.
	if encrypted.Agent.Model != original.Agent.Model {
		t.Fatalf("model changed: got %q, want %q", encrypted.Agent.Model, original.Agent.Model)
	}
	if encrypted.Email.From != original.Email.From {
		t.Fatalf("from changed: got %q, want %q", encrypted.Email.From, original.Email.From)
	}

	// Round-trip: decrypt back.
	decrypted, err := DecryptTaskConfig(encrypted, key)
	if err != nil {
		t.Fatalf("DecryptTaskConfig: %v", err)
	}

	if decrypted.Agent.APIKey != original.Agent.APIKey {
		t.Fatalf("agent api_key round-trip: got %q, want %q", decrypted.Agent.APIKey, original.Agent.APIKey)
	}
	if decrypted.Email.Password != original.Email.Password {
		t.Fatalf("email password round-trip: got %q, want %q", decrypted.Email.Password, original.Email.Password)
	}
}

func TestEncryptDecryptTaskConfigNilKey(t *testing.T) {
	original := task.Config{
		Agent: &task.AgentConfig{APIKey: "sk-plaintext"},
	}

	// With nil key, should be a no-op.
	result, err := EncryptTaskConfig(original, nil)
	if err != nil {
		t.Fatalf("EncryptTaskConfig nil key: %v", err)
	}
	if result.Agent.APIKey != original.Agent.APIKey {
		t.Fatalf("nil key should not change api_key: got %q", result.Agent.APIKey)
	}

	result, err = DecryptTaskConfig(original, nil)
	if err != nil {
		t.Fatalf("DecryptTaskConfig nil key: %v", err)
	}
	if result.Agent.APIKey != original.Agent.APIKey {
		t.Fatalf("nil key should not change api_key: got %q", result.Agent.APIKey)
	}
}

func TestEncryptTaskConfigShellUnaffected(t *testing.T) {
	key := testKey()
	original := task.Config{Shell: &task.ShellConfig{Command: "echo hi"}}

	result, err := EncryptTaskConfig(original, key)
	if err != nil {
		t.Fatalf("EncryptTaskConfig: %v", err)
	}
	if result.Shell.Command != original.Shell.Command {
		t.Fatalf("shell config should be untouched: got %q", result.Shell.Command)
	}
}
