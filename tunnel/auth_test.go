package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	ncerr "sockrepl/internal/errors"
)

func TestAuthOrder(t *testing.T) {
	tests := []struct {
		name         string
		cfg          SSHConfig
		want         string
		wantExplicit bool
	}{
		{"explicit order wins", SSHConfig{AuthOrder: []string{"password", "key"}, UseAgent: true}, "password,key", true},
		{"from flags", SSHConfig{KeyPath: "k", UseAgent: true, PromptPass: true}, "key,agent,password", true},
		{"agent only", SSHConfig{UseAgent: true}, "agent", true},
		{"probe", SSHConfig{}, "agent,key", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, explicit := authOrder(&tt.cfg)
			if got := strings.Join(order, ","); got != tt.want {
				t.Errorf("order = %q, want %q", got, tt.want)
			}
			if explicit != tt.wantExplicit {
				t.Errorf("explicit = %v, want %v", explicit, tt.wantExplicit)
			}
		})
	}
}

func TestBuildAuth_ExplicitKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath)

	chain, err := buildAuth(&SSHConfig{KeyPath: keyPath, PromptPass: true})
	if err != nil {
		t.Fatalf("buildAuth: %v", err)
	}
	defer chain.Close()
	if got := strings.Join(chain.names, ","); got != "key,password" {
		t.Errorf("names = %q", got)
	}
	if len(chain.methods) != 2 {
		t.Errorf("got %d methods, want 2", len(chain.methods))
	}
}

func TestBuildAuth_EncryptedKeyUsesSecret(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_locked")
	writeEncryptedKey(t, keyPath, "s3cret")

	var prompts []string
	chain, err := buildAuth(&SSHConfig{
		KeyPath: keyPath,
		Secret: func(prompt string) ([]byte, error) {
			prompts = append(prompts, prompt)
			return []byte("s3cret"), nil
		},
	})
	if err != nil {
		t.Fatalf("buildAuth: %v", err)
	}
	chain.Close()
	if len(prompts) != 1 || !strings.Contains(prompts[0], keyPath) {
		t.Errorf("prompts = %q", prompts)
	}
}

func TestBuildAuth_Errors(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir()) // no default keys

	garbage := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  *SSHConfig
	}{
		{"missing key", &SSHConfig{KeyPath: "/nonexistent/key"}},
		{"unparsable key", &SSHConfig{KeyPath: garbage}},
		{"agent without socket", &SSHConfig{UseAgent: true}},
		{"explicit key without files", &SSHConfig{AuthOrder: []string{AuthKey}}},
		{"unknown method", &SSHConfig{AuthOrder: []string{"kerberos"}}},
		{"nothing to probe", &SSHConfig{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Host, tt.cfg.Port = "jump", 22
			_, err := buildAuth(tt.cfg)
			var se *ncerr.SSHError
			if !ncerr.As(err, &se) {
				t.Fatalf("err = %v, want *SSHError", err)
			}
			if se.Op != "auth" || se.Host != "jump" {
				t.Errorf("Op=%q Host=%q", se.Op, se.Host)
			}
		})
	}
}

func TestBuildAuth_ProbesDefaultKeys(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.Mkdir(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	writeTestKey(t, filepath.Join(home, ".ssh", "id_ed25519"))
	writeEncryptedKey(t, filepath.Join(home, ".ssh", "id_rsa"), "locked")

	chain, err := buildAuth(&SSHConfig{
		Secret: func(string) ([]byte, error) {
			t.Error("default keys must not prompt")
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("buildAuth: %v", err)
	}
	if got := strings.Join(chain.names, ","); got != "key" {
		t.Errorf("names = %q, want key (agent unavailable)", got)
	}
}

func TestHostKeyCallback(t *testing.T) {
	t.Run("insecure", func(t *testing.T) {
		cb, err := hostKeyCallback(&SSHConfig{StrictHostKey: false})
		if err != nil || cb == nil {
			t.Fatalf("cb=%v err=%v", cb, err)
		}
	})
	t.Run("strict with known_hosts", func(t *testing.T) {
		kh := filepath.Join(t.TempDir(), "known_hosts")
		if err := os.WriteFile(kh, nil, 0o600); err != nil {
			t.Fatal(err)
		}
		cb, err := hostKeyCallback(&SSHConfig{StrictHostKey: true, KnownHosts: kh})
		if err != nil || cb == nil {
			t.Fatalf("cb=%v err=%v", cb, err)
		}
	})
	t.Run("strict missing file", func(t *testing.T) {
		_, err := hostKeyCallback(&SSHConfig{
			StrictHostKey: true,
			KnownHosts:    filepath.Join(t.TempDir(), "absent"),
		})
		var se *ncerr.SSHError
		if !ncerr.As(err, &se) || se.Op != "hostkey" {
			t.Fatalf("err = %v, want hostkey SSHError", err)
		}
	})
}

// ── helpers ──────────────────────────────────────────────────────────

// writeTestKey generates an unencrypted ed25519 key in OpenSSH format
// and returns its public half.
func writeTestKey(t *testing.T, path string) ssh.PublicKey {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "sockrepl-test")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return sshPub
}

func writeEncryptedKey(t *testing.T, path, passphrase string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "sockrepl-test", []byte(passphrase))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
}
