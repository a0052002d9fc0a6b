package keystore

import (
	"bytes"
	"errors"
	"path/filepath"
	"syscall"
	"testing"

	"golang.org/x/term"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// testStore creates a keystore file in a temp dir and returns its path.
func testStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := Create(path, testMnemonic, []byte("pass"), fastParams()); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return path
}

func TestCreateAndOpen(t *testing.T) {
	path := testStore(t)

	ks, err := Open(path, []byte("pass"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ks.Close()

	for _, role := range Roles() {
		pub, err := ks.PublicKey(role)
		if err != nil {
			t.Fatalf("PublicKey(%s) error: %v", role, err)
		}
		if len(pub) != 33 {
			t.Errorf("PublicKey(%s) length = %d, want 33", role, len(pub))
		}
	}
}

func TestOpen_WrongPassphrase(t *testing.T) {
	path := testStore(t)

	if _, err := Open(path, []byte("wrong")); err == nil {
		t.Error("Open() with wrong passphrase should fail")
	}
}

func TestOpen_Nonexistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	if _, err := Open(path, []byte("pass")); err == nil {
		t.Error("Open() of missing file should fail")
	}
}

func TestCreate_Duplicate(t *testing.T) {
	path := testStore(t)

	if err := Create(path, testMnemonic, []byte("pass"), fastParams()); err == nil {
		t.Error("second Create() at the same path should fail")
	}
}

func TestCreate_InvalidMnemonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := Create(path, "not a mnemonic", []byte("pass"), fastParams()); err == nil {
		t.Error("Create() with invalid mnemonic should fail")
	}
}

func TestSign_Verifies(t *testing.T) {
	path := testStore(t)
	ks, err := Open(path, []byte("pass"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ks.Close()

	digest := crypto.Hash([]byte("payload"))

	for _, role := range Roles() {
		sig, err := ks.Sign(role, digest[:])
		if err != nil {
			t.Fatalf("Sign(%s) error: %v", role, err)
		}
		pub, err := ks.PublicKey(role)
		if err != nil {
			t.Fatalf("PublicKey(%s) error: %v", role, err)
		}
		if !crypto.VerifySignature(digest[:], sig, pub) {
			t.Errorf("signature for role %s does not verify", role)
		}
	}
}

func TestRoleKeys_Distinct(t *testing.T) {
	path := testStore(t)
	ks, err := Open(path, []byte("pass"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ks.Close()

	authoring, err := ks.PublicKey(RoleAuthoring)
	if err != nil {
		t.Fatalf("PublicKey(authoring) error: %v", err)
	}
	finality, err := ks.PublicKey(RoleFinality)
	if err != nil {
		t.Fatalf("PublicKey(finality) error: %v", err)
	}

	if bytes.Equal(authoring, finality) {
		t.Error("authoring and finality keys should differ")
	}
}

func TestOpen_Deterministic(t *testing.T) {
	// Two keystores created from the same mnemonic derive the same keys.
	pathA := filepath.Join(t.TempDir(), "a.json")
	pathB := filepath.Join(t.TempDir(), "b.json")
	if err := Create(pathA, testMnemonic, []byte("pa"), fastParams()); err != nil {
		t.Fatalf("Create(a) error: %v", err)
	}
	if err := Create(pathB, testMnemonic, []byte("pb"), fastParams()); err != nil {
		t.Fatalf("Create(b) error: %v", err)
	}

	ksA, err := Open(pathA, []byte("pa"))
	if err != nil {
		t.Fatalf("Open(a) error: %v", err)
	}
	defer ksA.Close()
	ksB, err := Open(pathB, []byte("pb"))
	if err != nil {
		t.Fatalf("Open(b) error: %v", err)
	}
	defer ksB.Close()

	for _, role := range Roles() {
		pubA, _ := ksA.PublicKey(role)
		pubB, _ := ksB.PublicKey(role)
		if !bytes.Equal(pubA, pubB) {
			t.Errorf("role %s: keys differ across keystores from the same mnemonic", role)
		}
	}
}

func TestKeystore_UnknownRole(t *testing.T) {
	path := testStore(t)
	ks, err := Open(path, []byte("pass"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ks.Close()

	_, err = ks.Sign(Role("bogus"), make([]byte, 32))
	if !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Sign(bogus) error = %v, want ErrUnknownRole", err)
	}
}

func TestKeystore_Close(t *testing.T) {
	path := testStore(t)
	ks, err := Open(path, []byte("pass"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	ks.Close()

	if _, err := ks.Sign(RoleAuthoring, make([]byte, 32)); err == nil {
		t.Error("Sign() after Close() should fail")
	}
}

func TestInspect(t *testing.T) {
	path := testStore(t)

	info, err := Inspect(path)
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if info.Version != 1 {
		t.Errorf("Version = %d, want 1", info.Version)
	}
	if len(info.PublicKeys) != len(Roles()) {
		t.Errorf("PublicKeys has %d entries, want %d", len(info.PublicKeys), len(Roles()))
	}

	// Inspect never decrypts; its keys must match what Open derives.
	ks, err := Open(path, []byte("pass"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer ks.Close()

	for _, role := range Roles() {
		pub, _ := ks.PublicKey(role)
		addr := crypto.AddressFromPubKey(pub)
		if info.Addresses[role] != addr {
			t.Errorf("role %s: Inspect address = %s, derived = %s", role, info.Addresses[role], addr)
		}
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()

	names, err := List(dir)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("empty dir should list 0 keystores, got %d", len(names))
	}

	if err := Create(PathFor(dir, "node"), testMnemonic, []byte("p"), fastParams()); err != nil {
		t.Fatalf("Create(node) error: %v", err)
	}
	if err := Create(PathFor(dir, "backup"), testMnemonic, []byte("p"), fastParams()); err != nil {
		t.Fatalf("Create(backup) error: %v", err)
	}

	names, err = List(dir)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("List() = %v, want 2 entries", names)
	}
}

func TestList_MissingDir(t *testing.T) {
	names, err := List(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("List() of missing dir error: %v", err)
	}
	if names != nil {
		t.Errorf("List() of missing dir = %v, want nil", names)
	}
}

func TestPathFor_DefaultName(t *testing.T) {
	got := PathFor("/data/keystore", "")
	want := filepath.Join("/data/keystore", DefaultName+".json")
	if got != want {
		t.Errorf("PathFor() = %q, want %q", got, want)
	}
}

func TestResolvePassphrase_Explicit(t *testing.T) {
	got, err := ResolvePassphrase("from-flag", "ALLFEAT_TEST_PASSPHRASE_UNSET")
	if err != nil {
		t.Fatalf("ResolvePassphrase() error: %v", err)
	}
	if string(got) != "from-flag" {
		t.Errorf("passphrase = %q, want %q", got, "from-flag")
	}
}

func TestResolvePassphrase_Env(t *testing.T) {
	t.Setenv("ALLFEAT_TEST_PASSPHRASE", "from-env")

	got, err := ResolvePassphrase("", "ALLFEAT_TEST_PASSPHRASE")
	if err != nil {
		t.Fatalf("ResolvePassphrase() error: %v", err)
	}
	if string(got) != "from-env" {
		t.Errorf("passphrase = %q, want %q", got, "from-env")
	}
}

func TestResolvePassphrase_NoSource(t *testing.T) {
	if term.IsTerminal(int(syscall.Stdin)) {
		t.Skip("stdin is a terminal; prompt path would block")
	}

	if _, err := ResolvePassphrase("", "ALLFEAT_TEST_PASSPHRASE_UNSET"); err == nil {
		t.Error("ResolvePassphrase() with no source should fail")
	}
}
