// Package keystore manages a node's signing keys. A keystore file holds one
// BIP-39 seed sealed with Argon2id + XChaCha20-Poly1305; the authoring and
// finality keys are derived from it along role-scoped BIP-32 paths, so a
// single mnemonic backs up both.
package keystore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tyler-smith/go-bip32"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Role names a key's duty on the node.
type Role string

const (
	// RoleAuthoring signs block headers in owned slots. Its address
	// collects transaction fees.
	RoleAuthoring Role = "authoring"

	// RoleFinality signs finality votes.
	RoleFinality Role = "finality"
)

// Roles lists every role a keystore derives.
func Roles() []Role {
	return []Role{RoleAuthoring, RoleFinality}
}

// ErrUnknownRole is returned for a role the keystore does not derive.
var ErrUnknownRole = errors.New("unknown key role")

// roleAccount maps a role to its hardened BIP-44 account index.
func roleAccount(role Role) (uint32, error) {
	switch role {
	case RoleAuthoring:
		return 0, nil
	case RoleFinality:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
}

// deriveRoleKey derives m/44'/4400'/account'/0/0 for the role.
func deriveRoleKey(master *HDKey, role Role) (*crypto.PrivateKey, error) {
	account, err := roleAccount(role)
	if err != nil {
		return nil, err
	}
	child, err := master.DerivePath(PurposeBIP44, CoinTypeAllfeat, bip32.FirstHardenedChild+account, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("derive %s key: %w", role, err)
	}
	return child.Signer()
}

// storeFile is the on-disk JSON format for a sealed keystore.
type storeFile struct {
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	EncryptedSeed []byte          `json:"encrypted_seed"`
	PublicKeys    map[Role]string `json:"public_keys"` // role -> hex compressed pubkey
}

// Keystore holds the decrypted role keys of a running node.
type Keystore struct {
	keys map[Role]*crypto.PrivateKey
}

// Create seals a new keystore file at path from a BIP-39 mnemonic. The
// public key of every role is stored alongside the sealed seed so it can be
// read back without the passphrase.
func Create(path, mnemonic string, passphrase []byte, params EncryptionParams) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("keystore %s already exists", path)
	}

	seed, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		return err
	}
	defer zero(seed)

	master, err := NewMasterKey(seed)
	if err != nil {
		return err
	}

	pubs := make(map[Role]string, len(Roles()))
	for _, role := range Roles() {
		key, err := deriveRoleKey(master, role)
		if err != nil {
			return err
		}
		pubs[role] = hex.EncodeToString(key.PublicKey())
		key.Zero()
	}

	encrypted, err := Encrypt(seed, passphrase, params)
	if err != nil {
		return fmt.Errorf("encrypt seed: %w", err)
	}

	sf := storeFile{
		Version:       1,
		CreatedAt:     time.Now().UTC(),
		EncryptedSeed: encrypted,
		PublicKeys:    pubs,
	}
	data, err := json.MarshalIndent(&sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keystore: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create keystore dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return nil
}

// Open decrypts the keystore at path and derives its role keys. Derived
// public keys must match the ones stored at creation, which catches a file
// restored from the wrong backup.
func Open(path string, passphrase []byte) (*Keystore, error) {
	sf, err := readStoreFile(path)
	if err != nil {
		return nil, err
	}

	seed, err := Decrypt(sf.EncryptedSeed, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	defer zero(seed)

	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	ks := &Keystore{keys: make(map[Role]*crypto.PrivateKey, len(Roles()))}
	for _, role := range Roles() {
		key, err := deriveRoleKey(master, role)
		if err != nil {
			ks.Close()
			return nil, err
		}
		if want := sf.PublicKeys[role]; want != "" && want != hex.EncodeToString(key.PublicKey()) {
			key.Zero()
			ks.Close()
			return nil, fmt.Errorf("derived %s key does not match keystore file", role)
		}
		ks.keys[role] = key
	}
	return ks, nil
}

// Sign produces a Schnorr signature over a 32-byte digest with the role's key.
func (ks *Keystore) Sign(role Role, digest []byte) ([]byte, error) {
	key, err := ks.Key(role)
	if err != nil {
		return nil, err
	}
	return key.Sign(digest)
}

// PublicKey returns the role's compressed 33-byte public key.
func (ks *Keystore) PublicKey(role Role) ([]byte, error) {
	key, err := ks.Key(role)
	if err != nil {
		return nil, err
	}
	return key.PublicKey(), nil
}

// Key returns the role's private key for wiring into consensus engines.
func (ks *Keystore) Key(role Role) (*crypto.PrivateKey, error) {
	key, ok := ks.keys[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return key, nil
}

// Close zeroes the decrypted keys. The keystore is unusable afterwards.
func (ks *Keystore) Close() {
	for role, key := range ks.keys {
		key.Zero()
		delete(ks.keys, role)
	}
}

// Info describes a keystore file without decrypting it.
type Info struct {
	Version    int
	CreatedAt  time.Time
	PublicKeys map[Role]string
	Addresses  map[Role]types.Address
}

// Inspect reads the public half of a keystore file. No passphrase needed.
func Inspect(path string) (*Info, error) {
	sf, err := readStoreFile(path)
	if err != nil {
		return nil, err
	}

	info := &Info{
		Version:    sf.Version,
		CreatedAt:  sf.CreatedAt,
		PublicKeys: sf.PublicKeys,
		Addresses:  make(map[Role]types.Address, len(sf.PublicKeys)),
	}
	for role, pubHex := range sf.PublicKeys {
		pub, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("parse %s public key: %w", role, err)
		}
		info.Addresses[role] = crypto.AddressFromPubKey(pub)
	}
	return info, nil
}

// DefaultName is the keystore name used when the config names none.
const DefaultName = "node"

// fileExt is the filename extension for keystore files.
const fileExt = ".json"

// PathFor returns the file path for a named keystore in dir. An empty name
// falls back to DefaultName.
func PathFor(dir, name string) string {
	if name == "" {
		name = DefaultName
	}
	return filepath.Join(dir, name+fileExt)
}

// List returns the names of the keystore files in dir. A missing dir lists
// as empty.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == fileExt {
			names = append(names, name[:len(name)-len(fileExt)])
		}
	}
	return names, nil
}

func readStoreFile(path string) (*storeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}
	if sf.Version != 1 {
		return nil, fmt.Errorf("unsupported keystore version: %d", sf.Version)
	}
	return &sf, nil
}
