package adapter

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/ocean-validator/worker/internal/types"
)

// Ethereum is the production adapter: an account backed by a go-ethereum
// keystore file, signing keccak256(stateRoot) with the personal_sign
// prefix so signatures remain recoverable with standard ethereum tooling.
type Ethereum struct {
	ks       *keystore.KeyStore
	account  accounts.Account
	password string
	log      *zap.Logger

	mu       sync.Mutex
	unlocked bool
}

// EthereumConfig names the on-disk keystore file and the password used to
// decrypt it. Password is read from the KEYSTORE_PWD environment variable
// by NewEthereumFromEnv, never logged or embedded in config files.
type EthereumConfig struct {
	KeystoreDir  string
	KeystoreFile string
	Password     string
}

// NewEthereum imports (or loads, if already present) the account found in
// cfg.KeystoreFile into a keystore rooted at cfg.KeystoreDir.
func NewEthereum(cfg EthereumConfig, log *zap.Logger) (*Ethereum, error) {
	if log == nil {
		log = zap.NewNop()
	}

	ks := keystore.NewKeyStore(cfg.KeystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)

	raw, err := os.ReadFile(cfg.KeystoreFile)
	if err != nil {
		return nil, NewError(KindAuthentication, fmt.Errorf("read keystore file: %w", err))
	}

	account, err := importOrFind(ks, raw, cfg.Password)
	if err != nil {
		return nil, NewError(KindAuthentication, err)
	}

	return &Ethereum{ks: ks, account: account, password: cfg.Password, log: log}, nil
}

// NewEthereumFromEnv is NewEthereum with the password taken from the
// KEYSTORE_PWD environment variable, matching spec.md §6's CLI contract.
func NewEthereumFromEnv(keystoreDir, keystoreFile string, log *zap.Logger) (*Ethereum, error) {
	return NewEthereum(EthereumConfig{
		KeystoreDir:  keystoreDir,
		KeystoreFile: keystoreFile,
		Password:     os.Getenv("KEYSTORE_PWD"),
	}, log)
}

func importOrFind(ks *keystore.KeyStore, raw []byte, password string) (accounts.Account, error) {
	account, err := ks.Import(raw, password, password)
	if err == nil {
		return account, nil
	}
	if !strings.Contains(err.Error(), "already exists") {
		return accounts.Account{}, fmt.Errorf("import keystore: %w", err)
	}
	for _, acc := range ks.Accounts() {
		return acc, nil
	}
	return accounts.Account{}, fmt.Errorf("keystore account already imported but not found")
}

var _ Adapter = (*Ethereum)(nil)

func (e *Ethereum) WhoAmI() string {
	return strings.ToLower(e.account.Address.Hex())
}

func (e *Ethereum) Unlock(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unlocked {
		return nil
	}
	if err := e.ks.Unlock(e.account, e.password); err != nil {
		return NewError(KindLockedWallet, err)
	}
	e.unlocked = true
	e.log.Info("ethereum adapter unlocked", zap.String("identity", e.WhoAmI()))
	return nil
}

// Sign signs the personal_sign ("Ethereum Signed Message") digest of the
// state root string's raw bytes with the account's private key; the root
// is not hex-decoded first.
func (e *Ethereum) Sign(ctx context.Context, stateRoot string) (string, error) {
	if err := e.Unlock(ctx); err != nil {
		return "", err
	}

	digest := personalSignDigest(stateRoot)
	sig, err := e.ks.SignHash(e.account, digest)
	if err != nil {
		return "", NewError(KindSignature, err)
	}
	// SignHash's recovery id is 0/1; personal-sign wire format expects 27/28.
	if len(sig) == 65 && sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func (e *Ethereum) Verify(ctx context.Context, signer, stateRoot, signature string) (bool, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return false, NewError(KindSignature, fmt.Errorf("malformed signature %q", signature))
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	digest := personalSignDigest(stateRoot)
	pub, err := crypto.SigToPub(digest, sigCopy)
	if err != nil {
		return false, NewError(KindSignature, err)
	}

	recovered := strings.ToLower(crypto.PubkeyToAddress(*pub).Hex())
	return recovered == strings.ToLower(signer), nil
}

// ValidateChannel requires both validators to carry syntactically valid
// ethereum addresses; the adapter has no chain client to check deployment
// against, so deeper on-chain validation is left to the sentry/contract.
func (e *Ethereum) ValidateChannel(ctx context.Context, channel types.Channel) (bool, error) {
	for _, v := range channel.Spec.Validators {
		raw := strings.TrimPrefix(v.ID, "0x")
		if len(raw) != 40 {
			return false, NewError(KindInvalidChannel, fmt.Errorf("validator id %q is not a 20-byte address", v.ID))
		}
		if _, err := hex.DecodeString(raw); err != nil {
			return false, NewError(KindInvalidChannel, fmt.Errorf("validator id %q is not hex: %w", v.ID, err))
		}
	}
	return true, nil
}

func (e *Ethereum) SessionFromToken(ctx context.Context, token string) (Session, error) {
	return Session{}, ErrNotImplemented
}

// GetAuth signs a challenge derived from validatorID (the validator whose
// sentry will receive the token) so that sentry can recover the caller's
// address from the Authorization header, mirroring
// the original adapter's "identity: signature" bearer scheme.
func (e *Ethereum) GetAuth(ctx context.Context, validatorID string) (string, error) {
	sig, err := e.Sign(ctx, crypto.Keccak256Hash([]byte(validatorID)).Hex())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", e.WhoAmI(), sig), nil
}

func personalSignDigest(stateRoot string) []byte {
	msg := []byte(stateRoot)
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}
