package adapter

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ocean-validator/worker/internal/types"
)

// dummySigPrefix mirrors the original dummy adapter's fixed signature
// format, which lets a test fixture verify a signature without any real
// cryptography: "<identity>:signed:<stateRoot>".
const dummySigPrefix = "signed"

// Dummy is the test/dev adapter: identities are plain strings and
// signatures are a fixed, easily-inspected format rather than real
// cryptographic signatures. Grounded on the teacher's in-memory identity
// keystore, simplified here to avoid any file I/O.
type Dummy struct {
	identity string
	unlocked bool
	log      *zap.Logger
}

// NewDummy constructs a Dummy adapter for the given identity string.
func NewDummy(identity string, log *zap.Logger) *Dummy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dummy{identity: identity, log: log}
}

var _ Adapter = (*Dummy)(nil)

func (d *Dummy) WhoAmI() string { return d.identity }

func (d *Dummy) Unlock(ctx context.Context) error {
	d.unlocked = true
	d.log.Debug("dummy adapter unlocked", zap.String("identity", d.identity))
	return nil
}

func (d *Dummy) Sign(ctx context.Context, stateRoot string) (string, error) {
	if !d.unlocked {
		return "", NewError(KindLockedWallet, fmt.Errorf("dummy adapter %s is locked", d.identity))
	}
	return fmt.Sprintf("%s:%s:%s", d.identity, dummySigPrefix, stateRoot), nil
}

func (d *Dummy) Verify(ctx context.Context, signer, stateRoot, signature string) (bool, error) {
	want := fmt.Sprintf("%s:%s:%s", signer, dummySigPrefix, stateRoot)
	return signature == want, nil
}

// ValidateChannel accepts any channel whose two validators both carry a
// non-empty identity; the dummy adapter has no on-chain state to consult.
func (d *Dummy) ValidateChannel(ctx context.Context, channel types.Channel) (bool, error) {
	for _, v := range channel.Spec.Validators {
		if strings.TrimSpace(v.ID) == "" {
			return false, NewError(KindInvalidChannel, fmt.Errorf("validator has empty identity"))
		}
	}
	return true, nil
}

func (d *Dummy) SessionFromToken(ctx context.Context, token string) (Session, error) {
	identity := strings.TrimPrefix(token, "Bearer ")
	if identity == "" {
		return Session{}, NewError(KindAuthentication, fmt.Errorf("empty token"))
	}
	return Session{Identity: identity}, nil
}

func (d *Dummy) GetAuth(ctx context.Context, validatorID string) (string, error) {
	return "Bearer " + d.identity, nil
}
