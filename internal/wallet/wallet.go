package wallet

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var ErrNoKeys = errors.New("no private keys found")

// Wallet is a private key plus its derived address.
type Wallet struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// Parse hex ECDSA private key (with / without 0x).
func FromHex(s string) (*Wallet, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if len(h) == 0 {
		return nil, errors.New("empty private key")
	}
	prv, err := gethcrypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Wallet{Address: gethcrypto.PubkeyToAddress(prv.PublicKey), key: prv}, nil
}

func (w *Wallet) PrivateKey() *ecdsa.PrivateKey { return w.key }

// SignMessage returns an EIP-191 personal_sign signature, v in {27, 28}.
func (w *Wallet) SignMessage(msg string) (string, error) {
	sig, err := gethcrypto.Sign(accounts.TextHash([]byte(msg)), w.key)
	if err != nil {
		return "", err
	}
	sig[gethcrypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced a personal_sign signature.
func RecoverSigner(msg, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	sig = bytes.Clone(sig)
	if sig[gethcrypto.RecoveryIDOffset] >= 27 {
		sig[gethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := gethcrypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, err
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}

// LoadKeys reads one private key per line. Blank lines and # comments are skipped.
func LoadKeys(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keys file: %w", err)
	}
	defer f.Close()

	var keys []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoKeys)
	}
	return keys, nil
}
