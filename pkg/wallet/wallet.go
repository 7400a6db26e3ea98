package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
)

// DefaultDerivationPath 标准以太坊账户派生路径
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

// Wallet 签名账户（私钥 + 地址）
type Wallet struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
}

// FromPrivateKey 从十六进制私钥加载账户
func FromPrivateKey(hexKey string) (*Wallet, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is required")
	}

	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Wallet{
		PrivateKey: pk,
		Address:    crypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// FromMnemonic 从助记词按派生路径加载账户
func FromMnemonic(mnemonic, derivationPath string) (*Wallet, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	derivationPath = strings.TrimSpace(derivationPath)
	if mnemonic == "" {
		return nil, fmt.Errorf("mnemonic is required")
	}
	if derivationPath == "" {
		derivationPath = DefaultDerivationPath
	}

	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return nil, fmt.Errorf("invalid derivation path: %w", err)
	}

	acct, err := w.Derive(path, false)
	if err != nil {
		return nil, fmt.Errorf("derive failed: %w", err)
	}

	pkHex, err := w.PrivateKeyHex(acct)
	if err != nil {
		return nil, fmt.Errorf("private key failed: %w", err)
	}

	return FromPrivateKey(pkHex)
}

// Load 按配置加载账户：私钥优先，否则走助记词
func Load(privateKey, mnemonic, derivationPath string) (*Wallet, error) {
	if strings.TrimSpace(privateKey) != "" {
		return FromPrivateKey(privateKey)
	}
	if strings.TrimSpace(mnemonic) != "" {
		return FromMnemonic(mnemonic, derivationPath)
	}
	return nil, fmt.Errorf("either private key or mnemonic is required")
}
