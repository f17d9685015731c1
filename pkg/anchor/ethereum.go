package anchor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// EthereumAnchorer commits a SCITT root as the data payload of a
// zero-value self-transfer ("memo transaction"), the cheapest way to
// write 32 bytes of tamper-evident data to an Ethereum-compatible chain.
type EthereumAnchorer struct {
	client     *ethclient.Client
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
}

// NewEthereumAnchorer dials rpcURL and prepares to sign memo transactions
// with privateKeyHex (self-transfers: from == to).
func NewEthereumAnchorer(rpcURL string, chainID int64, privateKeyHex string) (*EthereumAnchorer, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindNetwork, "dial ethereum rpc")
	}
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "parse ethereum private key")
	}
	if _, ok := privateKey.Public().(*ecdsa.PublicKey); !ok {
		return nil, apperrors.New(apperrors.KindCrypto, "derive ethereum public key")
	}

	return &EthereumAnchorer{
		client:     client,
		chainID:    big.NewInt(chainID),
		privateKey: privateKey,
	}, nil
}

// Name identifies this anchorer in scheduler logs.
func (a *EthereumAnchorer) Name() string { return "ethereum" }

// Anchor writes root as the data payload of a zero-value self-transfer and
// returns the transaction hash once it has been broadcast (not necessarily
// confirmed — confirmation is out of scope for a best-effort anchor).
func (a *EthereumAnchorer) Anchor(ctx context.Context, root [32]byte, treeSize uint64) (string, error) {
	pub, ok := a.privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return "", apperrors.New(apperrors.KindCrypto, "derive ethereum public key")
	}
	from := crypto.PubkeyToAddress(*pub)
	to := from

	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetwork, "get ethereum nonce")
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetwork, "suggest ethereum gas price")
	}

	payload := append([]byte(fmt.Sprintf("cpoe-scitt-root:%d:", treeSize)), root[:]...)
	tx := types.NewTransaction(nonce, to, big.NewInt(0), 30000, gasPrice, payload)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.privateKey)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindCrypto, "sign ethereum anchor tx")
	}
	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetwork, "send ethereum anchor tx")
	}

	return signedTx.Hash().Hex(), nil
}
