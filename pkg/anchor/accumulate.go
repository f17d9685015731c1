package anchor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"gitlab.com/accumulatenetwork/accumulate/pkg/types/messaging"
	"gitlab.com/accumulatenetwork/accumulate/pkg/url"
	"gitlab.com/accumulatenetwork/accumulate/protocol"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// AccumulateAnchorer writes a SCITT root to an Accumulate data account via
// a WriteData transaction, the second independent anchor target. The
// envelope (protocol.Transaction + protocol.WriteData +
// protocol.ED25519Signature + messaging.Envelope) is submitted as JSON
// over the node's JSON-RPC endpoint.
type AccumulateAnchorer struct {
	httpClient *http.Client
	nodeURL    string
	accountURL *url.URL
	signerURL  *url.URL
	signingKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	keyVersion uint64
}

// NewAccumulateAnchorer prepares an anchorer that writes to accountURL
// (a data account, e.g. "acc://corsairtrust.acme/scitt-anchors"), signed
// by the key page at signerURL.
func NewAccumulateAnchorer(nodeURL, accountURL, signerURL string, keyVersion uint64, signingKey ed25519.PrivateKey) (*AccumulateAnchorer, error) {
	account, err := url.Parse(accountURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "parse accumulate account url")
	}
	signer, err := url.Parse(signerURL)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "parse accumulate signer url")
	}
	pub, ok := signingKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, apperrors.New(apperrors.KindCrypto, "derive accumulate public key")
	}

	return &AccumulateAnchorer{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		nodeURL:    nodeURL,
		accountURL: account,
		signerURL:  signer,
		signingKey: signingKey,
		publicKey:  pub,
		keyVersion: keyVersion,
	}, nil
}

// Name identifies this anchorer in scheduler logs.
func (a *AccumulateAnchorer) Name() string { return "accumulate" }

// Anchor writes a WriteData transaction carrying root/treeSize to the
// configured data account and returns the transaction hash.
func (a *AccumulateAnchorer) Anchor(ctx context.Context, root [32]byte, treeSize uint64) (string, error) {
	payload := []byte(fmt.Sprintf("cpoe-scitt-root:%d:%x", treeSize, root))

	tx := &protocol.Transaction{
		Header: protocol.TransactionHeader{Principal: a.accountURL},
		Body: &protocol.WriteData{
			Entry: &protocol.DoubleHashDataEntry{Data: [][]byte{payload}},
		},
	}

	sig := &protocol.ED25519Signature{
		PublicKey:     a.publicKey,
		Signer:        a.signerURL,
		SignerVersion: a.keyVersion,
		Timestamp:     uint64(time.Now().UnixMicro()),
	}
	initiatorHasher, err := sig.Initiator()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindCrypto, "compute accumulate initiator")
	}
	copy(tx.Header.Initiator[:], initiatorHasher.MerkleHash())

	txHash := tx.GetHash()
	protocol.SignED25519(sig, a.signingKey, nil, txHash)
	sig.TransactionHash = *(*[32]byte)(txHash)

	envelope := &messaging.Envelope{
		Transaction: []*protocol.Transaction{tx},
		Signatures:  []protocol.Signature{sig},
	}

	ref, err := a.submit(ctx, envelope)
	if err != nil {
		return "", err
	}
	return ref, nil
}

// submit posts envelope to the node's JSON-RPC v2 execute endpoint.
func (a *AccumulateAnchorer) submit(ctx context.Context, envelope *messaging.Envelope) (string, error) {
	envelopeJSON, err := json.Marshal(envelope)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindServerError, "marshal accumulate envelope")
	}

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "execute",
		"params":  json.RawMessage(envelopeJSON),
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindServerError, "marshal accumulate rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.nodeURL, bytes.NewReader(body))
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetwork, "build accumulate rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.KindNetwork, "submit accumulate envelope")
	}
	defer resp.Body.Close()

	var result struct {
		Result struct {
			TxID string `json:"txid"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperrors.Wrap(err, apperrors.KindServerError, "decode accumulate rpc response")
	}
	if result.Error != nil {
		return "", apperrors.New(apperrors.KindServerError, "accumulate rpc error").WithDetails(result.Error.Message)
	}
	return result.Result.TxID, nil
}
