// Package zkassurance attaches a zero-knowledge threshold proof to an
// enriched CPOE: "overallScore >= minimumScore" without revealing
// overallScore itself. Built on gnark's Groth16 backend over BN254 with
// a single inequality constraint.
package zkassurance

import (
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// scoreScale converts a 0-100 overallScore into an integer field element;
// gnark circuits operate over field elements, not floats.
const scoreScale = 100

// ThresholdCircuit proves OverallScoreScaled >= MinimumScoreScaled without
// exposing OverallScoreScaled in the public witness.
type ThresholdCircuit struct {
	MinimumScoreScaled frontend.Variable `gnark:",public"`
	OverallScoreScaled frontend.Variable
}

// Define implements the circuit constraint: overallScore - minimumScore
// is non-negative.
func (c *ThresholdCircuit) Define(api frontend.API) error {
	api.AssertIsLessOrEqual(c.MinimumScoreScaled, c.OverallScoreScaled)
	return nil
}

// Proof is the Groth16 proof plus the public inputs a verifier needs,
// ready to embed under CredentialSubject.extensions.zkAssuranceProof.
type Proof struct {
	ProofBytes    []byte  `json:"proof"`
	VerifyingKey  []byte  `json:"verifyingKey"`
	MinimumScore  float64 `json:"minimumScore"`
}

// Prover compiles the threshold circuit once and reuses its proving/
// verifying keys across calls.
type Prover struct {
	mu          sync.Mutex
	cs          constraint.ConstraintSystem
	pk          groth16.ProvingKey
	vk          groth16.VerifyingKey
	initialized bool
}

// NewProver returns an uninitialized Prover; call Setup before Prove.
func NewProver() *Prover {
	return &Prover{}
}

// Setup compiles the circuit and runs the Groth16 trusted setup. It is
// idempotent and safe to call more than once.
func (p *Prover) Setup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}

	var circuit ThresholdCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindCrypto, "compile zk assurance circuit")
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return apperrors.Wrap(err, apperrors.KindCrypto, "groth16 setup")
	}
	p.cs, p.pk, p.vk = cs, pk, vk
	p.initialized = true
	return nil
}

// Prove produces a Proof that overallScore >= minimumScore, without the
// proof or its verifying key revealing overallScore.
func (p *Prover) Prove(overallScore, minimumScore float64) (*Proof, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return nil, apperrors.New(apperrors.KindServerError, "zk assurance prover not initialized")
	}

	assignment := &ThresholdCircuit{
		MinimumScoreScaled: scaled(minimumScore),
		OverallScoreScaled: scaled(overallScore),
	}
	witness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindCrypto, "build zk assurance witness")
	}

	proof, err := groth16.Prove(p.cs, p.pk, witness)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindValidation, "generate zk assurance proof")
	}

	proofBytes, err := marshalTo(proof)
	if err != nil {
		return nil, err
	}
	vkBytes, err := marshalTo(p.vk)
	if err != nil {
		return nil, err
	}

	return &Proof{ProofBytes: proofBytes, VerifyingKey: vkBytes, MinimumScore: minimumScore}, nil
}

// Verify checks that proof commits to a valid overallScore >= minimumScore
// claim, without ever seeing overallScore.
func (p *Prover) Verify(proof *Proof) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.initialized {
		return false, apperrors.New(apperrors.KindServerError, "zk assurance prover not initialized")
	}

	assignment := &ThresholdCircuit{MinimumScoreScaled: scaled(proof.MinimumScore)}
	publicWitness, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.KindCrypto, "build zk assurance public witness")
	}

	groth16Proof := groth16.NewProof(ecc.BN254)
	if _, err := groth16Proof.ReadFrom(bytesReader(proof.ProofBytes)); err != nil {
		return false, apperrors.Wrap(err, apperrors.KindValidation, "decode zk assurance proof")
	}

	if err := groth16.Verify(groth16Proof, p.vk, publicWitness); err != nil {
		return false, nil
	}
	return true, nil
}

func scaled(score float64) *big.Int {
	return big.NewInt(int64(score * scoreScale))
}
