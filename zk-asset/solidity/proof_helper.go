package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/kysee/zkbank/zk-asset/crypto"
	"github.com/kysee/zkbank/zk-asset/prover"
	"github.com/kysee/zkbank/zk-asset/types"
)

// ProofData is a proof in the form the verifier contract takes it.
type ProofData struct {
	Circuit      string   `json:"circuit"`
	Proof        string   `json:"proof"`
	PublicInputs []string `json:"publicInputs"` // [commitment, asset, amount]
}

// NewProofData re-encodes proof for the Solidity verifier.
func NewProofData(proof *prover.Proof) (*ProofData, error) {
	calldata, err := prover.SolidityCalldata(proof)
	if err != nil {
		return nil, err
	}
	return &ProofData{
		Circuit:      proof.Circuit.String(),
		Proof:        hexutil.Encode(calldata),
		PublicInputs: prover.PublicHex(proof.PublicInputs),
	}, nil
}

func writeDepositFixture(p *prover.PlonkProver, path string) error {
	root, err := crypto.NewRootSecret()
	if err != nil {
		return err
	}
	acct, err := crypto.DeriveAccount(root)
	if err != nil {
		return err
	}
	defer acct.Wipe()

	asset := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	note, err := types.NewNote(asset, uint256.NewInt(1000), acct.Owner)
	if err != nil {
		return err
	}

	ctx := context.Background()
	w, err := p.Execute(ctx, &prover.DepositInputs{Note: note})
	if err != nil {
		return err
	}
	proof, err := p.GenerateProof(ctx, w)
	if err != nil {
		return err
	}
	if err := p.Verify(proof); err != nil {
		return fmt.Errorf("fixture does not verify: %w", err)
	}

	data, err := NewProofData(proof)
	if err != nil {
		return err
	}
	bz, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, bz, 0o644)
}
