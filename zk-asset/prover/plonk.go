package prover

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/backend/plonk"
	plonk_bn254 "github.com/consensys/gnark/backend/plonk/bn254"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/constraint/solver"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/scs"
	"github.com/consensys/gnark/test/unsafekzg"
	"github.com/kysee/zkbank/utils"
	"github.com/kysee/zkbank/zk-asset/types"
	"github.com/rs/zerolog"
)

type compiled struct {
	ccs constraint.ConstraintSystem
	pk  plonk.ProvingKey
	vk  plonk.VerifyingKey
}

// PlonkProver proves and verifies both circuits with PLONK over BN254.
type PlonkProver struct {
	levels   int
	circuits map[CircuitID]*compiled
	log      zerolog.Logger
}

var _ Prover = (*PlonkProver)(nil)

func circuitFor(id CircuitID, depth int) frontend.Circuit {
	if id == CircuitDeposit {
		return &DepositCircuit{}
	}
	return NewTransactCircuit(depth)
}

func compileCircuit(id CircuitID, depth int) (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), scs.NewBuilder, circuitFor(id, depth))
	if err != nil {
		return nil, fmt.Errorf("compile %v circuit: %w", id, err)
	}
	return ccs, nil
}

// NewPlonkProver compiles the circuits for a tree of the given levels and
// runs a development setup over an unsafe KZG SRS.
func NewPlonkProver(levels int, log zerolog.Logger) (*PlonkProver, error) {
	p := &PlonkProver{
		levels:   levels,
		circuits: make(map[CircuitID]*compiled),
		log:      log.With().Str("module", "prover").Logger(),
	}
	for _, id := range []CircuitID{CircuitTransact, CircuitDeposit} {
		ccs, err := compileCircuit(id, levels-1)
		if err != nil {
			return nil, err
		}
		// todo: load a ceremony SRS instead of the unsafe one
		srs, srsLagrange, err := unsafekzg.NewSRS(ccs)
		if err != nil {
			return nil, fmt.Errorf("kzg srs: %w", err)
		}
		pk, vk, err := plonk.Setup(ccs, srs, srsLagrange)
		if err != nil {
			return nil, fmt.Errorf("plonk setup: %w", err)
		}
		p.circuits[id] = &compiled{ccs: ccs, pk: pk, vk: vk}
		p.log.Info().Stringer("circuit", id).Int("constraints", ccs.GetNbConstraints()).Msg("circuit ready")
	}
	return p, nil
}

// LoadPlonkProver recompiles the circuits and reads their keys from dir,
// as written by WriteKeys.
func LoadPlonkProver(dir string, levels int, log zerolog.Logger) (*PlonkProver, error) {
	p := &PlonkProver{
		levels:   levels,
		circuits: make(map[CircuitID]*compiled),
		log:      log.With().Str("module", "prover").Logger(),
	}
	for _, id := range []CircuitID{CircuitTransact, CircuitDeposit} {
		ccs, err := compileCircuit(id, levels-1)
		if err != nil {
			return nil, err
		}
		pk := plonk.NewProvingKey(ecc.BN254)
		if err := readObject(filepath.Join(dir, id.String()+"_prover.key"), pk); err != nil {
			return nil, err
		}
		vk := plonk.NewVerifyingKey(ecc.BN254)
		if err := readObject(filepath.Join(dir, id.String()+"_verifier.key"), vk); err != nil {
			return nil, err
		}
		p.circuits[id] = &compiled{ccs: ccs, pk: pk, vk: vk}
	}
	return p, nil
}

func (p *PlonkProver) Levels() int {
	return p.levels
}

func (p *PlonkProver) circuit(id CircuitID) (*compiled, error) {
	c, ok := p.circuits[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown circuit %v", ErrInvalidInputs, id)
	}
	return c, nil
}

// Execute validates in, assigns it and checks that the constraint system is
// satisfied. Every failure is wrapped with types.ErrProver.
func (p *PlonkProver) Execute(ctx context.Context, in Inputs) (*Witness, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProver, err)
	}
	c, err := p.circuit(in.Circuit())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProver, err)
	}
	if err := in.Validate(p.levels); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProver, err)
	}

	full, err := frontend.NewWitness(in.assign(p.levels-1), ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("%w: witness: %w", types.ErrProver, err)
	}
	if err := c.ccs.IsSolved(full, solver.WithLogger(p.log)); err != nil {
		return nil, fmt.Errorf("%w: unsatisfied %v circuit: %w", types.ErrProver, in.Circuit(), err)
	}

	public, err := publicOf(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProver, err)
	}
	want := toBytes(in.Public())
	if len(public) != len(want) {
		return nil, fmt.Errorf("%w: %d public inputs, want %d", types.ErrProver, len(public), len(want))
	}
	for i := range want {
		if public[i] != want[i] {
			return nil, fmt.Errorf("%w: public input %d mismatch", types.ErrProver, i)
		}
	}

	return &Witness{Circuit: in.Circuit(), Public: public, full: full}, nil
}

func publicOf(full witness.Witness) ([][32]byte, error) {
	pub, err := full.Public()
	if err != nil {
		return nil, err
	}
	vec, ok := pub.Vector().(fr.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected witness vector %T", pub.Vector())
	}
	return toBytes(vec), nil
}

// GenerateProof runs the PLONK prover. A cancelled ctx returns at once; the
// proving goroutine finishes in the background.
func (p *PlonkProver) GenerateProof(ctx context.Context, w *Witness, opts ...ProofOption) (*Proof, error) {
	if w == nil || w.full == nil {
		return nil, fmt.Errorf("%w: witness was not produced by Execute", types.ErrProver)
	}
	c, err := p.circuit(w.Circuit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProver, err)
	}

	cfg := proofConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	var proverOpts []backend.ProverOption
	if cfg.log != nil {
		proverOpts = append(proverOpts, backend.WithSolverOptions(solver.WithLogger(*cfg.log)))
	}

	type result struct {
		proof plonk.Proof
		err   error
	}
	done := make(chan result, 1)
	go func() {
		pf, err := plonk.Prove(c.ccs, c.pk, w.full, proverOpts...)
		done <- result{pf, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", types.ErrProver, ctx.Err())
	case r = <-done:
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: prove: %w", types.ErrProver, r.err)
	}

	buf := bytes.NewBuffer(nil)
	if _, err := r.proof.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProver, err)
	}
	p.log.Debug().Stringer("circuit", w.Circuit).Int("bytes", buf.Len()).Msg("proof generated")
	return &Proof{
		Circuit:      w.Circuit,
		Bytes:        buf.Bytes(),
		PublicInputs: append([][32]byte(nil), w.Public...),
	}, nil
}

// Verify checks proof against its public inputs.
func (p *PlonkProver) Verify(proof *Proof) error {
	c, err := p.circuit(proof.Circuit)
	if err != nil {
		return err
	}
	pf := plonk.NewProof(ecc.BN254)
	if _, err := pf.ReadFrom(bytes.NewReader(proof.Bytes)); err != nil {
		return fmt.Errorf("read proof: %w", err)
	}
	pub, err := publicWitness(proof.PublicInputs)
	if err != nil {
		return err
	}
	return plonk.Verify(pf, c.vk, pub)
}

func publicWitness(inputs [][32]byte) (witness.Witness, error) {
	pub, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}
	values := make(chan any, len(inputs))
	for i := range inputs {
		var e fr.Element
		if err := e.SetBytesCanonical(inputs[i][:]); err != nil {
			return nil, fmt.Errorf("public input %d: %w", i, err)
		}
		values <- e
	}
	close(values)
	if err := pub.Fill(len(inputs), 0, values); err != nil {
		return nil, err
	}
	return pub, nil
}

// ExportSolidity writes the on-chain verifier contract of the circuit.
func (p *PlonkProver) ExportSolidity(id CircuitID, w io.Writer) error {
	c, err := p.circuit(id)
	if err != nil {
		return err
	}
	return c.vk.ExportSolidity(w)
}

// WriteKeys saves every proving and verifying key under dir.
func (p *PlonkProver) WriteKeys(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	for id, c := range p.circuits {
		if err := writeObject(filepath.Join(dir, id.String()+"_prover.key"), c.pk); err != nil {
			return err
		}
		if err := writeObject(filepath.Join(dir, id.String()+"_verifier.key"), c.vk); err != nil {
			return err
		}
	}
	return nil
}

// SolidityCalldata re-encodes a proof for the generated verifier contract.
func SolidityCalldata(proof *Proof) ([]byte, error) {
	pf := plonk.NewProof(ecc.BN254)
	if _, err := pf.ReadFrom(bytes.NewReader(proof.Bytes)); err != nil {
		return nil, fmt.Errorf("read proof: %w", err)
	}
	bn254Proof, ok := pf.(*plonk_bn254.Proof)
	if !ok {
		return nil, fmt.Errorf("unexpected proof type %T", pf)
	}
	return bn254Proof.MarshalSolidity(), nil
}

// PublicHex renders public inputs for logs and fixtures.
func PublicHex(inputs [][32]byte) []string {
	out := make([]string, len(inputs))
	for i := range inputs {
		var e fr.Element
		e.SetBytes(inputs[i][:])
		out[i] = utils.FieldToHash(e).Hex()
	}
	return out
}

func writeObject(path string, obj io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if _, err := obj.WriteTo(f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readObject(path string, obj io.ReaderFrom) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := obj.ReadFrom(f); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
