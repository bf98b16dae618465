package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"

	"github.com/kysee/zkbank/zk-asset/prover"
	"github.com/kysee/zkbank/zk-asset/tree"
	"github.com/rs/zerolog"
)

func main() {
	levels := flag.Int("levels", tree.DefaultLevels, "commitment tree levels the circuits are compiled for")
	out := flag.String("out", "contracts", "directory for the verifier contracts")
	keys := flag.String("keys", "", "directory to save the proving and verifying keys, none if empty")
	fixture := flag.Bool("fixture", false, "also write a deposit proof fixture for contract tests")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	p, err := prover.NewPlonkProver(*levels, log)
	if err != nil {
		log.Fatal().Err(err).Msg("setup")
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create output dir")
	}
	for id, name := range map[prover.CircuitID]string{
		prover.CircuitTransact: "TransactVerifier.sol",
		prover.CircuitDeposit:  "DepositVerifier.sol",
	} {
		var buf bytes.Buffer
		if err := p.ExportSolidity(id, &buf); err != nil {
			log.Fatal().Err(err).Stringer("circuit", id).Msg("export verifier")
		}
		path := filepath.Join(*out, name)
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("write verifier")
		}
		log.Info().Stringer("circuit", id).Str("path", path).Msg("verifier generated")
	}

	if *keys != "" {
		if err := p.WriteKeys(*keys); err != nil {
			log.Fatal().Err(err).Msg("write keys")
		}
		log.Info().Str("dir", *keys).Msg("keys saved")
	}

	if *fixture {
		path := filepath.Join(*out, "deposit_fixture.json")
		if err := writeDepositFixture(p, path); err != nil {
			log.Fatal().Err(err).Msg("fixture")
		}
		log.Info().Str("path", path).Msg("fixture written")
	}
}
