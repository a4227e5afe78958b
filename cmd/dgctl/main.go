// Command dgctl is a thin CLI wrapper over the DecisionGraph Engine:
// bootstrap a graph, submit a Request For Access, and inspect the
// resulting ProofPacket. Plain flag.String/flag.Parse/os.Exit style —
// no cobra/viper.
package main

import (
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/chain"
	"github.com/certen/decisiongraph-kernel/pkg/dgconfig"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
	"github.com/certen/decisiongraph-kernel/pkg/dglog"
	"github.com/certen/decisiongraph-kernel/pkg/engine"
	"github.com/certen/decisiongraph-kernel/pkg/genesis"
	"github.com/certen/decisiongraph-kernel/pkg/policy"
	"github.com/certen/decisiongraph-kernel/pkg/wal"
)

// Exit codes for dgctl's process exit status.
const (
	exitOK                = 0
	exitOther             = 1
	exitSchemaInvalid     = 2
	exitIntegrityFail     = 3
	exitUnauthorized      = 4
	exitSignatureInvalid  = 5
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: dgctl <init|rfa|keygen> [flags]")
		os.Exit(exitOther)
	}

	cfg, err := dgconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(exitOther)
	}
	logger, err := dglog.New(dglog.Config{Level: dglog.LevelFromString(cfg.LogLevel), Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(exitOther)
	}

	switch os.Args[1] {
	case "keygen":
		runKeygen(cfg)
	case "init":
		runInit(cfg, logger)
	case "rfa":
		runRFA(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(exitOther)
	}
}

func runKeygen(cfg *dgconfig.Config) {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	fs.Parse(os.Args[2:])

	if _, err := dgconfig.LoadOrGenerateEd25519Key(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(exitOther)
	}
	fmt.Printf("ed25519 key ready at %s\n", cfg.KeyPath())
	os.Exit(exitOK)
}

// runInit bootstraps a fresh graph: a Genesis cell (embedding a root
// WitnessSet when -witnesses is given), a Chain rooted on it, and the WAL segment directory that
// will receive every subsequent append.
func runInit(cfg *dgconfig.Config, logger *dglog.Logger) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	rootNS := fs.String("root-namespace", cfg.GraphName, "root namespace for the new graph")
	creator := fs.String("creator", cfg.NodeID, "creator identity recorded on Genesis")
	witnesses := fs.String("witnesses", "", "comma-separated witness ids for the root WitnessSet")
	threshold := fs.Int("threshold", 1, "signatures required to promote a policy in the root namespace")
	fs.Parse(os.Args[2:])

	var ws *policy.WitnessSet
	if *witnesses != "" {
		ids := splitAndTrim(*witnesses)
		set, err := policy.NewWitnessSet(*rootNS, ids, *threshold)
		if err != nil {
			fmt.Fprintf(os.Stderr, "build witness set: %v\n", err)
			os.Exit(exitSchemaInvalid)
		}
		ws = set
	}

	g, err := genesis.CreateGenesisCell(cfg.GraphName, *rootNS, *creator, time.Now().UTC(), cell.HashSchemeCanonicalJSONV1, ws)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create genesis cell: %v\n", err)
		exitFor(err)
	}
	if ok, reasons := genesis.VerifyGenesis(g); !ok {
		fmt.Fprintf(os.Stderr, "genesis failed verification: %v\n", reasons)
		os.Exit(exitIntegrityFail)
	}

	ch, err := chain.Initialize(g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize chain: %v\n", err)
		exitFor(err)
	}

	walWriter, err := wal.NewWriter(cfg.DataDir, wal.Header{
		SchemaVersion: 1, GraphID: ch.GraphID(), HashScheme: ch.HashScheme(),
	}, cfg.WALMaxBytes, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open wal: %v\n", err)
		os.Exit(exitOther)
	}
	defer walWriter.Close()

	if _, err := walWriter.Append(g); err != nil {
		fmt.Fprintf(os.Stderr, "write genesis to wal: %v\n", err)
		os.Exit(exitOther)
	}

	logger.Info("graph initialized", "graph_id", ch.GraphID(), "root_namespace", ch.RootNamespace())
	out, _ := json.MarshalIndent(map[string]any{
		"graph_id":       ch.GraphID(),
		"root_namespace": ch.RootNamespace(),
		"genesis_cell_id": g.CellID(),
	}, "", "  ")
	fmt.Println(string(out))
	os.Exit(exitOK)
}

// runRFA loads an RFA JSON document from a file (or stdin with "-") and
// processes it against a graph rebuilt from a single Genesis cell
// supplied alongside it — dgctl is a thin demonstration wrapper, not a
// durable server, so it does not itself replay a WAL directory into a
// live chain; pkg/engine and pkg/wal are what a long-running host wires
// together.
func runRFA(cfg *dgconfig.Config, logger *dglog.Logger) {
	fs := flag.NewFlagSet("rfa", flag.ExitOnError)
	genesisPath := fs.String("genesis", "", "path to a JSON genesis spec (graph_name, root_namespace, creator, witnesses, threshold) (required)")
	rfaPath := fs.String("rfa", "", "path to a JSON-encoded RFA document (required)")
	signed := fs.Bool("sign", false, "sign the resulting ProofPacket with the configured key")
	fs.Parse(os.Args[2:])

	if *genesisPath == "" || *rfaPath == "" {
		fmt.Fprintln(os.Stderr, "rfa requires -genesis and -rfa")
		os.Exit(exitSchemaInvalid)
	}

	g, err := loadGenesisFromFile(*genesisPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load genesis: %v\n", err)
		exitFor(err)
	}
	ch, err := chain.Initialize(g)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize chain: %v\n", err)
		exitFor(err)
	}

	rfa, err := loadRFAFromFile(*rfaPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load rfa: %v\n", err)
		os.Exit(exitSchemaInvalid)
	}

	var signingKey ed25519.PrivateKey
	if *signed {
		key, err := dgconfig.LoadOrGenerateEd25519Key(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load signing key: %v\n", err)
			os.Exit(exitOther)
		}
		signingKey = key
	}

	eng := engine.New(ch, nil, signingKey, logger)
	packet, err := eng.ProcessRFA(rfa, signingKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "process rfa: %v\n", err)
		exitFor(err)
	}

	out, _ := json.MarshalIndent(map[string]any{
		"packet_version": packet.PacketVersion,
		"packet_id":      packet.PacketID.String(),
		"generated_at":   packet.GeneratedAt,
		"graph_id":       packet.GraphID,
		"proof_bundle":   packet.ProofBundle,
		"signature":      packet.Signature,
	}, "", "  ")
	fmt.Println(string(out))
	os.Exit(exitOK)
}

func loadGenesisFromFile(path string) (*cell.Cell, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec struct {
		GraphName     string `json:"graph_name"`
		RootNamespace string `json:"root_namespace"`
		Creator       string `json:"creator"`
		Witnesses     []string `json:"witnesses"`
		Threshold     int    `json:"threshold"`
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, dgerrors.Wrap(dgerrors.KindSchemaInvalid, "decode genesis spec", err, nil)
	}

	var ws *policy.WitnessSet
	if len(spec.Witnesses) > 0 {
		set, err := policy.NewWitnessSet(spec.RootNamespace, spec.Witnesses, spec.Threshold)
		if err != nil {
			return nil, err
		}
		ws = set
	}
	return genesis.CreateGenesisCell(spec.GraphName, spec.RootNamespace, spec.Creator, time.Now().UTC(), cell.HashSchemeCanonicalJSONV1, ws)
}

func loadRFAFromFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rfa map[string]any
	if err := json.Unmarshal(raw, &rfa); err != nil {
		return nil, err
	}
	return rfa, nil
}

func splitAndTrim(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if piece := strings.TrimSpace(s[start:i]); piece != "" {
				out = append(out, piece)
			}
			start = i + 1
		}
	}
	return out
}

// exitFor maps a dgerrors.Kind to dgctl's CLI exit code and exits the
// process; unrecognized error kinds exit 1.
func exitFor(err error) {
	os.Exit(exitCodeFor(err))
}

// exitCodeFor is exitFor's pure decision logic, split out so it can be
// exercised without actually terminating the test process.
func exitCodeFor(err error) int {
	ke, ok := err.(*dgerrors.KernelError)
	if !ok {
		return exitOther
	}
	switch ke.Kind {
	case dgerrors.KindSchemaInvalid:
		return exitSchemaInvalid
	case dgerrors.KindIntegrityFail, dgerrors.KindGenesisViolation, dgerrors.KindChainBreak,
		dgerrors.KindTemporalViolation, dgerrors.KindGraphIdMismatch, dgerrors.KindHashSchemeMismatch:
		return exitIntegrityFail
	case dgerrors.KindUnauthorized, dgerrors.KindAccessDenied, dgerrors.KindBridgeRequired, dgerrors.KindBridgeApprovalError:
		return exitUnauthorized
	case dgerrors.KindSignatureInvalid:
		return exitSignatureInvalid
	default:
		return exitOther
	}
}
