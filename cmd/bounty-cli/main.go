package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const defaultEndpoint = "http://localhost:8080"

var (
	apiEndpoint = defaultEndpoint
	apiToken    = ""
	profilePath = ""
)

// profile is the optional ~/.algobounty.toml file carrying connection
// defaults.
type profile struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := applyProfile(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "fund":
		return runFund(args[1:], stdout, stderr)
	case "close":
		return runClose(args[1:], stdout, stderr)
	case "assign":
		return runAssign(args[1:], stdout, stderr)
	case "claim":
		return runClaim(args[1:], stdout, stderr)
	case "init":
		return runInit(args[1:], stdout, stderr)
	case "admin":
		return runAdmin(args[1:], stdout, stderr)
	case "ledger":
		return runLedger(args[1:], stdout, stderr)
	case "audit":
		return runAudit(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "payouts":
		return runPayouts(args[1:], stdout, stderr)
	case "settle":
		return runSettle(args[1:], stdout, stderr)
	case "receipts":
		return runReceipts(args[1:], stdout, stderr)
	case "release":
		return runRelease(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

// applyGlobalFlags strips --endpoint, --token and --profile from args. They
// may appear anywhere on the command line.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var target *string
		var name string
		switch {
		case arg == "--endpoint" || strings.HasPrefix(arg, "--endpoint="):
			target, name = &apiEndpoint, "--endpoint"
		case arg == "--token" || strings.HasPrefix(arg, "--token="):
			target, name = &apiToken, "--token"
		case arg == "--profile" || strings.HasPrefix(arg, "--profile="):
			target, name = &profilePath, "--profile"
		default:
			out = append(out, arg)
			continue
		}
		if value, ok := strings.CutPrefix(arg, name+"="); ok {
			*target = value
			continue
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("missing value for %s", name)
		}
		*target = args[i+1]
		i++
	}
	return out, nil
}

// applyProfile fills endpoint and token from the environment and then the
// profile file. Explicit flags win.
func applyProfile() error {
	if apiEndpoint == defaultEndpoint {
		if env := strings.TrimSpace(os.Getenv("ALGOBOUNTY_ENDPOINT")); env != "" {
			apiEndpoint = env
		}
	}
	if apiToken == "" {
		apiToken = strings.TrimSpace(os.Getenv("ALGOBOUNTY_TOKEN"))
	}

	path := profilePath
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".algobounty.toml")
	}
	var p profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load profile %s: %w", path, err)
	}
	if apiEndpoint == defaultEndpoint && strings.TrimSpace(p.Endpoint) != "" {
		apiEndpoint = strings.TrimSpace(p.Endpoint)
	}
	if apiToken == "" {
		apiToken = strings.TrimSpace(p.Token)
	}
	return nil
}

type apiError struct {
	Status  int
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// callEscrowd performs one API request and returns the raw JSON result, or
// the decoded error body for non-2xx responses.
func callEscrowd(method, path string, body interface{}, requireAuth bool) (json.RawMessage, *apiError, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	url := strings.TrimRight(apiEndpoint, "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth {
		if apiToken == "" {
			return nil, nil, fmt.Errorf("this command requires a bearer token; pass --token or set ALGOBOUNTY_TOKEN")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(apiToken))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return payload, nil, nil
	}
	var envelope struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Error == nil {
		return nil, &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(payload))}, nil
	}
	envelope.Error.Status = resp.StatusCode
	return nil, envelope.Error, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  bounty-cli [--endpoint URL] [--token JWT] [--profile FILE] <command> [flags]

Commands:
  keygen   Generate a principal key into an encrypted keystore
  address  Print the principal address stored in a keystore
  token    Mint a bearer token for a principal
  get      Show a bounty
  fund     Fund a bounty with a signed payment receipt
  close    Close a bounty and optionally set its claimer (admin)
  assign   Assign the claimer of a bounty (admin)
  claim    Claim a closed bounty
  init     Initialize the ledger with the caller as admin
  admin    Transfer the admin role (admin)
  ledger   Show ledger totals
  audit    Check ledger invariants
  events   Page through the event log
  payouts  List journaled payouts (admin)
  settle   Mark a journaled payout as broadcast (admin)
  receipts List payment receipts reserved without funding (admin)
  release  Release a reserved receipt so it can be resubmitted (admin)

Bounties are addressed by --key, or by --owner, --repo and --issue.
`)
}
