package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"algobounty/crypto"
	"algobounty/native/bounty"
	"algobounty/services/escrowd"
)

var (
	cliNow      = time.Now
	cliHTTPCall = callEscrowd
)

// bountyTarget collects the flags that identify a bounty.
type bountyTarget struct {
	key   string
	owner string
	repo  string
	issue string
}

func (t *bountyTarget) register(fs *flag.FlagSet) {
	fs.StringVar(&t.key, "key", "", "opaque bounty key")
	fs.StringVar(&t.owner, "owner", "", "repository owner")
	fs.StringVar(&t.repo, "repo", "", "repository name")
	fs.StringVar(&t.issue, "issue", "", "issue number")
}

func (t *bountyTarget) empty() bool {
	return t.key == "" && t.owner == "" && t.repo == "" && t.issue == ""
}

// resolve returns the API path of the bounty resource with suffix appended.
func (t *bountyTarget) resolve(suffix string) (string, error) {
	hasIssue := t.owner != "" || t.repo != "" || t.issue != ""
	switch {
	case t.key != "" && hasIssue:
		return "", fmt.Errorf("use either --key or --owner/--repo/--issue")
	case t.key != "":
		if err := bounty.ValidateKey(t.key); err != nil {
			return "", fmt.Errorf("--key: %v", err)
		}
		path := "/v1/bounty"
		if suffix != "" {
			path += "/" + suffix
		}
		return path + "?key=" + url.QueryEscape(t.key), nil
	case hasIssue:
		if t.owner == "" || t.repo == "" || t.issue == "" {
			return "", fmt.Errorf("--owner, --repo and --issue must be set together")
		}
		key := bounty.KeyFor(t.owner, t.repo, t.issue)
		if err := bounty.ValidateKey(key); err != nil {
			return "", fmt.Errorf("bounty key: %v", err)
		}
		path := "/v1/bounties/" + url.PathEscape(t.owner) + "/" + url.PathEscape(t.repo) + "/" + url.PathEscape(t.issue)
		if suffix != "" {
			path += "/" + suffix
		}
		return path, nil
	default:
		return "", fmt.Errorf("--key or --owner/--repo/--issue is required")
	}
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var keystorePath, passphrase string
	fs.StringVar(&keystorePath, "keystore", "", "path of the keystore file to create")
	fs.StringVar(&passphrase, "passphrase", "", "keystore passphrase (defaults to ALGOBOUNTY_KEYSTORE_PASSPHRASE, then a terminal prompt)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if keystorePath == "" {
		return printError(stderr, "--keystore is required")
	}
	passphrase, err := resolvePassphrase(passphrase, stderr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if _, err := os.Stat(keystorePath); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", keystorePath))
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, fmt.Sprintf("generate key: %v", err))
	}
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return printError(stderr, fmt.Sprintf("write keystore: %v", err))
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	var keystorePath, passphrase string
	fs.StringVar(&keystorePath, "keystore", "", "path of the keystore file")
	fs.StringVar(&passphrase, "passphrase", "", "keystore passphrase (defaults to ALGOBOUNTY_KEYSTORE_PASSPHRASE, then a terminal prompt)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if keystorePath == "" {
		return printError(stderr, "--keystore is required")
	}
	passphrase, err := resolvePassphrase(passphrase, stderr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.LoadFromKeystore(keystorePath, passphrase)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	var (
		subject    string
		secret     string
		secretFile string
		issuer     string
		audience   string
		ttl        time.Duration
	)
	fs.StringVar(&subject, "subject", "", "principal address the token authenticates")
	fs.StringVar(&secret, "secret", "", "escrowd auth HMAC secret")
	fs.StringVar(&secretFile, "secret-file", "", "file holding the escrowd auth HMAC secret")
	fs.StringVar(&issuer, "issuer", "", "token issuer claim")
	fs.StringVar(&audience, "audience", "", "token audience claim")
	fs.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	principal, err := requirePrincipal("--subject", subject)
	if err != nil {
		return printError(stderr, err.Error())
	}
	resolved, err := readSecretFlag(secret, secretFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if resolved == "" {
		return printError(stderr, "--secret or --secret-file is required")
	}
	token, err := escrowd.IssueToken(resolved, principal, issuer, audience, ttl, cliNow())
	if err != nil {
		return printError(stderr, fmt.Sprintf("sign token: %v", err))
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var target bountyTarget
	target.register(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	path, err := target.resolve("")
	if err != nil {
		return printError(stderr, err.Error())
	}
	return request(stdout, stderr, http.MethodGet, path, nil, false)
}

func runFund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("fund", stderr)
	var (
		target        bountyTarget
		amountStr     string
		sender        string
		receiver      string
		reference     string
		signature     string
		paymentSecret string
	)
	target.register(fs)
	fs.StringVar(&amountStr, "amount", "", "amount in whole units, up to six decimals")
	fs.StringVar(&sender, "sender", "", "funder address (must match the token subject)")
	fs.StringVar(&receiver, "receiver", "", "holding address (fetched from the ledger when empty)")
	fs.StringVar(&reference, "reference", "", "payment reference (random when empty)")
	fs.StringVar(&signature, "signature", "", "receipt signature issued by the payment source")
	fs.StringVar(&paymentSecret, "payment-secret", "", "payment source secret used to sign the receipt locally")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	path, err := target.resolve("fund")
	if err != nil {
		return printError(stderr, err.Error())
	}
	if amountStr == "" {
		return printError(stderr, "--amount is required")
	}
	amount, err := bounty.ParseUnits(amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if amount == 0 {
		return printError(stderr, "--amount must be greater than zero")
	}
	if _, err := requirePrincipal("--sender", sender); err != nil {
		return printError(stderr, err.Error())
	}
	if (signature == "") == (paymentSecret == "") {
		return printError(stderr, "exactly one of --signature or --payment-secret is required")
	}
	if receiver == "" {
		holding, err := fetchHoldingAddress()
		if err != nil {
			return printError(stderr, err.Error())
		}
		receiver = holding
	} else if _, err := requirePrincipal("--receiver", receiver); err != nil {
		return printError(stderr, err.Error())
	}
	if reference == "" {
		reference = uuid.NewString()
	}

	receipt := escrowd.PaymentReceipt{
		Reference: reference,
		Sender:    sender,
		Receiver:  receiver,
		Amount:    amount,
		Signature: signature,
	}
	if paymentSecret != "" {
		receipt.Signature = escrowd.SignReceipt(paymentSecret, receipt)
	}
	return request(stdout, stderr, http.MethodPost, path, map[string]interface{}{"receipt": receipt}, true)
}

func runClose(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("close", stderr)
	var target bountyTarget
	var claimer string
	target.register(fs)
	fs.StringVar(&claimer, "claimer", "", "address allowed to claim (keeps the current claimer when empty)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	path, err := target.resolve("close")
	if err != nil {
		return printError(stderr, err.Error())
	}
	if claimer != "" {
		if _, err := requirePrincipal("--claimer", claimer); err != nil {
			return printError(stderr, err.Error())
		}
	}
	return request(stdout, stderr, http.MethodPost, path, map[string]string{"claimerAddress": claimer}, true)
}

func runAssign(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("assign", stderr)
	var target bountyTarget
	var claimer string
	var unassign bool
	target.register(fs)
	fs.StringVar(&claimer, "claimer", "", "address allowed to claim")
	fs.BoolVar(&unassign, "clear", false, "remove the current claimer assignment")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	path, err := target.resolve("assign")
	if err != nil {
		return printError(stderr, err.Error())
	}
	switch {
	case unassign && claimer != "":
		return printError(stderr, "use either --claimer or --clear")
	case unassign:
	case claimer == "":
		return printError(stderr, "--claimer is required (or pass --clear)")
	default:
		if _, err := requirePrincipal("--claimer", claimer); err != nil {
			return printError(stderr, err.Error())
		}
	}
	return request(stdout, stderr, http.MethodPost, path, map[string]string{"claimerAddress": claimer}, true)
}

func runClaim(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("claim", stderr)
	var target bountyTarget
	var recipient string
	target.register(fs)
	fs.StringVar(&recipient, "recipient", "", "payout recipient (defaults to the token subject)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	path, err := target.resolve("claim")
	if err != nil {
		return printError(stderr, err.Error())
	}
	if recipient != "" {
		if _, err := requirePrincipal("--recipient", recipient); err != nil {
			return printError(stderr, err.Error())
		}
	}
	return request(stdout, stderr, http.MethodPost, path, map[string]string{"recipientAddress": recipient}, true)
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("init", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return request(stdout, stderr, http.MethodPost, "/v1/ledger/initialize", nil, true)
}

func runAdmin(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("admin", stderr)
	var newAdmin string
	fs.StringVar(&newAdmin, "new-admin", "", "address of the next admin")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if _, err := requirePrincipal("--new-admin", newAdmin); err != nil {
		return printError(stderr, err.Error())
	}
	return request(stdout, stderr, http.MethodPost, "/v1/ledger/admin", map[string]string{"admin": newAdmin}, true)
}

func runLedger(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("ledger", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return request(stdout, stderr, http.MethodGet, "/v1/ledger", nil, false)
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("audit", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	result, apiErr, err := cliHTTPCall(http.MethodGet, "/v1/ledger/audit", nil, false)
	if code := handleCallError(stderr, apiErr, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	var report bounty.AuditReport
	if err := json.Unmarshal(result, &report); err != nil {
		return printError(stderr, fmt.Sprintf("decode audit report: %v", err))
	}
	if !report.Healthy() {
		fmt.Fprintf(stderr, "ledger audit found %d violation(s)\n", len(report.Violations))
		return 2
	}
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var (
		target bountyTarget
		after  int64
		limit  int
	)
	target.register(fs)
	fs.Int64Var(&after, "after", 0, "return events after this sequence number")
	fs.IntVar(&limit, "limit", 100, "maximum number of events")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if after < 0 {
		return printError(stderr, "--after must not be negative")
	}
	if limit <= 0 {
		return printError(stderr, "--limit must be positive")
	}
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	query.Set("limit", strconv.Itoa(limit))

	path := "/v1/events?" + query.Encode()
	if !target.empty() {
		bountyPath, err := target.resolve("events")
		if err != nil {
			return printError(stderr, err.Error())
		}
		sep := "?"
		if strings.Contains(bountyPath, "?") {
			sep = "&"
		}
		path = bountyPath + sep + query.Encode()
	}
	return request(stdout, stderr, http.MethodGet, path, nil, false)
}

func runPayouts(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("payouts", stderr)
	var status string
	fs.StringVar(&status, "status", "", "filter by status (submitted or settled)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	path := "/v1/payouts"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	return request(stdout, stderr, http.MethodGet, path, nil, true)
}

func runSettle(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("settle", stderr)
	var reference string
	fs.StringVar(&reference, "reference", "", "payout reference to mark as settled")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(reference) == "" {
		return printError(stderr, "--reference is required")
	}
	return request(stdout, stderr, http.MethodPost, "/v1/payouts/"+url.PathEscape(reference)+"/settle", nil, true)
}

func runReceipts(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("receipts", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return request(stdout, stderr, http.MethodGet, "/v1/receipts", nil, true)
}

func runRelease(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("release", stderr)
	var reference string
	fs.StringVar(&reference, "reference", "", "reserved receipt reference to release")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(reference) == "" {
		return printError(stderr, "--reference is required")
	}
	return request(stdout, stderr, http.MethodPost, "/v1/receipts/"+url.PathEscape(reference)+"/release", nil, true)
}

func fetchHoldingAddress() (string, error) {
	result, apiErr, err := cliHTTPCall(http.MethodGet, "/v1/ledger", nil, false)
	if err != nil {
		return "", fmt.Errorf("fetch ledger: %w", err)
	}
	if apiErr != nil {
		return "", fmt.Errorf("fetch ledger: %s", apiErr.Message)
	}
	var view escrowd.LedgerView
	if err := json.Unmarshal(result, &view); err != nil {
		return "", fmt.Errorf("decode ledger: %w", err)
	}
	if view.HoldingAddress.IsZero() {
		return "", fmt.Errorf("ledger reported no holding address; pass --receiver")
	}
	return view.HoldingAddress.String(), nil
}

func request(stdout, stderr io.Writer, method, path string, body interface{}, requireAuth bool) int {
	result, apiErr, err := cliHTTPCall(method, path, body, requireAuth)
	if code := handleCallError(stderr, apiErr, err); code != 0 {
		return code
	}
	writeResult(stdout, result)
	return 0
}

func requirePrincipal(flagName, value string) (bounty.Principal, error) {
	if strings.TrimSpace(value) == "" {
		return bounty.ZeroPrincipal, fmt.Errorf("%s is required", flagName)
	}
	principal, err := bounty.ParsePrincipal(value)
	if err != nil {
		return bounty.ZeroPrincipal, fmt.Errorf("%s: %v", flagName, err)
	}
	if principal.IsZero() {
		return bounty.ZeroPrincipal, fmt.Errorf("%s must not be the zero address", flagName)
	}
	return principal, nil
}

func readSecretFlag(inline, path string) (string, error) {
	if path == "" {
		return strings.TrimSpace(inline), nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(contents)), nil
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleCallError(w io.Writer, apiErr *apiError, err error) int {
	if err != nil {
		fmt.Fprintf(w, "Request failed: %v\n", err)
		return 1
	}
	if apiErr != nil {
		if apiErr.Kind != "" {
			fmt.Fprintf(w, "API error %d %s: %s\n", apiErr.Status, apiErr.Kind, apiErr.Message)
		} else {
			fmt.Fprintf(w, "API error %d: %s\n", apiErr.Status, apiErr.Message)
		}
		return 1
	}
	return 0
}

func writeResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil && result[len(result)-1] != '\n' {
		fmt.Fprintln(w)
	}
}
