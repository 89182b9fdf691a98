package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"rightly/cmd/internal/passphrase"
	"rightly/crypto"
	"rightly/services/relayer"
)

const (
	statusCommand    = "status"
	statsCommand     = "stats"
	startCommand     = "start"
	stopCommand      = "stop"
	replayCommand    = "replay"
	jobsCommand      = "jobs"
	removeCommand    = "remove-job"
	nonceCommand     = "nonce"
	signCommand      = "sign-intent"
	keystoreCommand  = "new-keystore"
	defaultServer    = "http://localhost:8080"
	defaultTokenEnv  = "RIGHTLY_ADMIN_TOKEN"
	defaultPassEnv   = "RIGHTLY_RELAYER_PASSPHRASE"
	defaultChainID   = 534351
	defaultValidity  = 20 * time.Minute
	defaultTimeout   = 30 * time.Second
	defaultJobsLimit = 50
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, out io.Writer) error {
	switch command {
	case statusCommand:
		return runShow(statusCommand, "/admin/status", args, out)
	case statsCommand:
		return runShow(statsCommand, "/admin/stats", args, out)
	case startCommand, stopCommand:
		return runListener(command, args, out)
	case replayCommand:
		return runReplay(args, out)
	case jobsCommand:
		return runJobs(args, out)
	case removeCommand:
		return runRemoveJob(args, out)
	case nonceCommand:
		return runNonce(args, out)
	case signCommand:
		return runSignIntent(args, out)
	case keystoreCommand:
		return runNewKeystore(args, out)
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", command)
	}
}

type serverFlags struct {
	server   *string
	token    *string
	tokenEnv *string
}

func bindServerFlags(fs *flag.FlagSet) serverFlags {
	return serverFlags{
		server:   fs.String("server", defaultServer, "relayd base URL"),
		token:    fs.String("token", "", "Admin bearer token"),
		tokenEnv: fs.String("token-env", defaultTokenEnv, "Environment variable containing the admin bearer token"),
	}
}

func (f serverFlags) client() *Client {
	token := strings.TrimSpace(*f.token)
	if token == "" && strings.TrimSpace(*f.tokenEnv) != "" {
		token = strings.TrimSpace(os.Getenv(*f.tokenEnv))
	}
	return NewClient(*f.server, token)
}

func runShow(command, path string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	sf := bindServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	var body json.RawMessage
	if err := sf.client().Do(ctx, "GET", path, nil, &body); err != nil {
		return err
	}
	return printJSON(out, body)
}

func runListener(command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	sf := bindServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	var ack json.RawMessage
	if err := sf.client().Do(ctx, "POST", "/admin/events/"+command, nil, &ack); err != nil {
		return err
	}
	return printJSON(out, ack)
}

func runReplay(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(replayCommand, flag.ContinueOnError)
	sf := bindServerFlags(fs)
	from := fs.Uint64("from", 0, "First block to replay (inclusive)")
	to := fs.Uint64("to", 0, "Last block to replay (inclusive)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to < *from {
		return fmt.Errorf("--to must not be below --from")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	body := map[string]uint64{"fromBlock": *from, "toBlock": *to}
	var ack json.RawMessage
	if err := sf.client().Do(ctx, "POST", "/admin/events/replay", body, &ack); err != nil {
		return err
	}
	return printJSON(out, ack)
}

func runJobs(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(jobsCommand, flag.ContinueOnError)
	sf := bindServerFlags(fs)
	queueName := fs.String("type", "relayer", "Queue to inspect (relayer or indexer)")
	state := fs.String("status", "", "Filter by state (waiting, active, delayed, completed, failed)")
	limit := fs.Int("limit", defaultJobsLimit, "Maximum number of jobs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := url.Values{}
	query.Set("type", *queueName)
	if *state != "" {
		query.Set("status", *state)
	}
	query.Set("limit", fmt.Sprint(*limit))
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	var jobs json.RawMessage
	if err := sf.client().Do(ctx, "GET", "/admin/jobs?"+query.Encode(), nil, &jobs); err != nil {
		return err
	}
	return printJSON(out, jobs)
}

func runRemoveJob(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(removeCommand, flag.ContinueOnError)
	sf := bindServerFlags(fs)
	queueName := fs.String("type", "relayer", "Queue holding the job (relayer or indexer)")
	id := fs.String("id", "", "Job id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*id) == "" {
		return fmt.Errorf("--id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	path := "/admin/jobs/" + url.PathEscape(strings.TrimSpace(*id)) + "?type=" + url.QueryEscape(*queueName)
	var ack json.RawMessage
	if err := sf.client().Do(ctx, "DELETE", path, nil, &ack); err != nil {
		return err
	}
	return printJSON(out, ack)
}

func runNonce(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(nonceCommand, flag.ContinueOnError)
	sf := bindServerFlags(fs)
	address := fs.String("address", "", "Buyer address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	normalised, err := crypto.NormalizeAddress(*address)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	var nonce json.RawMessage
	if err := sf.client().Do(ctx, "GET", "/relayer/nonce/"+normalised, nil, &nonce); err != nil {
		return err
	}
	return printJSON(out, nonce)
}

func runSignIntent(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(signCommand, flag.ContinueOnError)
	chainID := fs.Int64("chain-id", defaultChainID, "Chain id of the ClipLicense deployment")
	contract := fs.String("contract", "", "ClipLicense contract address")
	clipID := fs.String("clip", "", "On-chain clip id")
	price := fs.String("price", "", "Price in token base units")
	nonce := fs.Uint64("nonce", 0, "Buyer nonce (see the nonce command)")
	validity := fs.Duration("valid-for", defaultValidity, "How long the intent stays valid")
	keyHex := fs.String("key", "", "Buyer private key as hex")
	keystorePath := fs.String("keystore", "", "Buyer keystore file")
	passEnv := fs.String("pass-env", "RIGHTLY_BUYER_PASSPHRASE", "Environment variable containing the keystore passphrase")
	submit := fs.Bool("submit", false, "Submit the signed intent to relayd")
	sf := bindServerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := crypto.NormalizeAddress(*contract); err != nil {
		return fmt.Errorf("--contract: %w", err)
	}

	key, err := loadKey(*keyHex, *keystorePath, *passEnv, "buyer keystore")
	if err != nil {
		return err
	}
	intent, err := signIntent(crypto.Domain{ChainID: *chainID, VerifyingContract: *contract}, key, *clipID, *price, *nonce, time.Now().Add(*validity))
	if err != nil {
		return err
	}
	if !*submit {
		return printJSON(out, intent)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	var accepted json.RawMessage
	if err := sf.client().Do(ctx, "POST", "/relayer/buy", intent, &accepted); err != nil {
		return err
	}
	return printJSON(out, accepted)
}

func signIntent(domain crypto.Domain, key *crypto.PrivateKey, clipID, price string, nonce uint64, deadline time.Time) (relayer.Intent, error) {
	if strings.TrimSpace(clipID) == "" || strings.TrimSpace(price) == "" {
		return relayer.Intent{}, fmt.Errorf("--clip and --price are required")
	}
	intent := crypto.BuyIntent{
		ClipID:   strings.TrimSpace(clipID),
		Buyer:    key.Address().Hex(),
		Price:    strings.TrimSpace(price),
		Nonce:    nonce,
		Deadline: deadline.Unix(),
	}
	sig, err := crypto.SignBuyIntent(domain, intent, key)
	if err != nil {
		return relayer.Intent{}, fmt.Errorf("sign intent: %w", err)
	}
	return relayer.Intent{BuyIntent: intent, Signature: sig}, nil
}

func runNewKeystore(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keystoreCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", "relayer.keystore", "Output path for the keystore file")
	keyHex := fs.String("key", "", "Import this hex private key instead of generating one")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	var (
		key *crypto.PrivateKey
		err error
	)
	if strings.TrimSpace(*keyHex) != "" {
		key, err = crypto.PrivateKeyFromHex(*keyHex)
	} else {
		key, err = crypto.GeneratePrivateKey()
	}
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, "relayer keystore").Get()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	fmt.Fprintf(out, "Wrote keystore for %s to %s\n", key.Address().Hex(), *keystorePath)
	return nil
}

func loadKey(keyHex, keystorePath, passEnv, label string) (*crypto.PrivateKey, error) {
	switch {
	case strings.TrimSpace(keyHex) != "":
		return crypto.PrivateKeyFromHex(keyHex)
	case strings.TrimSpace(keystorePath) != "":
		pass, err := passphrase.NewSource(passEnv, label).Get()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(keystorePath, pass)
	default:
		return nil, fmt.Errorf("either --key or --keystore is required")
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "relayctl <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintf(w, "  %-13s Show listener state and queue counts\n", statusCommand)
	fmt.Fprintf(w, "  %-13s Show sales, volume and clip totals\n", statsCommand)
	fmt.Fprintf(w, "  %-13s Start the chain event listener\n", startCommand)
	fmt.Fprintf(w, "  %-13s Stop the chain event listener\n", stopCommand)
	fmt.Fprintf(w, "  %-13s Re-scan a block range for purchases\n", replayCommand)
	fmt.Fprintf(w, "  %-13s List relay or index jobs\n", jobsCommand)
	fmt.Fprintf(w, "  %-13s Remove a job that is not being processed\n", removeCommand)
	fmt.Fprintf(w, "  %-13s Show the next intent nonce for a buyer\n", nonceCommand)
	fmt.Fprintf(w, "  %-13s Sign a purchase intent, optionally submitting it\n", signCommand)
	fmt.Fprintf(w, "  %-13s Create an encrypted relayer keystore\n", keystoreCommand)
}
