package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/loanledger/pkg/client"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL string
	cfgFile   string
	format    string
	timeout   time.Duration
)

// errChainInvalid is returned by verify when any chain is broken.
var errChainInvalid = errors.New("one or more chains failed verification")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Loan event ledger CLI",
	Long: `ledgerctl records and audits loan lifecycle events on a ledger service.

Every loan has its own hash-chained, append-only history. ledgerctl can
append events, print a chain, and ask the service to verify it.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.ledgerctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "url", "", "ledger service URL (default $LEDGER_URL or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(entryCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(ledgerURL, client.WithTimeout(timeout), client.WithUserAgent("ledgerctl/"+version))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendType     string
	appendData     string
	appendDataFile string
	appendAmount   string
	appendBy       string
	appendIP       string
)

var appendCmd = &cobra.Command{
	Use:   "append <loan-id>",
	Short: "Append one event to a loan's chain",
	Long: `Append records a single lifecycle event. The payload is a JSON object
whose shape depends on the event type:

  ledgerctl append LN-2041 --type PAYMENT_RECEIVED \
    --data '{"emiNumber":3,"paymentDate":"2026-05-05","transactionId":"TXN-1"}' \
    --amount 15000 --by system`,
	Args: cobra.ExactArgs(1),
	RunE: runAppend,
}

func init() {
	appendCmd.Flags().StringVar(&appendType, "type", "", "event type, e.g. LOAN_CREATED (required)")
	appendCmd.Flags().StringVar(&appendData, "data", "", "event data as a JSON object")
	appendCmd.Flags().StringVar(&appendDataFile, "data-file", "", "read event data from a file (- for stdin)")
	appendCmd.Flags().StringVar(&appendAmount, "amount", "", "monetary amount attached to the event")
	appendCmd.Flags().StringVar(&appendBy, "by", "", "actor performing the event (required)")
	appendCmd.Flags().StringVar(&appendIP, "ip", "", "originating IP address (defaults to the caller's address)")
	_ = appendCmd.MarkFlagRequired("type")
	_ = appendCmd.MarkFlagRequired("by")
	appendCmd.MarkFlagsMutuallyExclusive("data", "data-file")
}

func runAppend(cmd *cobra.Command, args []string) error {
	raw, err := readEventData(cmd.InOrStdin())
	if err != nil {
		return err
	}

	req := client.AppendRequest{
		EventType:   appendType,
		EventData:   raw,
		PerformedBy: appendBy,
		IPAddress:   appendIP,
	}
	if appendAmount != "" {
		amt, err := decimal.NewFromString(appendAmount)
		if err != nil {
			return fmt.Errorf("invalid --amount %q: %w", appendAmount, err)
		}
		req.Amount = &amt
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	entry, err := c.Append(cmd.Context(), args[0], req)
	if err != nil {
		if errors.Is(err, client.ErrConflict) {
			return fmt.Errorf("append not written, chain is contended; retry: %w", err)
		}
		return err
	}

	if format == "json" {
		return printJSON(cmd.OutOrStdout(), entry)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Loan:      %s\n", entry.LoanID)
	fmt.Fprintf(out, "Sequence:  %d\n", entry.SequenceNum)
	fmt.Fprintf(out, "Event:     %s\n", entry.EventType)
	fmt.Fprintf(out, "Timestamp: %s\n", entry.Timestamp.Format(time.RFC3339Nano))
	fmt.Fprintf(out, "Hash:      %s\n", entry.CurrentHash)
	return nil
}

func readEventData(stdin io.Reader) (json.RawMessage, error) {
	var b []byte
	switch {
	case appendDataFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read event data from stdin: %w", err)
		}
		b = data
	case appendDataFile != "":
		data, err := os.ReadFile(appendDataFile)
		if err != nil {
			return nil, fmt.Errorf("read event data: %w", err)
		}
		b = data
	case appendData != "":
		b = []byte(appendData)
	default:
		b = []byte("{}")
	}
	if !json.Valid(b) {
		return nil, errors.New("event data is not valid JSON")
	}
	return json.RawMessage(b), nil
}

// ── read ─────────────────────────────────────────────────────────────────────

var readCmd = &cobra.Command{
	Use:   "read <loan-id>",
	Short: "Print a loan's full chain in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.Read(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if format == "json" {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no entries for loan %s\n", args[0])
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tEVENT\tAMOUNT\tBY\tTIMESTAMP\tHASH")
		for _, e := range entries {
			amount := "-"
			if e.Amount != nil {
				amount = e.Amount.String()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.SequenceNum, e.EventType, amount, e.PerformedBy,
				e.Timestamp.Format(time.RFC3339), shortHash(e.CurrentHash))
		}
		return w.Flush()
	},
}

var entryCmd = &cobra.Command{
	Use:   "entry <loan-id> <seq>",
	Short: "Print a single entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || seq < 1 {
			return fmt.Errorf("seq must be a positive integer, got %q", args[1])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		entry, err := c.Entry(cmd.Context(), args[0], seq)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), entry)
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyConcurrency int

var verifyCmd = &cobra.Command{
	Use:   "verify <loan-id> [loan-id] ...",
	Short: "Verify one or more chains; exits non-zero if any is broken",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().IntVar(&verifyConcurrency, "concurrency", 4, "chains verified in parallel")
}

func runVerify(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	results := make([]*client.VerificationResult, len(args))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(verifyConcurrency, 1))
	for i, loanID := range args {
		i, loanID := i, loanID
		g.Go(func() error {
			res, err := c.Verify(ctx, loanID)
			if err != nil {
				return fmt.Errorf("verify %s: %w", loanID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	allValid := true
	for _, r := range results {
		allValid = allValid && r.IsValid
	}

	if format == "json" {
		var v any = results
		if len(results) == 1 {
			v = results[0]
		}
		if err := printJSON(cmd.OutOrStdout(), v); err != nil {
			return err
		}
	} else {
		printVerifyText(cmd.OutOrStdout(), results)
	}

	if !allValid {
		return errChainInvalid
	}
	return nil
}

func printVerifyText(out io.Writer, results []*client.VerificationResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOAN\tVALID\tENTRIES\tINVALID\tBROKEN")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%t\t%d\t%v\t%t\n", r.LoanID, r.IsValid, r.TotalEntries, r.InvalidEntries, r.BrokenChain)
	}
	w.Flush()

	for _, r := range results {
		for _, msg := range r.Errors {
			fmt.Fprintf(out, "%s: %s\n", r.LoanID, msg)
		}
	}
}

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head <loan-id>",
	Short: "Print a chain's length and tail hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		head, err := c.Head(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(cmd.OutOrStdout(), head)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loan:    %s\nEntries: %d\nHead:    %s\n", head.LoanID, head.Entries, head.Head)
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ledgerctl %s\n", version)
	},
}

