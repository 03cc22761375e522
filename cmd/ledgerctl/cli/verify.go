package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// Exit codes shared by ledgerctl commands.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitAnomalies = 10
)

// Verifier runs the integrity sweep.
type Verifier interface {
	Verify(ctx context.Context, batch int) (ledger.IntegrityReport, error)
}

// VerifyOptions defines available flags for the verify command.
type VerifyOptions struct {
	Batch      int
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// VerifySummary is the JSON form of an integrity report.
type VerifySummary struct {
	OK        bool             `json:"ok"`
	Checked   int              `json:"checked"`
	ByKind    map[string]int   `json:"by_kind"`
	Anomalies []ledger.Anomaly `json:"anomalies"`
}

// VerifyCommand runs the integrity sweep and prints the outcome. It returns
// ExitAnomalies when any record disagrees with its event stream.
func VerifyCommand(ctx context.Context, verifier Verifier, opts VerifyOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Batch < 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "verify: --batch must not be negative")
		return ExitError
	}
	report, err := verifier.Verify(ctx, opts.Batch)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "verify: %v\n", err)
		return ExitError
	}
	summary := buildVerifySummary(report)
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(summary); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "verify: encode json: %v\n", err)
			return ExitError
		}
	} else {
		renderVerifyHuman(opts.Stdout, summary)
	}
	if !summary.OK {
		return ExitAnomalies
	}
	return ExitOK
}

func buildVerifySummary(report ledger.IntegrityReport) VerifySummary {
	anomalies := make([]ledger.Anomaly, len(report.Anomalies))
	copy(anomalies, report.Anomalies)
	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].RecordID == anomalies[j].RecordID {
			return anomalies[i].Kind < anomalies[j].Kind
		}
		return anomalies[i].RecordID < anomalies[j].RecordID
	})
	byKind := make(map[string]int)
	for _, a := range anomalies {
		byKind[string(a.Kind)]++
	}
	return VerifySummary{
		OK:        len(anomalies) == 0,
		Checked:   report.Checked,
		ByKind:    byKind,
		Anomalies: anomalies,
	}
}

func renderVerifyHuman(out io.Writer, summary VerifySummary) {
	_, _ = fmt.Fprintf(out, "Checked %d record(s).\n", summary.Checked)
	if summary.OK {
		_, _ = fmt.Fprintln(out, "All projections match their event streams.")
		return
	}
	_, _ = fmt.Fprintf(out, "%d anomaly(ies) detected:\n", len(summary.Anomalies))
	for _, a := range summary.Anomalies {
		_, _ = fmt.Fprintf(out, " - #%d %s: %s (%s)\n", a.RecordID, a.RecordNo, a.Kind, a.Detail)
	}
}
