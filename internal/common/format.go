package common

import (
	"fmt"
	"io"
	"strings"

	"creditgen-go/internal/models"
)

const (
	DefaultWidth = 80
	boxWidth     = DefaultWidth - 2
	timeLayout   = "2006-01-02 15:04:05"
)

// Report renders the box-drawn CLI output used by the operator commands.
type Report struct {
	w     io.Writer
	width int
}

func NewReport(w io.Writer) *Report {
	return &Report{w: w, width: DefaultWidth}
}

func (r *Report) rule(char string) {
	fmt.Fprintln(r.w, strings.Repeat(char, r.width))
}

func (r *Report) Header(title string) {
	fmt.Fprintln(r.w)
	r.rule("=")
	fmt.Fprintln(r.w, title)
	r.rule("=")
}

func (r *Report) Footer(message string) {
	fmt.Fprintln(r.w)
	r.rule("=")
	fmt.Fprintln(r.w, message)
	r.rule("=")
	fmt.Fprintln(r.w)
}

// Field prints an aligned "label: value" line.
func (r *Report) Field(label string, value any) {
	fmt.Fprintf(r.w, "%-13s%v\n", label+":", value)
}

// Section opens a box-drawn block for one user.
func (r *Report) Section(userId string, balance int64) {
	fmt.Fprintf(r.w, "\n┌─ User: %s\n", userId)
	fmt.Fprintf(r.w, "│  Balance: %d credits\n", balance)
}

func (r *Report) Transactions(transactions []models.CreditTransaction) {
	fmt.Fprintf(r.w, "│  Transactions: %d\n", len(transactions))
	fmt.Fprintln(r.w, "├"+strings.Repeat("─", boxWidth))
	for i, txn := range transactions {
		fmt.Fprintf(r.w, "%s %-8s %+8d  %6d -> %-6d (ref: %s, at: %s)\n",
			boxPrefix(i == len(transactions)-1),
			txn.TransactionType,
			SignedCredits(txn),
			txn.BalanceBefore,
			txn.BalanceAfter,
			orNone(txn.Reference),
			txn.CreatedAt.Format(timeLayout))
	}
}

func (r *Report) Jobs(jobs []models.JobRecord) {
	fmt.Fprintf(r.w, "\n│  Jobs: %d\n", len(jobs))
	fmt.Fprintln(r.w, "├"+strings.Repeat("─", boxWidth))
	for i, job := range jobs {
		isLast := i == len(jobs)-1
		fmt.Fprintf(r.w, "%s %-11s %-10s %-11s charged %d (provider: %s, created: %s)\n",
			boxPrefix(isLast),
			ShortId(job.Id),
			job.Kind,
			job.State,
			job.NetCharge(),
			ShortId(job.ProviderJobId),
			job.CreatedAt.Format(timeLayout))
		if job.ErrorMessage != "" {
			fmt.Fprintf(r.w, "%s    error: %s\n", detailPrefix(isLast), job.ErrorMessage)
		}
		if job.ArtifactReference != "" {
			fmt.Fprintf(r.w, "%s    artifact: %s\n", detailPrefix(isLast), job.ArtifactReference)
		}
	}
}

// ShortId truncates ids for table output.
func ShortId(id string) string {
	if id == "" {
		return "none"
	}
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}

// SignedCredits returns the balance delta of a ledger entry.
func SignedCredits(txn models.CreditTransaction) int64 {
	if txn.TransactionType == models.CreditTypeDebit {
		return -txn.Amount
	}
	return txn.Amount
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func boxPrefix(isLast bool) string {
	if isLast {
		return "└  "
	}
	return "│  "
}

func detailPrefix(isLast bool) string {
	if isLast {
		return "   "
	}
	return "│  "
}
