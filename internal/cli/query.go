package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fodinet/fodibank/internal/daemon"
	"github.com/fodinet/fodibank/internal/domain"
)

// ─── Read-Only Commands ─────────────────────────────────────────────────────
// These open the store directly, so they work against a stopped daemon.

var queryLimit int

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(auditCmd)

	historyCmd.Flags().IntVar(&queryLimit, "limit", 20, "max transactions to print")
	auditCmd.Flags().IntVar(&queryLimit, "limit", 20, "max audit records to print")
}

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Print a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, l, err := daemon.OpenReadOnly(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		bal, err := l.GetBalance(args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "USER\tAVAILABLE\tLOCKED\tTOTAL\tUPDATED\n")
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n",
			bal.UserID, bal.Available, bal.Locked, bal.Total(), formatMs(bal.UpdatedAt))
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "Print a user's transaction history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, l, err := daemon.OpenReadOnly(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		txs, _, err := l.History(args[0], queryLimit, nil)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "CREATED\tKIND\tAMOUNT\tSTATUS\tCOUNTERPARTY\tREASON\n")
		for _, tx := range txs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				formatMs(tx.CreatedAt), tx.Kind, tx.Amount, tx.Status, tx.Counterparty, tx.Reason)
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print ledger-wide counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, l, err := daemon.OpenReadOnly(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		st, err := l.CollectStats()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "balances\t%d\n", st.Balances)
		fmt.Fprintf(w, "transactions\t%d\n", st.Transactions)
		for _, status := range []domain.TxStatus{
			domain.StatusPending, domain.StatusApplied, domain.StatusReflecting,
			domain.StatusConfirmed, domain.StatusFailed,
		} {
			if n := st.ByStatus[status]; n > 0 {
				fmt.Fprintf(w, "  %s\t%d\n", status, n)
			}
		}
		fmt.Fprintf(w, "reflect queue\t%d\n", st.ReflectQueue)
		return w.Flush()
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Print reconciliation mismatches, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, l, err := daemon.OpenReadOnly(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := l.AuditRecords(queryLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("no mismatches recorded")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "CHECKED\tTX\tFIELD\tEXPECTED\tACTUAL\n")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				formatMs(rec.CheckedAt), rec.TxID, rec.Field, rec.Expected, rec.Actual)
		}
		return w.Flush()
	},
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
