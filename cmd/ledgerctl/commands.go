package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pedro-hbl/gopher-ledger/internal/report"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func parseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return amount, nil
}

func newInitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the ledger file, tables or databases the configured backends need",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// the root command already ran Initialize on both backends
			fmt.Fprintf(cmd.OutOrStdout(), "Ledger ready (store=%s, log=%s)\n", a.cfg.Store.Backend, a.cfg.Log.Backend)
			return nil
		},
	}
}

func newAddUserCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "add-user <username>",
		Short: "Create an account with zero balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.svc.CreateAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "User added successfully!")
			return nil
		},
	}
}

func newDepositCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <username> <amount>",
		Short: "Add funds to an account balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			if err := a.svc.Deposit(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deposited %s to %s\n", amount, args[0])
			return nil
		},
	}
}

func newTransferCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <from> <to> <amount>",
		Short: "Move funds between two account balances",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			if err := a.svc.Transfer(cmd.Context(), args[0], args[1], amount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transferred %s from %s to %s\n", amount, args[0], args[1])
			return nil
		},
	}
}

func newWalletAddCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet-add <username> <amount>",
		Short: "Top up a wallet, subject to the monthly limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			if err := a.svc.AddToWallet(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s to %s's wallet\n", amount, args[0])
			return nil
		},
	}
}

func newWalletCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "wallet <username>",
		Short: "Show a wallet balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := a.svc.WalletBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), balance)
			return nil
		},
	}
}

func newAccountsCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := a.svc.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(accounts)
			}
			report.WriteAccountsTable(cmd.OutOrStdout(), accounts)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newTransactionsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transactions",
		Short: "Print the transaction log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.svc.ExportTransactions(cmd.Context())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newExportCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the raw ledger state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.svc.ExportLedger(cmd.Context())
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newChartCommand(a *app) *cobra.Command {
	var (
		output string
		metric string
	)
	cmd := &cobra.Command{
		Use:   "chart",
		Short: "Render account balances or wallets as a PNG bar chart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := report.Metric(metric)
			if m != report.BalanceMetric && m != report.WalletMetric {
				return fmt.Errorf("unknown metric %q (want balance or wallet)", metric)
			}
			accounts, err := a.svc.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			var png bytes.Buffer
			if err := report.RenderBalancesChart(&png, accounts, m); err != nil {
				return err
			}
			if err := os.WriteFile(output, png.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write chart file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chart saved to: %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "balances.png", "output PNG file")
	cmd.Flags().StringVar(&metric, "metric", string(report.BalanceMetric), "balance or wallet")
	return cmd
}
