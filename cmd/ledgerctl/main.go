package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/pedro-hbl/gopher-ledger/internal/account"
	"github.com/pedro-hbl/gopher-ledger/internal/backend"
	"github.com/pedro-hbl/gopher-ledger/internal/config"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/spf13/cobra"
)

// app carries what every subcommand needs once the root command has loaded
// configuration and opened the backends.
type app struct {
	configFile string

	cfg   *config.Config
	store ledger.Store
	txlog ledger.TransactionLog
	svc   *account.Service
}

func (a *app) open(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, txlog, err := backend.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	a.cfg, a.store, a.txlog = cfg, store, txlog
	a.svc = account.NewService(store, txlog, account.WithLogger(logger))
	return nil
}

func (a *app) close(cmd *cobra.Command, args []string) error {
	if a.store == nil {
		return nil
	}
	return backend.Close(a.store, a.txlog)
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:                "ledgerctl",
		Short:              "Manage ledger accounts, deposits, transfers and wallets",
		SilenceUsage:       true,
		PersistentPreRunE:  a.open,
		PersistentPostRunE: a.close,
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", os.Getenv("LEDGER_CONFIG_FILE"), "config file (yaml, json or toml)")

	root.AddCommand(
		newInitCommand(a),
		newAddUserCommand(a),
		newDepositCommand(a),
		newTransferCommand(a),
		newWalletAddCommand(a),
		newWalletCommand(a),
		newAccountsCommand(a),
		newTransactionsCommand(a),
		newExportCommand(a),
		newChartCommand(a),
		newBenchCommand(a),
	)
	return root
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime)

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
