package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pedro-hbl/gopher-ledger/internal/report"
	"github.com/pedro-hbl/gopher-ledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type benchOptions struct {
	users       int
	operations  int
	concurrency int
	amount      string
}

func newBenchCommand(a *app) *cobra.Command {
	opts := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive concurrent deposits and transfers against the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, a, opts)
		},
	}
	cmd.Flags().IntVar(&opts.users, "users", 10, "number of bench-NNN accounts to use")
	cmd.Flags().IntVar(&opts.operations, "ops", 200, "number of operations to run")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 10, "number of concurrent workers")
	cmd.Flags().StringVar(&opts.amount, "amount", "1", "amount per deposit or transfer")
	return cmd
}

func runBench(cmd *cobra.Command, a *app, opts benchOptions) error {
	if opts.users < 2 || opts.operations < 1 || opts.concurrency < 1 {
		return errors.New("bench needs at least 2 users, 1 operation and 1 worker")
	}
	amount, err := parseAmount(opts.amount)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	users := make([]string, opts.users)
	for i := range users {
		users[i] = fmt.Sprintf("bench-%03d", i)
		if _, err := a.svc.CreateAccount(ctx, users[i]); err != nil && !errors.Is(err, ledger.ErrDuplicateUser) {
			return err
		}
	}
	// Account setup is not part of the measured run
	a.svc.Metrics().Reset()

	jobs := make(chan int, opts.operations)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)

	start := time.Now()
	for w := 0; w < opts.concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := benchOperation(cmd, a, users, i, amount); err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
				}
			}
		}()
	}
	for i := 0; i < opts.operations; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	report.WriteMetricsTable(out, a.svc.Metrics().Summary())
	fmt.Fprintf(out, "%d operations (%d rejected) in %v, %.2f ops/sec\n",
		opts.operations, failures, elapsed.Round(time.Millisecond), float64(opts.operations)/elapsed.Seconds())
	return nil
}

// benchOperation runs a deposit for two of every three jobs and a transfer to
// the next account for the third.
func benchOperation(cmd *cobra.Command, a *app, users []string, i int, amount decimal.Decimal) error {
	from := users[i%len(users)]
	if i%3 != 2 {
		return a.svc.Deposit(cmd.Context(), from, amount)
	}
	to := users[(i+1)%len(users)]
	return a.svc.Transfer(cmd.Context(), from, to, amount)
}
