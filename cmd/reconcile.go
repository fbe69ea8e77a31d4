package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/followup-payments/internal"
	"github.com/frahmantamala/followup-payments/internal/poller"
)

var reconcileWait bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <checkoutRequestId>",
	Short: "Settle a pending payment from the gateway's status query",
	Long:  `Query the gateway for a pending transaction and settle it when the gateway reports a result. Use it when a callback never arrived.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(args[0])
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileWait, "wait", false, "keep querying until the payment settles or poller.max_attempts is reached")
}

func runReconcile(checkoutRequestID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := initializeDependencies(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	if !reconcileWait {
		res, err := deps.Service.Reconcile(ctx, checkoutRequestID)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s %s\n", checkoutRequestID, res.Status, res.ResultDesc)
		return nil
	}

	fetch := poller.FetcherFunc(func(ctx context.Context, id string) (poller.Snapshot, error) {
		res, err := deps.Service.Reconcile(ctx, id)
		if err != nil {
			if appErr, ok := internal.IsAppError(err); ok && appErr.StatusCode == http.StatusNotFound {
				return poller.Snapshot{}, fmt.Errorf("%w: %w", poller.ErrNotFound, err)
			}
			return poller.Snapshot{}, err
		}
		return poller.Snapshot{Status: string(res.Status), ResultDesc: res.ResultDesc}, nil
	})

	p := poller.New(fetch, poller.Config{
		Interval:    deps.Config.Poller.Interval,
		MaxAttempts: deps.Config.Poller.MaxAttempts,
		Logger:      deps.Logger,
	})
	res, err := p.Wait(ctx, checkoutRequestID)
	if err != nil {
		return err
	}
	printPollResult(checkoutRequestID, res)
	return nil
}
