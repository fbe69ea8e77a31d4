package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/followup-payments/internal/poller"
)

var (
	pollBaseURL  string
	pollToken    string
	pollInterval time.Duration
	pollAttempts int
)

var pollCmd = &cobra.Command{
	Use:   "poll <checkoutRequestId>",
	Short: "Wait for a payment to settle",
	Long:  `Ask the payments server for a transaction's status until it completes, fails or the attempt budget runs out`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPoll(args[0])
	},
}

func init() {
	pollCmd.Flags().StringVar(&pollBaseURL, "base-url", "", "payments server URL (defaults to localhost and server.port)")
	pollCmd.Flags().StringVar(&pollToken, "token", "", "bearer token for the status endpoint")
	pollCmd.Flags().DurationVar(&pollInterval, "interval", 0, "time between attempts (overrides config)")
	pollCmd.Flags().IntVar(&pollAttempts, "attempts", 0, "maximum attempts (overrides config)")
}

func runPoll(checkoutRequestID string) error {
	config, err := loadConfig(configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	lg := initLogger(config)

	baseURL := pollBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", config.Server.Port)
	}
	interval := config.Poller.Interval
	if pollInterval > 0 {
		interval = pollInterval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := poller.New(poller.NewHTTPFetcher(baseURL, pollToken, nil), poller.Config{
		Interval:    interval,
		MaxAttempts: getIntFlag(pollAttempts, config.Poller.MaxAttempts),
		Logger:      lg,
	})

	res, err := p.Wait(ctx, checkoutRequestID)
	if err != nil {
		return fmt.Errorf("polling %s: %w", checkoutRequestID, err)
	}
	printPollResult(checkoutRequestID, res)
	return nil
}

func printPollResult(checkoutRequestID string, res poller.Result) {
	fmt.Printf("%s: %s\n", checkoutRequestID, res)
	if res.Outcome == poller.OutcomeTimeout {
		if res.LastErr != nil {
			fmt.Printf("last error: %v\n", res.LastErr)
		}
		fmt.Println("the payment is still pending; verify it manually before retrying")
	}
}
