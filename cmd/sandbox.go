package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/followup-payments/internal/mpesa"
	"github.com/frahmantamala/followup-payments/internal/mpesa/sandbox"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Run a local STK push gateway",
	Long:  `Run a Daraja-compatible gateway that accepts STK pushes and delivers callbacks from a worker pool`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startSandbox()
	},
}

var sandboxCallbackCmd = &cobra.Command{
	Use:   "callback",
	Short: "Send a hand-crafted STK callback",
	Long:  `Post a callback envelope to a running server, e.g. to settle a transaction by hand`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCallback(cmd.Context())
	},
}

var (
	maxWorkers    int
	jobQueueSize  int
	sandboxPort   int
	successRate   float64
	callbackDelay time.Duration

	callbackURL        string
	callbackCheckoutID string
	callbackMerchantID string
	callbackResultCode int
	callbackResultDesc string
	callbackAmount     int64
	callbackPhone      string
)

func startSandbox() error {
	config, err := loadConfig(configDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	lg := initLogger(config)

	sc := config.Sandbox
	cfg := sandbox.Config{
		ConsumerKey:    getStringFlag(sc.ConsumerKey, config.Mpesa.ConsumerKey),
		ConsumerSecret: getStringFlag(sc.ConsumerSecret, config.Mpesa.ConsumerSecret),
		ShortCode:      config.Mpesa.ShortCode,
		Passkey:        config.Mpesa.Passkey,
		MaxWorkers:     getIntFlag(maxWorkers, sc.MaxWorkers),
		JobQueueSize:   getIntFlag(jobQueueSize, sc.JobQueueSize),
		CallbackDelay:  sc.CallbackDelay,
		Decider:        sandbox.RandomDecider(sc.SuccessRate),
		Location:       config.Mpesa.Location(),
	}
	if callbackDelay > 0 {
		cfg.CallbackDelay = callbackDelay
	}
	if successRate > 0 {
		cfg.Decider = sandbox.RandomDecider(successRate)
	}
	if cfg.ConsumerKey == "" || cfg.ShortCode == "" || cfg.Passkey == "" {
		return errors.New("sandbox needs mpesa.short_code, mpesa.passkey and a consumer key")
	}

	gateway := sandbox.New(cfg, lg)

	addr := fmt.Sprintf(":%d", getIntFlag(sandboxPort, sc.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	lg.Info("starting sandbox gateway",
		"address", addr,
		"max_workers", cfg.MaxWorkers,
		"job_queue_size", cfg.JobQueueSize,
		"callback_delay", cfg.CallbackDelay)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		lg.Info("received signal, shutting down sandbox", "signal", sig.String())
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("sandbox failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		lg.Error("sandbox shutdown error", "error", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		gateway.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		lg.Info("sandbox worker pool shutdown complete")
	case <-ctx.Done():
		lg.Warn("shutdown timeout reached, forcing exit")
	}
	return nil
}

func sendCallback(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if callbackURL == "" || callbackCheckoutID == "" {
		return errors.New("--url and --checkout-request-id are required")
	}

	outcome := sandbox.Outcome{ResultCode: callbackResultCode, ResultDesc: callbackResultDesc}
	if outcome.ResultDesc == "" {
		switch callbackResultCode {
		case mpesa.ResultCodeSuccess:
			outcome.ResultDesc = "The service request is processed successfully."
		case mpesa.ResultCodeCancelledByUser:
			outcome.ResultDesc = "Request cancelled by user"
		default:
			outcome.ResultDesc = fmt.Sprintf("Request failed with result code %d", callbackResultCode)
		}
	}

	envelope := sandbox.BuildCallback(sandbox.Job{
		CheckoutRequestID: callbackCheckoutID,
		MerchantRequestID: callbackMerchantID,
		PhoneNumber:       callbackPhone,
		Amount:            callbackAmount,
	}, outcome, time.Now())

	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := sandbox.PostCallback(ctx, &http.Client{Timeout: 10 * time.Second}, callbackURL, body); err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	fmt.Printf("callback for %s delivered (result code %d)\n", callbackCheckoutID, callbackResultCode)
	return nil
}

func getStringFlag(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	sandboxCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of workers (overrides config)")
	sandboxCmd.Flags().IntVar(&jobQueueSize, "job-queue-size", 0, "Job queue buffer size (overrides config)")
	sandboxCmd.Flags().IntVar(&sandboxPort, "port", 0, "Listen port (overrides config)")
	sandboxCmd.Flags().Float64Var(&successRate, "success-rate", 0, "Share of pushes that succeed (overrides config)")
	sandboxCmd.Flags().DurationVar(&callbackDelay, "callback-delay", 0, "Delay before the callback is sent (overrides config)")

	sandboxCallbackCmd.Flags().StringVar(&callbackURL, "url", "", "callback URL of the payments server")
	sandboxCallbackCmd.Flags().StringVar(&callbackCheckoutID, "checkout-request-id", "", "CheckoutRequestID to settle")
	sandboxCallbackCmd.Flags().StringVar(&callbackMerchantID, "merchant-request-id", "", "MerchantRequestID to report")
	sandboxCallbackCmd.Flags().IntVar(&callbackResultCode, "result-code", 0, "result code, 0 for success")
	sandboxCallbackCmd.Flags().StringVar(&callbackResultDesc, "result-desc", "", "result description")
	sandboxCallbackCmd.Flags().Int64Var(&callbackAmount, "amount", 1, "amount reported on success")
	sandboxCallbackCmd.Flags().StringVar(&callbackPhone, "phone", "254700000000", "payer MSISDN reported on success")

	sandboxCmd.AddCommand(sandboxCallbackCmd)
}
