package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/kalshi/api"
	"github.com/daszybak/kalshi/internal/kalshi/auth"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "print exchange status and schedule",
		RunE:  runStatus,
	}
	cmd.Flags().String("market", "", "also print the order book of this market")
	cmd.Flags().Int("depth", 5, "order book depth for --market")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	market, err := cmd.Flags().GetString("market")
	if err != nil {
		return err
	}
	depth, err := cmd.Flags().GetInt("depth")
	if err != nil {
		return err
	}

	logger, closer := newLogger(cfg, cmd.ErrOrStderr())
	defer closer.Close()

	// The status endpoints are public; sign only when credentials exist.
	var signer *auth.Signer
	cred, err := cfg.credential()
	if err != nil {
		return err
	}
	if cred != nil {
		if signer, err = auth.NewSigner(cred); err != nil {
			return fmt.Errorf("couldn't build signer: %w", err)
		}
	}
	client, err := newAPIClient(cfg, signer, logger)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	status, err := client.GetExchangeStatus(ctx)
	if err != nil {
		return err
	}
	schedule, err := client.GetExchangeSchedule(ctx)
	if err != nil {
		return err
	}
	printStatus(out, status, schedule)

	if market == "" {
		return nil
	}
	ob, err := client.GetMarketOrderbook(ctx, market, depth)
	if err != nil {
		return err
	}
	printOrderbook(out, market, ob)
	return nil
}

func printStatus(w io.Writer, status *api.ExchangeStatus, schedule *api.ExchangeSchedule) {
	fmt.Fprintf(w, "exchange_active: %t\n", status.ExchangeActive)
	fmt.Fprintf(w, "trading_active:  %t\n", status.TradingActive)
	if status.ExchangeEstimatedResumeTime != nil {
		fmt.Fprintf(w, "resumes_at:      %s\n", *status.ExchangeEstimatedResumeTime)
	}
	fmt.Fprintf(w, "maintenance_windows: %d\n", len(schedule.MaintenanceWindows))
	for _, mw := range schedule.MaintenanceWindows {
		fmt.Fprintf(w, "  %s - %s\n", mw.StartDatetime, mw.EndDatetime)
	}
}

func printOrderbook(w io.Writer, market string, ob *api.Orderbook) {
	fmt.Fprintf(w, "%s\n", market)
	for _, side := range []orderbook.Side{orderbook.Yes, orderbook.No} {
		fmt.Fprintf(w, "  %s:\n", side)
		for _, l := range ob.Levels(side) {
			fmt.Fprintf(w, "    %3d¢ x %d\n", l.Price, l.Size)
		}
	}
}
