package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/datalink"
	_ "firestige.xyz/netstack/internal/datalink/sim"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/stack"
)

var pingCmd = &cobra.Command{
	Use:   "ping <ip>",
	Short: "Bring the stack up and send ICMP echo requests",
	Long: `Initialise the stack on the configured datalink device, wait for link and
send echo requests to the target, printing one line per exchange and a summary.

Examples:
  netstack ping 10.0.0.9 -c netstack.yaml
  netstack ping 10.0.0.9 --local-ip 10.0.0.5 --count 3 --budget 500ms`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runPingCommand(args[0]); err != nil {
			exitWithError("ping failed", err)
		}
	},
}

var (
	pingCount    int
	pingBudget   time.Duration
	pingInterval time.Duration
)

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "n", 0,
		"number of echo requests, 0 keeps the configured count")
	pingCmd.Flags().DurationVarP(&pingBudget, "budget", "b", 0,
		"per-exchange budget, 0 keeps the configured budget")
	pingCmd.Flags().DurationVarP(&pingInterval, "interval", "i", -1,
		"pause between requests, negative keeps the configured interval")
}

type pingOptions struct {
	Count    int // 0 = until cancelled
	Budget   time.Duration
	Interval time.Duration
}

type pingSummary struct {
	Sent, Received int
	Unreachable    int
	Min, Max, Sum  uint32
}

func (s pingSummary) loss() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Sent-s.Received) * 100 / float64(s.Sent)
}

func runPingCommand(dst string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	logger := log.GetLogger().WithField("component", "cli")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				logger.WithError(err).Warn("metrics server stop failed")
			}
		}()
	}

	clk := clock.NewSystem()
	dev, err := datalink.Open(cfg.Datalink.Type, cfg.Datalink.Options, clk)
	if err != nil {
		return err
	}

	st := stack.New()
	if err := subscribeReports(st, os.Stdout); err != nil {
		return err
	}
	if err := st.Initialise(stack.ConfigFrom(cfg, clk, dev)); err != nil {
		return fmt.Errorf("initialise: %w", err)
	}
	defer func() {
		if err := st.Shutdown(); err != nil {
			logger.WithError(err).Warn("shutdown failed")
		}
	}()
	if err := st.Startup(); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	sum, err := runPing(ctx, st, dst, pingOptionsFrom(cfg), os.Stdout)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"sent":     sum.Sent,
		"received": sum.Received,
	}).Debug("ping finished")
	if sum.Received == 0 {
		return fmt.Errorf("no reply from %s", dst)
	}
	return nil
}

func pingOptionsFrom(cfg *config.GlobalConfig) pingOptions {
	opts := pingOptions{Count: cfg.Ping.Count, Budget: cfg.Ping.Budget, Interval: cfg.Ping.Interval}
	if pingCount > 0 {
		opts.Count = pingCount
	}
	if pingBudget > 0 {
		opts.Budget = pingBudget
	}
	if pingInterval >= 0 {
		opts.Interval = pingInterval
	}
	return opts
}

// subscribeReports prints link transitions and stack faults as they happen.
func subscribeReports(st *stack.Stack, out io.Writer) error {
	if err := st.Subscribe(event.SourcePHY, "cli-link", func(ev event.Event) {
		if e, ok := ev.(*event.LinkStatusChanged); ok {
			state := datalink.LinkDown
			if e.Up {
				state = datalink.LinkUp
			}
			fmt.Fprintf(out, "link %s\n", state)
		}
	}); err != nil {
		return err
	}
	return st.SubscribeErrors("cli-errors", func(e *event.NetworkError) {
		fmt.Fprintf(out, "network error: %v\n", e)
	})
}

// runPing sends opts.Count echo requests, one at a time, and prints a line
// per exchange followed by a summary.
func runPing(ctx context.Context, p Pinger, dst string, opts pingOptions, out io.Writer) (pingSummary, error) {
	var sum pingSummary
	budget := config.Millis(opts.Budget)

	fmt.Fprintf(out, "PING %s budget=%s\n", dst, opts.Budget)
	for i := 1; opts.Count == 0 || i <= opts.Count; i++ {
		if ctx.Err() != nil {
			break
		}
		sum.Sent++
		rtt, err := p.Ping(dst, budget)
		switch {
		case err == nil:
			sum.Received++
			sum.Sum += rtt
			if sum.Received == 1 || rtt < sum.Min {
				sum.Min = rtt
			}
			if rtt > sum.Max {
				sum.Max = rtt
			}
			fmt.Fprintf(out, "reply from %s: seq=%d time=%dms\n", dst, i, rtt)
		case errors.Is(err, core.ErrUnreachable):
			sum.Unreachable++
			fmt.Fprintf(out, "%s unreachable: seq=%d\n", dst, i)
		case errors.Is(err, core.ErrTimedOut):
			fmt.Fprintf(out, "request timed out: seq=%d\n", i)
		default:
			return sum, err
		}

		if opts.Count != 0 && i == opts.Count {
			break
		}
		if opts.Interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.Interval):
			}
		}
	}

	fmt.Fprintf(out, "--- %s ping statistics ---\n", dst)
	fmt.Fprintf(out, "%d sent, %d received, %.1f%% loss\n", sum.Sent, sum.Received, sum.loss())
	if sum.Received > 0 {
		fmt.Fprintf(out, "rtt min/avg/max = %d/%d/%d ms\n", sum.Min, sum.Sum/uint32(sum.Received), sum.Max)
	}
	return sum, nil
}
