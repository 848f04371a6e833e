package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtpsim/voicestage/internal/orchestrator"
	"github.com/dtpsim/voicestage/internal/session"
)

var (
	runCase     string
	runDuration time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one session in the terminal",
	Long: `Run one timed session against the configured services, printing the
transcript as it grows. Type a line to send a text turn, or:

  /stop      end the current capture and send it now
  /finalize  end the session and submit the final recording
  /retry     resend a failed final submission

Ctrl-C finalizes the session; a second Ctrl-C abandons it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if runDuration > 0 {
			cfg.SessionDuration = runDuration
		}
		cases, err := loadCatalog(cfg.CasesFile)
		if err != nil {
			return err
		}
		if runCase == "" {
			list := cases.List()
			if len(list) == 0 {
				return fmt.Errorf("catalog is empty")
			}
			runCase = list[0].ID
		}
		cs, err := cases.Get(runCase)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		mgr := orchestrator.New(ctx, cfg, cases, orchestrator.NewDeps(cfg))
		defer mgr.Shutdown()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, formatCase(cs))

		c, err := mgr.Start(ctx, cs.ID)
		if err != nil {
			return err
		}
		events, unsubscribe := c.Subscribe()
		defer unsubscribe()

		fmt.Fprintln(out, helpStyle.Render(fmt.Sprintf("Session %s started, %s on the clock. Speak when ready.", c.ID(), formatClock(c.State().RemainingSeconds))))

		sig := make(chan os.Signal, 2)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		go readCommands(cmd.InOrStdin(), out, c)

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					c.Wait()
					return nil
				}
				if line, show := formatEvent(ev); show {
					fmt.Fprintln(out, line)
				}
			case <-sig:
				if !c.Finalize() {
					fmt.Fprintln(out, errorStyle.Render("Abandoning session."))
					c.Close()
				}
			}
		}
	},
}

func readCommands(in io.Reader, out io.Writer, c *session.Controller) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var err error
		switch line {
		case "/stop":
			if !c.ForceStopCapture() {
				fmt.Fprintln(out, helpStyle.Render("No capture in progress."))
			}
		case "/finalize":
			c.Finalize()
		case "/retry":
			err = c.RetryFinalize()
		default:
			err = c.SendText(line)
		}
		if err != nil {
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
		}
	}
}

func init() {
	runCmd.Flags().StringVar(&runCase, "case", "", "case id (default: first case in the catalog)")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "session length (default: SESSION_SECONDS)")
}
