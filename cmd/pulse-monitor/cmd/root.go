package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	adtpulse "github.com/rsnodgrass/go-adtpulse"
	"github.com/rsnodgrass/go-adtpulse/internal/config"
	"github.com/rsnodgrass/go-adtpulse/internal/service/monitor"
	"github.com/rsnodgrass/go-adtpulse/internal/version"
)

var (
	// configPath stores the path to the configuration YAML file.
	configPath string
	// armMode selects the arm mode for the arm subcommand.
	armMode string
	// forceArm bypasses open sensors when arming.
	forceArm bool
	// fingerprintJSON is an optional fingerprint JSON file captured from
	// a signed-in browser.
	fingerprintJSON string

	// rootCmd represents the base command watching the alarm system.
	rootCmd = &cobra.Command{
		Use:   "pulse-monitor [portal-host]",
		Short: "Watch an ADT Pulse alarm system and log every state change.",
		Long: `Signs in to the ADT Pulse portal with the configured credentials, keeps the
session alive and polls the portal's change detector. Panel, gateway and
zone states are logged whenever they change.

The portal host can be provided as argument to override the configuration,
for example https://portal-ca.adtpulse.com for Canadian accounts.
Stop with Ctrl+C; the portal session is signed out on the way down.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return monitor.Run(ctx, optionsFromArgs(args))
		},
	}

	// armCmd issues a one-shot arm command.
	armCmd = &cobra.Command{
		Use:   "arm [portal-host]",
		Short: "Arm the panel and exit.",
		Long: `Signs in, asks the panel to arm in the selected mode and exits once the
portal accepts the command. The panel confirms on its own schedule; away
arming sits in the exit delay first.

With open sensors the panel refuses to arm unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			// Reject unknown modes before signing in.
			mode := adtpulse.ArmMode(armMode)
			if mode.TargetState() == adtpulse.StateUnknown {
				return fmt.Errorf("unknown arm mode %q, use away or stay", armMode)
			}

			return monitor.Arm(ctx, optionsFromArgs(args), mode, forceArm)
		},
	}

	// disarmCmd issues a one-shot disarm command.
	disarmCmd = &cobra.Command{
		Use:   "disarm [portal-host]",
		Short: "Disarm the panel and exit.",
		Long: `Signs in, asks the panel to disarm and exits once the portal accepts the
command. Disarming an already disarmed panel is a no-op.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return monitor.Disarm(ctx, optionsFromArgs(args))
		},
	}

	// fingerprintCmd helps set up the multi-factor bypass.
	fingerprintCmd = &cobra.Command{
		Use:   "fingerprint",
		Short: "Generate or convert a browser fingerprint for sign-in.",
		Long: `Prints a randomly generated browser fingerprint, or converts a fingerprint
JSON blob captured from a signed-in browser session with --from-json.

Register the fingerprint by completing the portal's multi-factor challenge
in a browser once; afterwards sign-ins with that fingerprint stay off the
multi-factor path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fingerprintJSON == "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), adtpulse.GenerateFingerprint())

				return nil
			}

			data, err := os.ReadFile(fingerprintJSON)
			if err != nil {
				return fmt.Errorf("read fingerprint JSON: %w", err)
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), adtpulse.FingerprintFromBrowserJSON(data))

			return nil
		},
	}
)

// optionsFromArgs builds monitor options, treating an optional positional
// argument as a portal host override.
func optionsFromArgs(args []string) *monitor.Options {
	opts := &monitor.Options{ConfigPath: configPath}
	if len(args) > 0 {
		opts.Host = args[0]
	}

	return opts
}

// Execute runs the pulse-monitor CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)
	rootCmd.AddCommand(armCmd, disarmCmd, fingerprintCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// The config flag applies to the root command and every subcommand.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")

	armCmd.Flags().StringVarP(&armMode, "mode", "m", string(adtpulse.ModeAway), "arm mode, away or stay")
	armCmd.Flags().BoolVarP(&forceArm, "force", "f", false, "arm even with open sensors")

	fingerprintCmd.Flags().
		StringVarP(&fingerprintJSON, "from-json", "j", "", "fingerprint JSON captured from a signed-in browser")
}
