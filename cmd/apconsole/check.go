package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/apconsole/internal/config"
	"github.com/goodtune/apconsole/internal/policy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkUser   string
	checkRole   string
	checkAction string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check policy decisions interactively",
	Long:  `Check what authorization decisions apconsole would make for admin API requests.`,
}

var checkAccessCmd = &cobra.Command{
	Use:   "access [flags] METHOD PATH",
	Short: "Check admin API access decision",
	Long:  `Evaluate the configured policy for an API request made by the given user.`,
	Example: `  apconsole -c config.yaml check access --user alice --role user GET /api/devices
  apconsole check access --user bob --role admin --action add POST /api/users`,
	Args: cobra.ExactArgs(2),
	RunE: runCheckAccess,
}

func init() {
	checkAccessCmd.Flags().StringVar(&checkUser, "user", "", "Username making the request (empty means unauthenticated)")
	checkAccessCmd.Flags().StringVar(&checkRole, "role", "user", "Role of the user (admin or user)")
	checkAccessCmd.Flags().StringVar(&checkAction, "action", "", "JSON action of a POST body (add, delete, update, clear)")

	checkCmd.AddCommand(checkAccessCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckAccess(cmd *cobra.Command, args []string) error {
	req := policy.Request{
		Authenticated: checkUser != "",
		Username:      checkUser,
		Role:          strings.ToLower(checkRole),
		Method:        strings.ToUpper(args[0]),
		Path:          args[1],
		Action:        checkAction,
	}
	if !strings.HasPrefix(req.Path, "/") {
		return fmt.Errorf("invalid path: %s", req.Path)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	engine, err := policy.NewEngine(policy.Config{
		File:               cfg.Policy.File,
		AdminOnlyMutations: cfg.Policy.AdminOnlyMutations,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	allowed := engine.Allow(context.Background(), req)
	printAccessResult(cmd.OutOrStdout(), engine.Source(), req, allowed)

	return nil
}

// printAccessResult prints the access check result with colors
func printAccessResult(w io.Writer, source string, req policy.Request, allowed bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Fprintln(w, "Access Check")
	_, _ = fmt.Fprintf(w, "  Request: %s %s\n", req.Method, req.Path)
	if req.Action != "" {
		_, _ = fmt.Fprintf(w, "  Action:  %s\n", req.Action)
	}
	if req.Authenticated {
		_, _ = fmt.Fprintf(w, "  User:    %s (%s)\n", req.Username, req.Role)
	} else {
		_, _ = fmt.Fprintln(w, "  User:    (unauthenticated)")
	}
	_, _ = fmt.Fprintf(w, "  Policy:  %s\n", source)
	_, _ = fmt.Fprintln(w)

	if allowed {
		_, _ = green.Fprintln(w, "  Decision: ALLOW")
	} else {
		_, _ = red.Fprintln(w, "  Decision: DENY")
	}
}
