package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/account"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/core"
	"github.com/driftline/driftline/internal/scrape"
	"github.com/driftline/driftline/internal/store"
)

var (
	debugMode bool

	scrapePlatform string
	scrapeAccounts []int64
	scrapeHome     bool
	scrapeProfiles []string
	scrapeSearches []string
	scrapeMaxPosts int

	pipelineDrafts bool

	accountPlatform string
	accountHandle   string
	disableReason   string

	jobName     string
	jobAccount  int64
	jobExpr     string
	jobTimezone string
	jobHome     bool
	jobProfiles []string
	jobSearches []string
	jobMaxPosts int
	jobDrafts   bool

	policyTopics    []string
	policyGoals     []string
	policyTone      string
	policyAvoid     []string
	policyLanguages []string
)

var rootCmd = &cobra.Command{
	Use:           "driftline",
	Short:         "Multi-account social content scraper and engagement pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// openService builds the service from config. The caller owns Close.
func openService() (*core.Service, *zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error
	if debugMode {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, err
	}
	log := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}

	svc, err := core.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return svc, log, nil
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cron scheduler until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return svc.RunScheduler(ctx)
	},
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run a scrape across a platform's active accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signalContext()
		defer cancel()

		opts := scrape.Options{
			CollectHome:    scrapeHome,
			ProfileHandles: scrapeProfiles,
			SearchQueries:  scrapeSearches,
			MaxPosts:       scrapeMaxPosts,
		}
		if !opts.CollectHome && len(opts.ProfileHandles) == 0 && len(opts.SearchQueries) == 0 {
			opts.CollectHome = true
		}

		result, err := svc.RunScrape(ctx, scrapePlatform, scrapeAccounts, opts)
		if err != nil {
			return err
		}
		printJSON(result)
		if result.AccountsFailed > 0 {
			os.Exit(1)
		}
		return nil
	},
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <run-account-id>",
	Short: "Run the engagement pipeline for a completed run-account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signalContext()
		defer cancel()

		result, err := svc.RunPipeline(ctx, args[0], pipelineDrafts)
		if err != nil {
			return err
		}
		printJSON(result)
		if len(result.Errors) > 0 {
			os.Exit(1)
		}
		return nil
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new account (starts in needs_initial_auth)",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		acct, err := svc.CreateAccount(accountPlatform, strings.TrimPrefix(accountHandle, "@"))
		if err != nil {
			return err
		}
		printJSON(acct)
		return nil
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		accounts, err := svc.Store().ListAccounts(accountPlatform)
		if err != nil {
			return err
		}
		printJSON(accounts)
		return nil
	},
}

var accountLoginCmd = &cobra.Command{
	Use:   "login <account-id>",
	Short: "Run the interactive login flow and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, log, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signalContext()
		defer cancel()

		if err := svc.Login(ctx, id); err != nil {
			return err
		}
		log.Infow("account is now active", "account_id", id)
		return nil
	},
}

var accountEnableCmd = &cobra.Command{
	Use:   "enable <account-id>",
	Short: "Re-enable a disabled account (back to needs_initial_auth)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.SetAccountStatus(id, account.StatusNeedsInitialAuth, "re-enabled by operator")
	},
}

var accountDisableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "Disable an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.SetAccountStatus(id, account.StatusDisabled, disableReason)
	},
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled jobs",
}

func jobConfigFromFlags() store.JobConfig {
	return store.JobConfig{
		CollectHome:    jobHome,
		ProfileHandles: jobProfiles,
		SearchQueries:  jobSearches,
		MaxPosts:       jobMaxPosts,
		GenerateDrafts: jobDrafts,
	}
}

var cronAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a scheduled job for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		job, err := svc.CreateCronJob(jobName, jobAccount, jobExpr, jobTimezone, jobConfigFromFlags())
		if err != nil {
			return err
		}
		printJSON(job)
		return nil
	},
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		jobs, err := svc.Store().ListCronJobs()
		if err != nil {
			return err
		}
		printJSON(jobs)
		return nil
	},
}

var cronUpdateCmd = &cobra.Command{
	Use:   "update <job-id>",
	Short: "Rewrite a job's schedule and collection config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.UpdateCronJob(id, jobExpr, jobTimezone, jobConfigFromFlags())
	},
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.SetCronJobEnabled(id, true)
	},
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.SetCronJobEnabled(id, false)
	},
}

var cronDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.DeleteCronJob(id)
	},
}

var cronRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Execute a job immediately, bypassing its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, cancel := signalContext()
		defer cancel()
		return svc.RunCronJobNow(ctx, id)
	},
}

var cronRunsCmd = &cobra.Command{
	Use:   "runs <job-id>",
	Short: "Show a job's recent run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		runs, err := svc.Store().ListCronJobRuns(id, 20)
		if err != nil {
			return err
		}
		printJSON(runs)
		return nil
	},
}

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "Review generated reply drafts",
}

var draftsListCmd = &cobra.Command{
	Use:   "list <run-account-id> <post-id>",
	Short: "List draft options for a post",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		postID, err := parseID(args[1])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		drafts, err := svc.Store().ListDrafts(args[0], postID)
		if err != nil {
			return err
		}
		printJSON(drafts)
		return nil
	},
}

var draftsApproveCmd = &cobra.Command{
	Use:   "approve <draft-id>",
	Short: "Approve one draft option; its siblings are rejected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.Store().ApproveDraft(id)
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage per-account engagement policies",
}

var policyShowCmd = &cobra.Command{
	Use:   "show <account-id>",
	Short: "Show an account's live policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		p, err := svc.Store().GetPolicy(id)
		if err != nil {
			return err
		}
		printJSON(p)
		return nil
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set <account-id>",
	Short: "Replace an account's live policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		p := store.Policy{
			Topics:    policyTopics,
			Goals:     policyGoals,
			Tone:      policyTone,
			AvoidList: policyAvoid,
			Languages: policyLanguages,
		}
		return svc.Store().SetPolicy(id, p)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	scrapeCmd.Flags().StringVar(&scrapePlatform, "platform", "x", "Platform to scrape")
	scrapeCmd.Flags().Int64SliceVar(&scrapeAccounts, "account", nil, "Account id(s) to scrape (default: all active)")
	scrapeCmd.Flags().BoolVar(&scrapeHome, "home", false, "Collect the home timeline")
	scrapeCmd.Flags().StringSliceVar(&scrapeProfiles, "profile", nil, "Profile handle(s) to collect")
	scrapeCmd.Flags().StringSliceVar(&scrapeSearches, "search", nil, "Search query(ies) to collect")
	scrapeCmd.Flags().IntVar(&scrapeMaxPosts, "max-posts", 0, "Max posts per account (0 = config default)")

	pipelineCmd.Flags().BoolVar(&pipelineDrafts, "drafts", true, "Generate reply drafts for selected posts")

	accountAddCmd.Flags().StringVar(&accountPlatform, "platform", "x", "Platform")
	accountAddCmd.Flags().StringVar(&accountHandle, "handle", "", "Account handle")
	accountAddCmd.MarkFlagRequired("handle")
	accountListCmd.Flags().StringVar(&accountPlatform, "platform", "", "Filter by platform")
	accountDisableCmd.Flags().StringVar(&disableReason, "reason", "disabled by operator", "Reason recorded on the account")
	accountCmd.AddCommand(accountAddCmd, accountListCmd, accountLoginCmd, accountEnableCmd, accountDisableCmd)

	for _, c := range []*cobra.Command{cronAddCmd, cronUpdateCmd} {
		c.Flags().StringVar(&jobExpr, "expr", "", "Cron expression (5-field)")
		c.Flags().StringVar(&jobTimezone, "tz", "UTC", "IANA timezone for the schedule")
		c.Flags().BoolVar(&jobHome, "home", true, "Collect the home timeline")
		c.Flags().StringSliceVar(&jobProfiles, "profile", nil, "Profile handle(s) to collect")
		c.Flags().StringSliceVar(&jobSearches, "search", nil, "Search query(ies) to collect")
		c.Flags().IntVar(&jobMaxPosts, "max-posts", 0, "Max posts per run (0 = config default)")
		c.Flags().BoolVar(&jobDrafts, "drafts", true, "Generate reply drafts after triage")
		c.MarkFlagRequired("expr")
	}
	cronAddCmd.Flags().StringVar(&jobName, "name", "", "Job name")
	cronAddCmd.Flags().Int64Var(&jobAccount, "account", 0, "Account id the job drives")
	cronAddCmd.MarkFlagRequired("name")
	cronAddCmd.MarkFlagRequired("account")
	cronCmd.AddCommand(cronAddCmd, cronListCmd, cronUpdateCmd, cronEnableCmd, cronDisableCmd, cronDeleteCmd, cronRunCmd, cronRunsCmd)

	draftsCmd.AddCommand(draftsListCmd, draftsApproveCmd)

	policySetCmd.Flags().StringSliceVar(&policyTopics, "topic", nil, "Topics of interest")
	policySetCmd.Flags().StringSliceVar(&policyGoals, "goal", nil, "Engagement goals")
	policySetCmd.Flags().StringVar(&policyTone, "tone", "", "Voice and tone guidance")
	policySetCmd.Flags().StringSliceVar(&policyAvoid, "avoid", nil, "Topics or phrases to avoid")
	policySetCmd.Flags().StringSliceVar(&policyLanguages, "language", nil, "Languages to engage in")
	policyCmd.AddCommand(policyShowCmd, policySetCmd)

	rootCmd.AddCommand(serveCmd, scrapeCmd, pipelineCmd, accountCmd, cronCmd, draftsCmd, policyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
