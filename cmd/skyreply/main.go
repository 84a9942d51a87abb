package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/skysnapco/skyreply/internal/config"
	"github.com/skysnapco/skyreply/internal/feed"
	"github.com/skysnapco/skyreply/internal/ledger"
	"github.com/skysnapco/skyreply/internal/notify"
	"github.com/skysnapco/skyreply/internal/ratelimit"
	"github.com/skysnapco/skyreply/internal/render"
	"github.com/skysnapco/skyreply/internal/stats"
	"github.com/skysnapco/skyreply/internal/store"
	"github.com/skysnapco/skyreply/internal/vision"
	"github.com/skysnapco/skyreply/internal/workflow"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "skyreply",
	Short: "skyreply - cloud identification reply bot",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the mention feed continuously",
	RunE:  runPoll,
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single feed cycle and exit",
	RunE:  runOnce,
}

var statsCmd = &cobra.Command{
	Use:   "stats <entityId>",
	Short: "Show stats for one entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Show global category and entity rankings",
	RunE:  runRank,
}

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect or clear ledger records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processed notifications, most recent first",
	RunE:  runRecordsList,
}

var recordsClearCmd = &cobra.Command{
	Use:   "clear <eventId>",
	Short: "Clear one ledger record so the event is retried",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordsClear,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show skyreply status",
	RunE:  runStatus,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var dryRunFlag bool

func init() {
	onceCmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "log replies instead of posting them")
	recordsCmd.AddCommand(recordsListCmd, recordsClearCmd)
	rootCmd.AddCommand(runCmd, onceCmd, statsCmd, rankCmd, recordsCmd, statusCmd, onboardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// core bundles the durable modules that every command opens.
type core struct {
	store  *store.Store
	ledger *ledger.Ledger
	gate   *ratelimit.DailyGate
	stats  *stats.Aggregator
}

func openCore(cfg *config.Config) (*core, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &core{
		store:  s,
		ledger: ledger.New(s),
		gate:   ratelimit.New(s, loc),
		stats:  stats.New(s, cfg.Store.RecentWindow),
	}, nil
}

func (c *core) close() {
	if err := c.store.Close(); err != nil {
		log.Printf("[main] close store warning: %v", err)
	}
}

// logPublisher replaces the real publisher in dry-run mode.
type logPublisher struct{}

func (logPublisher) Publish(_ context.Context, ref, text, mediaPath string) error {
	log.Printf("[dry-run] would reply on %s (media=%q):\n%s", ref, mediaPath, text)
	return nil
}

func buildCoordinator(ctx context.Context, cfg *config.Config, c *core, dryRun bool) (*workflow.Coordinator, error) {
	client := feed.NewClient(cfg.Feed)

	var pub feed.Publisher = client
	if dryRun {
		pub = logPublisher{}
	}

	var renderer render.Renderer
	if cfg.Render.Enabled {
		renderer = render.NewCardRenderer(cfg.Render)
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Telegram.Enabled {
		tn, err := notify.NewTelegramNotifier(cfg.Notify.Telegram)
		if err != nil {
			return nil, fmt.Errorf("create notifier: %w", err)
		}
		tn.Start(ctx)
		notifier = tn
	}

	return workflow.New(cfg, workflow.Deps{
		Source:   client,
		Content:  client,
		Engine:   vision.NewClient(cfg.Vision),
		Pub:      pub,
		Renderer: renderer,
		Ledger:   c.ledger,
		Gate:     c.gate,
		Stats:    c.stats,
		Notifier: notifier,
	}), nil
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord, err := buildCoordinator(ctx, cfg, c, false)
	if err != nil {
		return err
	}

	return workflow.NewRunner(coord, cfg.Poll.Spec, loc).Start(ctx)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	ctx := context.Background()
	coord, err := buildCoordinator(ctx, cfg, c, dryRunFlag)
	if err != nil {
		return err
	}

	report, err := coord.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}
	fmt.Println(report)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	st, ok, err := c.stats.GetStats(args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("no stats for %s\n", args[0])
		return nil
	}

	data, _ := json.MarshalIndent(st, "", "  ")
	fmt.Println(string(data))
	return nil
}

func runRank(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	categories, err := c.stats.GlobalCategoryRanking()
	if err != nil {
		return err
	}
	fmt.Println("Categories:")
	for i, cc := range categories {
		fmt.Printf("  %2d. %s (%d)\n", i+1, cc.Label, cc.Count)
	}

	entities, err := c.stats.ActiveEntityRanking(10)
	if err != nil {
		return err
	}
	fmt.Println("Entities:")
	for i, e := range entities {
		name := e.DisplayName
		if name == "" {
			name = e.EntityID
		}
		fmt.Printf("  %2d. %s: %d actions, %d categories\n", i+1, name, e.TotalActions, e.DistinctCategories)
	}
	return nil
}

func runRecordsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	events, err := c.ledger.List()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no processed notifications")
		return nil
	}
	for _, ev := range events {
		fmt.Printf("%d  %s  target=%s  actor=%s\n",
			ev.EventID, ev.ProcessedAt.Format("2006-01-02 15:04:05"), ev.TargetID, ev.SourceActor)
	}
	return nil
}

func runRecordsClear(cmd *cobra.Command, args []string) error {
	eventID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid event ID %q", args[0])
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	removed, err := c.ledger.Delete(eventID)
	if err != nil {
		return err
	}
	if removed {
		fmt.Printf("cleared %d; it will be retried next cycle\n", eventID)
	} else {
		fmt.Printf("no record for %d\n", eventID)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Store: %s\n", cfg.Store.DBPath)
	fmt.Printf("Poll: %s (%s)\n", cfg.Poll.Spec, cfg.Poll.Timezone)
	fmt.Printf("Feed: %s\n", orUnset(cfg.Feed.BaseURL))
	fmt.Printf("Vision: %s\n", orUnset(cfg.Vision.BaseURL))
	fmt.Printf("Render: enabled=%v\n", cfg.Render.Enabled)
	fmt.Printf("Telegram alerts: enabled=%v\n", cfg.Notify.Telegram.Enabled)

	c, err := openCore(cfg)
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer c.close()

	if n, err := c.ledger.Count(); err == nil {
		fmt.Printf("Processed notifications: %d\n", n)
	}
	if n, err := c.stats.CountEntities(); err == nil {
		fmt.Printf("Entities tracked: %d\n", n)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set feed and vision credentials\n", cfgPath)
	fmt.Println("  2. Or set SKYREPLY_FEED_TOKEN / SKYREPLY_VISION_KEY")
	fmt.Println("  3. Run 'skyreply once --dry-run' to test a cycle")
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
