package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ategon/placecrawler/internal/clock/system"
	"github.com/ategon/placecrawler/internal/config"
	"github.com/ategon/placecrawler/internal/driver"
	"github.com/ategon/placecrawler/internal/hash/sha256"
	"github.com/ategon/placecrawler/internal/logging"
	"github.com/ategon/placecrawler/internal/progress"
	"github.com/ategon/placecrawler/internal/scraper"
	"github.com/ategon/placecrawler/internal/session"
	"github.com/ategon/placecrawler/internal/sink"
)

type scrapeFlags struct {
	term     string
	minLat   float64
	minLng   float64
	maxLat   float64
	maxLng   float64
	gridSize int
	target   int
	policy   string
	output   string
}

func newScrapeCmd() *cobra.Command {
	var flags scrapeFlags
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run a single campaign to completion",
		Long: `Runs one campaign in the foreground and exports the collected
listings to CSV. Interrupting the run is safe: progress is flushed after
every mutation, and rerunning the same search over the same area resumes
where it stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScrape(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.term, "term", "", "search term (required)")
	cmd.Flags().Float64Var(&flags.minLat, "min-lat", 0, "south boundary latitude")
	cmd.Flags().Float64Var(&flags.minLng, "min-lng", 0, "west boundary longitude")
	cmd.Flags().Float64Var(&flags.maxLat, "max-lat", 0, "north boundary latitude")
	cmd.Flags().Float64Var(&flags.maxLng, "max-lng", 0, "east boundary longitude")
	cmd.Flags().IntVar(&flags.gridSize, "grid", 4, "grid dimension (NxN cells)")
	cmd.Flags().IntVar(&flags.target, "target", 100, "number of listings to collect")
	cmd.Flags().StringVar(&flags.policy, "policy", "greedy", "quota policy: greedy or balanced")
	cmd.Flags().StringVar(&flags.output, "output", "", "CSV output path (default <data_dir>/<term>.csv)")
	_ = cmd.MarkFlagRequired("term")

	return cmd
}

func runScrape(parent context.Context, flags scrapeFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	campaign, err := campaignFromFlags(flags, cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Scraper.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Artifacts share the identity keying of the job server, so the CLI
	// resumes server-started campaigns (and vice versa) and two
	// same-term campaigns over different areas never collide.
	hasher := sha256.New()
	key, err := scraper.CampaignKey(campaign, hasher)
	if err != nil {
		return fmt.Errorf("derive campaign key: %w", err)
	}
	clock := system.New()
	store := progress.NewStore(
		filepath.Join(cfg.Scraper.DataDir, "progress_"+key+".json"), clock, logger)
	results, err := sink.NewStore(
		filepath.Join(cfg.Scraper.DataDir, "results_"+key+".db"), hasher)
	if err != nil {
		return err
	}
	defer func() {
		_ = results.Close()
	}()

	pageDriver, err := driver.NewChromedp(driver.Config{
		Headless:    cfg.Driver.Headless,
		UserAgent:   cfg.Driver.UserAgent,
		NavTimeout:  cfg.NavTimeout(),
		CallTimeout: cfg.CallTimeout(),
	})
	if err != nil {
		return fmt.Errorf("open page driver: %w", err)
	}
	defer func() {
		if cerr := pageDriver.Close(context.Background()); cerr != nil {
			logger.Warn("closing page driver", zap.Error(cerr))
		}
	}()

	sess, err := session.New(key, campaign, session.Deps{
		Driver: pageDriver,
		Store:  store,
		Sink:   results,
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	if err := sess.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted; progress saved, rerun to resume")
			return nil
		}
		return err
	}

	output := flags.output
	if output == "" {
		output = filepath.Join(cfg.Scraper.DataDir, termSlug(flags.term)+".csv")
	}
	if err := results.ExportCSV(ctx, output); err != nil {
		return err
	}
	logger.Info("export complete", zap.String("path", output))
	return nil
}

// campaignFromFlags builds and validates the campaign, falling back to the
// configured default search area when no bounds flags are given.
func campaignFromFlags(flags scrapeFlags, cfg config.Config) (scraper.CampaignConfig, error) {
	bounds := scraper.Bounds{
		MinLat: flags.minLat,
		MinLng: flags.minLng,
		MaxLat: flags.maxLat,
		MaxLng: flags.maxLng,
	}
	if bounds == (scraper.Bounds{}) {
		bounds = scraper.BoundsFromSlice(cfg.Scraper.DefaultBounds)
	}
	campaign := scraper.CampaignConfig{
		SearchTerm:   flags.term,
		Bounds:       bounds,
		GridSize:     flags.gridSize,
		GlobalTarget: flags.target,
		Policy:       scraper.Policy(flags.policy),
		PerCellCap:   cfg.Scraper.PerCellCap,
		Zoom:         cfg.Scraper.Zoom,
	}
	if err := campaign.Validate(cfg.Jobs.MaxTarget); err != nil {
		return scraper.CampaignConfig{}, err
	}
	return campaign, nil
}

// termSlug turns a search term into a filesystem-safe identifier.
func termSlug(term string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, term)
	return strings.Trim(slug, "_")
}
