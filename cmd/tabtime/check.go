package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tabtime/tabtime/internal/config"
	"github.com/tabtime/tabtime/internal/domain"
	"github.com/tabtime/tabtime/internal/limits"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check how tabtime treats a site or URL",
	Long:  `Check how a site or URL would be normalized and which limit applies to it, using the daemon's stored state.`,
}

var checkSiteCmd = &cobra.Command{
	Use:   "site SITE",
	Short: "Check the limit state of a site",
	Example: `  tabtime -c config.yaml check site youtube.com
  tabtime check site www.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckSite,
}

var checkURLCmd = &cobra.Command{
	Use:   "url URL",
	Short: "Check whether a URL is tracked and against which site",
	Example: `  tabtime check url https://www.youtube.com/watch?v=abc
  tabtime check url chrome://settings`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckURL,
}

func init() {
	checkCmd.AddCommand(checkSiteCmd)
	checkCmd.AddCommand(checkURLCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckSite(cmd *cobra.Command, args []string) error {
	rawSite := args[0]

	normalizer := domain.NewNormalizer()
	site := normalizer.Normalize(rawSite)

	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("SITE CHECK")
	fmt.Println()
	fmt.Printf("Input:      %s\n", rawSite)

	if site == "" {
		fmt.Print("Site:       ")
		red.Println("INVALID")
		fmt.Println("            → Input does not contain a usable domain")
		fmt.Println()
		return nil
	}
	fmt.Printf("Site:       %s\n", site)
	return printLimitState(normalizer, site)
}

func printLimitState(normalizer *domain.Normalizer, site string) error {
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	limitStore, err := openLimitStore(normalizer)
	if err != nil {
		return err
	}

	stats, err := limitStore.Stats(context.Background(), time.Now())
	if err != nil {
		return fmt.Errorf("failed to read limit state: %w", err)
	}

	fmt.Print("Limit:      ")
	i := stats.FindSite(site)
	if i < 0 {
		yellow.Println("NONE")
		fmt.Println("            → No per-site limit configured")
	} else {
		limit := stats.SiteLimits[i]
		if limit.Enabled {
			green.Printf("%d minutes/day\n", limit.Limit)
		} else {
			yellow.Printf("%d minutes/day (disabled)\n", limit.Limit)
		}
		fmt.Printf("Used today: %d minutes\n", limit.Used)
	}

	fmt.Print("Global:     ")
	if stats.Enabled && stats.GlobalDailyLimit != nil {
		green.Printf("%d minutes/day\n", *stats.GlobalDailyLimit)
		fmt.Printf("Used today: %d minutes\n", stats.GlobalUsed)
	} else {
		yellow.Println("DISABLED")
	}
	fmt.Println()
	return nil
}

func runCheckURL(cmd *cobra.Command, args []string) error {
	rawURL := args[0]

	normalizer := domain.NewNormalizer()

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("URL CHECK")
	fmt.Println()
	fmt.Printf("URL:        %s\n", rawURL)

	fmt.Print("Tracked:    ")
	if !domain.IsTrackable(rawURL) {
		red.Println("NO")
		fmt.Println("            → Only http and https pages are tracked")
		fmt.Println()
		return nil
	}

	site := normalizer.Normalize(rawURL)
	if site == "" {
		red.Println("NO")
		fmt.Println("            → Host is not a usable domain")
		fmt.Println()
		return nil
	}

	green.Println("YES")
	fmt.Printf("Site:       %s\n", site)
	return printLimitState(normalizer, site)
}

func openLimitStore(normalizer *domain.Normalizer) (*limits.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return limits.NewStore(context.Background(), store.State(), normalizer, cfg.Tracking.WarningMessage, logger)
}
