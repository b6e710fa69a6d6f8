package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robertmeta/feedreader/model"
	"github.com/robertmeta/feedreader/opml"
	"github.com/robertmeta/feedreader/reader"
	"github.com/robertmeta/feedreader/store"
	"github.com/urfave/cli/v2"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(ExitGeneralError)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "feed-cli",
		Usage:   "A scriptable RSS/Atom feed reader",
		Version: "0.2.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Value:   getDefaultDBPath(),
				Usage:   "Database file path",
				EnvVars: []string{"FEED_CLI_DB"},
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Value:   reader.DefaultWorkers,
				Usage:   "Feeds retrieved in parallel during updates",
				EnvVars: []string{"FEED_CLI_WORKERS"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Value:   store.DefaultTimeout,
				Usage:   "How long to wait for a locked database",
				EnvVars: []string{"FEED_CLI_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Log update progress to stderr",
				EnvVars: []string{"FEED_CLI_VERBOSE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add a new feed",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "update",
						Aliases: []string{"u"},
						Usage:   "Retrieve the feed right away",
					},
				},
				Action: addFeed,
			},
			{
				Name:      "remove",
				Usage:     "Remove a feed and its entries",
				ArgsUsage: "<url>",
				Action:    removeFeed,
			},
			{
				Name:  "feeds",
				Usage: "List all feeds",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "sort",
						Aliases: []string{"s"},
						Value:   string(store.SortTitle),
						Usage:   "Sort order: title or added",
					},
				},
				Action: listFeeds,
			},
			{
				Name:      "set-title",
				Usage:     "Set a custom feed title (omit the title to remove it)",
				ArgsUsage: "<url> [title]",
				Action:    setFeedTitle,
			},
			{
				Name:      "mark-stale",
				Usage:     "Force the next update to rewrite a feed and all its entries",
				ArgsUsage: "<url>",
				Action:    markStale,
			},
			{
				Name:      "update",
				Usage:     "Update feeds (fetch new entries)",
				ArgsUsage: "[url]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "new-only",
						Aliases: []string{"n"},
						Usage:   "Only update feeds that were never updated",
					},
				},
				Action: updateFeeds,
			},
			{
				Name:  "list",
				Usage: "List entries, most recently updated first",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "which",
						Value: string(store.WhichAll),
						Usage: "Entries to show: all, read or unread",
					},
					&cli.StringFlag{
						Name:    "feed",
						Aliases: []string{"f"},
						Usage:   "Only show entries of this feed",
					},
					&cli.StringFlag{
						Name:  "has-enclosures",
						Usage: "Filter on enclosures: true or false",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   50,
						Usage:   "Maximum number of entries to return (0 for all)",
					},
				},
				Action: listEntries,
			},
			{
				Name:      "mark-read",
				Usage:     "Mark an entry as read",
				ArgsUsage: "<feed-url> <entry-id>",
				Action:    markRead(true),
			},
			{
				Name:      "mark-unread",
				Usage:     "Mark an entry as unread",
				ArgsUsage: "<feed-url> <entry-id>",
				Action:    markRead(false),
			},
			{
				Name:  "search",
				Usage: "Full-text search",
				Subcommands: []*cli.Command{
					{
						Name:   "enable",
						Usage:  "Create the search index",
						Action: enableSearch,
					},
					{
						Name:   "disable",
						Usage:  "Drop the search index",
						Action: disableSearch,
					},
					{
						Name:   "update",
						Usage:  "Index new and changed entries",
						Action: updateSearch,
					},
					{
						Name:      "query",
						Usage:     "Search entries",
						ArgsUsage: "<query>",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:    "limit",
								Aliases: []string{"l"},
								Value:   50,
								Usage:   "Maximum number of results to return (0 for all)",
							},
						},
						Action: searchEntries,
					},
				},
			},
			{
				Name:      "import",
				Usage:     "Import feeds from OPML file",
				ArgsUsage: "<opml-file>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "titles",
						Aliases: []string{"t"},
						Usage:   "Keep the OPML titles as custom feed titles",
					},
				},
				Action: importOPML,
			},
			{
				Name:  "export",
				Usage: "Export feeds to OPML file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: exportOPML,
			},
			{
				Name:  "watch",
				Usage: "Update feeds and the search index on a schedule until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "schedule",
						Aliases: []string{"s"},
						Value:   "@every 30m",
						Usage:   "Cron expression or descriptor",
					},
					&cli.BoolFlag{
						Name:  "now",
						Usage: "Also update once at startup",
					},
				},
				Action: watch,
			},
		},
	}
}

func getDefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "feed-cli.db"
	}
	return filepath.Join(home, ".config", "feed-cli", "feed-cli.db")
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func getReader(c *cli.Context) (*reader.Reader, error) {
	dbPath := c.String("db")

	if dbPath != ":memory:" {
		// Create directory if it doesn't exist
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	r, err := reader.New(dbPath,
		reader.WithLogger(newLogger(c.App.ErrWriter, c.Bool("verbose"))),
		reader.WithWorkers(c.Int("workers")),
		reader.WithStoreOptions(store.WithTimeout(c.Duration("timeout"))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return r, nil
}

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// exitCode maps an engine error to a process exit code.
func exitCode(err error) int {
	var (
		invalidQuery *model.InvalidSearchQueryError
		notEnabled   *model.SearchNotEnabledError
		feedNotFound *model.FeedNotFoundError
		feedExists   *model.FeedExistsError
		entryMissing *model.EntryNotFoundError
		parseErr     *model.ParseError
	)
	switch {
	case errors.As(err, &invalidQuery), errors.As(err, &notEnabled):
		return ExitUsageError
	case errors.As(err, &feedNotFound), errors.As(err, &feedExists),
		errors.As(err, &entryMissing), errors.As(err, &parseErr):
		return ExitDataError
	default:
		return ExitGeneralError
	}
}

func fail(msg string, err error) error {
	return cli.Exit(fmt.Sprintf("%s: %v", msg, err), exitCode(err))
}

func addFeed(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feed-cli add <url>", ExitUsageError)
	}
	url := c.Args().Get(0)

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	if err := r.AddFeed(c.Context, model.FeedURL(url)); err != nil {
		return fail("Failed to add feed", err)
	}

	out := map[string]any{
		"success": true,
		"url":     url,
	}
	if c.Bool("update") {
		updated, err := r.UpdateFeed(c.Context, model.FeedURL(url))
		if err != nil {
			return fail("Failed to update feed", err)
		}
		out["new_entries"] = updated.New
		feed, err := r.GetFeed(c.Context, model.FeedURL(url))
		if err != nil {
			return fail("Failed to get feed", err)
		}
		out["feed"] = feed
	}
	return outputJSON(c.App.Writer, out)
}

func removeFeed(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feed-cli remove <url>", ExitUsageError)
	}
	url := c.Args().Get(0)

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	if err := r.RemoveFeed(c.Context, model.FeedURL(url)); err != nil {
		return fail("Failed to delete feed", err)
	}

	return outputJSON(c.App.Writer, map[string]any{
		"success": true,
		"url":     url,
	})
}

func listFeeds(c *cli.Context) error {
	sort, err := store.ParseFeedSort(c.String("sort"))
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	feeds, err := r.GetFeeds(c.Context, sort)
	if err != nil {
		return fail("Failed to get feeds", err)
	}
	if feeds == nil {
		feeds = []model.Feed{}
	}

	return outputJSON(c.App.Writer, feeds)
}

func setFeedTitle(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feed-cli set-title <url> [title]", ExitUsageError)
	}
	url := c.Args().Get(0)
	var title *string
	if c.NArg() > 1 {
		t := c.Args().Get(1)
		title = &t
	}

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	if err := r.SetFeedUserTitle(c.Context, model.FeedURL(url), title); err != nil {
		return fail("Failed to set title", err)
	}

	return outputJSON(c.App.Writer, map[string]any{
		"success": true,
		"url":     url,
		"title":   title,
	})
}

func markStale(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feed-cli mark-stale <url>", ExitUsageError)
	}
	url := c.Args().Get(0)

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	if err := r.MarkFeedStale(c.Context, model.FeedURL(url)); err != nil {
		return fail("Failed to mark feed stale", err)
	}

	return outputJSON(c.App.Writer, map[string]any{
		"success": true,
		"url":     url,
	})
}

type feedResult struct {
	URL     string `json:"url"`
	New     int    `json:"new_entries"`
	Updated int    `json:"updated_entries"`
	Error   string `json:"error,omitempty"`
}

type updateSummary struct {
	UpdatedFeeds    int          `json:"updated_feeds"`
	TotalNewEntries int          `json:"total_new_entries"`
	Results         []feedResult `json:"results"`
	SearchUpdated   bool         `json:"search_updated"`
}

// runUpdate updates the selected feeds, then the search index if it is
// enabled. Per-feed failures are reported in the summary.
func runUpdate(ctx context.Context, r *reader.Reader, url string, opts reader.UpdateOptions) (updateSummary, error) {
	var updated []reader.UpdatedFeed
	if url != "" {
		uf, err := r.UpdateFeed(ctx, model.FeedURL(url))
		var parseErr *model.ParseError
		if err != nil && !errors.As(err, &parseErr) {
			return updateSummary{}, err
		}
		uf.URL = url
		updated = append(updated, uf)
	} else {
		var err error
		updated, err = r.UpdateFeeds(ctx, opts)
		if err != nil {
			return updateSummary{}, err
		}
	}

	summary := updateSummary{UpdatedFeeds: len(updated), Results: []feedResult{}}
	for _, uf := range updated {
		res := feedResult{URL: uf.URL, New: uf.New, Updated: uf.Updated}
		if uf.Err != nil {
			res.Error = uf.Err.Error()
		}
		summary.TotalNewEntries += uf.New
		summary.Results = append(summary.Results, res)
	}

	enabled, err := r.IsSearchEnabled(ctx)
	if err != nil {
		return summary, err
	}
	if enabled {
		if err := r.UpdateSearch(ctx); err != nil {
			return summary, err
		}
		summary.SearchUpdated = true
	}
	return summary, nil
}

func updateFeeds(c *cli.Context) error {
	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	summary, err := runUpdate(c.Context, r, c.Args().Get(0), reader.UpdateOptions{NewOnly: c.Bool("new-only")})
	if err != nil {
		return fail("Failed to update feeds", err)
	}

	return outputJSON(c.App.Writer, summary)
}

func listEntries(c *cli.Context) error {
	flags, err := store.BuildEntryFilter(c.String("which"), c.String("feed"), c.String("has-enclosures"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid query options: %v", err), ExitUsageError)
	}
	filter := reader.EntryFilter{Which: flags.Which, HasEnclosures: flags.HasEnclosures}
	if flags.FeedURL != "" {
		filter.Feed = model.FeedURL(flags.FeedURL)
	}
	limit := c.Int("limit")

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	seq, err := r.GetEntries(c.Context, filter)
	if err != nil {
		return fail("Failed to get entries", err)
	}
	entries := []model.Entry{}
	for entry, err := range seq {
		if err != nil {
			return fail("Failed to get entries", err)
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}

	return outputJSON(c.App.Writer, map[string]any{
		"count":   len(entries),
		"limit":   limit,
		"entries": entries,
	})
}

func markRead(read bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.Exit(fmt.Sprintf("Usage: feed-cli %s <feed-url> <entry-id>", c.Command.Name), ExitUsageError)
		}
		key := model.EntryKey{FeedURL: c.Args().Get(0), ID: c.Args().Get(1)}

		r, err := getReader(c)
		if err != nil {
			return cli.Exit(err.Error(), ExitDataError)
		}
		defer r.Close()

		if read {
			err = r.MarkAsRead(c.Context, key)
		} else {
			err = r.MarkAsUnread(c.Context, key)
		}
		if err != nil {
			return fail("Failed to mark entry", err)
		}

		return outputJSON(c.App.Writer, map[string]any{
			"success":  true,
			"feed_url": key.FeedURL,
			"id":       key.ID,
			"read":     read,
		})
	}
}

func enableSearch(c *cli.Context) error {
	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	if err := r.EnableSearch(c.Context); err != nil {
		return fail("Failed to enable search", err)
	}
	return outputJSON(c.App.Writer, map[string]any{"success": true, "enabled": true})
}

func disableSearch(c *cli.Context) error {
	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	if err := r.DisableSearch(c.Context); err != nil {
		return fail("Failed to disable search", err)
	}
	return outputJSON(c.App.Writer, map[string]any{"success": true, "enabled": false})
}

func updateSearch(c *cli.Context) error {
	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	start := time.Now()
	if err := r.UpdateSearch(c.Context); err != nil {
		return fail("Failed to update search", err)
	}
	return outputJSON(c.App.Writer, map[string]any{
		"success":  true,
		"duration": time.Since(start).String(),
	})
}

func searchEntries(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feed-cli search query <query>", ExitUsageError)
	}
	query := c.Args().Get(0)
	limit := c.Int("limit")

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	seq, err := r.SearchEntries(c.Context, query)
	if err != nil {
		return fail("Failed to search", err)
	}
	results := []model.EntrySearchResult{}
	for res, err := range seq {
		if err != nil {
			return fail("Failed to search", err)
		}
		results = append(results, res)
		if limit > 0 && len(results) >= limit {
			break
		}
	}

	return outputJSON(c.App.Writer, map[string]any{
		"count":   len(results),
		"query":   query,
		"results": results,
	})
}

func importOPML(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feed-cli import <opml-file>", ExitUsageError)
	}

	opmlPath := c.Args().Get(0)

	// Open OPML file
	file, err := os.Open(opmlPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	subs, err := opml.Parse(file)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to parse OPML: %v", err), ExitDataError)
	}

	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	imported := 0
	skipped := 0
	errs := []string{}

	for _, sub := range subs {
		err := r.AddFeed(c.Context, model.FeedURL(sub.URL))
		var exists *model.FeedExistsError
		switch {
		case errors.As(err, &exists):
			skipped++
			continue
		case err != nil:
			skipped++
			errs = append(errs, fmt.Sprintf("%s: %v", sub.URL, err))
			continue
		}
		if c.Bool("titles") && sub.Title != "" {
			title := sub.Title
			if err := r.SetFeedUserTitle(c.Context, model.FeedURL(sub.URL), &title); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", sub.URL, err))
			}
		}
		imported++
	}

	return outputJSON(c.App.Writer, map[string]any{
		"success":  true,
		"imported": imported,
		"skipped":  skipped,
		"total":    len(subs),
		"errors":   errs,
	})
}

func exportOPML(c *cli.Context) error {
	r, err := getReader(c)
	if err != nil {
		return cli.Exit(err.Error(), ExitDataError)
	}
	defer r.Close()

	feeds, err := r.GetFeeds(c.Context, store.SortTitle)
	if err != nil {
		return fail("Failed to get feeds", err)
	}

	outputPath := c.String("output")
	var writer io.Writer

	if outputPath == "" {
		writer = c.App.Writer
	} else {
		file, err := os.Create(outputPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer file.Close()
		writer = file
	}

	if err := opml.Generate(writer, feeds, time.Now()); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}

	// If outputting to file, also return JSON status
	if outputPath != "" {
		return outputJSON(c.App.Writer, map[string]any{
			"success": true,
			"file":    outputPath,
			"count":   len(feeds),
		})
	}

	return nil
}
