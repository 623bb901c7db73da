package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss/table"
	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"plated/cmd"
	"plated/internal/cache"
	"plated/internal/calendar"
	"plated/internal/cluster"
	"plated/internal/db"
	"plated/internal/food"
	"plated/internal/model"
	"plated/internal/pipeline"
	"plated/internal/progress"
	"plated/internal/resolver"
	"plated/internal/scan"
	"plated/internal/search"
	"plated/internal/ui"
	"plated/internal/util"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	// Parse CLI flags
	config, err := cmd.ParseFlags(version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if config.Version {
		fmt.Println("plated", version)
		return
	}

	useTUI := !config.NoTUI && config.LoadReference == "" && !config.ImportCalendar && config.ListVisits == 0
	closeLog, err := initLog(config, useTUI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if config.RememberKey && config.YelpAPIKey != "" {
		if err := cmd.SaveSecureYelpAPIKey(config.ConfigDir, config.YelpAPIKey); err != nil {
			log.WithError(err).Warn("failed to store Yelp API key")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database
	store, err := db.Open(config.DBPath)
	if err != nil {
		log.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer store.Close()

	switch {
	case config.LoadReference != "":
		err = loadReference(ctx, store, config.LoadReference)
	case config.ListVisits > 0:
		err = listVisits(ctx, store, config.ListVisits, os.Stdout)
	case config.ImportCalendar:
		err = importCalendar(ctx, newCoordinator(config, store, nil), config)
	default:
		err = run(ctx, config, store, useTUI)
	}
	if err != nil {
		log.WithError(err).Error("plated failed")
		store.Close()
		os.Exit(1)
	}
}

func initLog(config *cmd.Config, useTUI bool) (func(), error) {
	level, err := log.ParseLevel(config.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&prefixed.TextFormatter{
		ForceFormatting: true,
		FullTimestamp:   true,
	})

	if !useTUI {
		log.SetOutput(os.Stderr)
		return func() {}, nil
	}

	// The progress view owns the terminal; logs go next to the database.
	path := filepath.Join(filepath.Dir(config.DBPath), "plated.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetFormatter(&prefixed.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	return func() { f.Close() }, nil
}

func newCoordinator(config *cmd.Config, store *db.Store, rep progress.Reporter) *pipeline.Coordinator {
	entry := log.NewEntry(log.StandardLogger())

	var scanner pipeline.Scanner
	if config.LibraryRoot != "" {
		device := scan.ProbeDevice()
		if config.DeviceMemory > 0 {
			device.MemoryBytes = config.DeviceMemory
		}
		tier := scan.ClassifyDevice(device)
		settings := tier.Settings()
		entry.WithFields(log.Fields{
			"tier":        tier,
			"batch":       settings.BatchSize,
			"concurrency": settings.Concurrency,
		}).Info("device tier selected")

		reader := scan.SelectReader(config.MetadataIndex, config.LibraryRoot, settings.Concurrency, entry)
		s := scan.NewScanner(scan.NewDirSource(config.LibraryRoot), reader, store, settings, entry)
		s.MinSample = config.MinSample
		scanner = s
	}

	engine := cluster.NewEngine()
	engine.TimeGap = config.TimeGap
	engine.MaxDistance = config.ClusterDistance

	cleaner := calendar.NewCleaner(cache.New[string, string](cache.DefaultSize, 24*time.Hour))
	matcher := calendar.NewMatcher(calendar.NewFileSource(config.CalendarFile), cleaner, entry)
	matcher.Padding = config.CalendarPadding
	matcher.DedupeBuffer = config.DedupeBuffer

	classifier := food.NewHTTPClassifier(config.ClassifierURL, config.ClassifierRPS, entry)
	detector := food.NewOrchestrator(store, classifier, entry)
	detector.ChunkSize = config.FoodChunkSize
	detector.SamplePercent = config.SamplePercent
	detector.Threshold = config.FoodThreshold
	detector.MinSample = config.MinSample

	var fallback resolver.CandidateSource
	if config.YelpAPIKey != "" {
		fallback = search.NewYelpClient(config.YelpAPIKey, config.YelpRPS, entry)
	}
	locator := resolver.New(store, fallback)
	locator.SuggestionRadius = config.SuggestionRadius
	locator.MatchRadius = config.MatchRadius
	locator.Limit = config.MaxSuggestions

	c := pipeline.New(pipeline.Deps{
		Store:     store,
		Scanner:   scanner,
		Clusterer: engine,
		Matcher:   matcher,
		Food:      detector,
		Resolver:  locator,
		Cleaner:   cleaner,
		Reporter:  rep,
		Log:       entry,
	})
	c.DeepScan = config.DeepScan
	c.MinSample = config.MinSample
	return c
}

func run(ctx context.Context, config *cmd.Config, store *db.Store, useTUI bool) error {
	if !useTUI {
		rep := progress.LogReporter{Log: log.WithField("component", "progress")}
		sum := newCoordinator(config, store, rep).Run(ctx)
		printSummary(os.Stdout, sum)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	feed := progress.NewChannel(256)
	coordinator := newCoordinator(config, store, feed)
	p := tea.NewProgram(ui.New(feed.C(), pipeline.Phases, cancel))

	done := make(chan pipeline.Summary, 1)
	go func() {
		sum := coordinator.Run(ctx)
		feed.Close()
		done <- sum
		p.Send(doneMsg(sum))
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return fmt.Errorf("failed to run progress view: %w", err)
	}

	// A second interrupt quits the view before the run returns.
	cancel()
	sum := <-done
	if n := feed.Dropped(); n > 0 {
		log.WithField("dropped", n).Debug("progress snapshots dropped")
	}
	printSummary(os.Stdout, sum)
	return nil
}

func doneMsg(sum pipeline.Summary) model.PipelineDoneMsg {
	msg := model.PipelineDoneMsg{
		RunID:                    sum.RunID,
		VisitsCreated:            sum.VisitsCreated,
		PhotosProcessed:          sum.PhotosProcessed,
		FoodVisitsFound:          sum.FoodVisitsFound,
		VisitsWithCalendarEvents: sum.VisitsWithCalendarEvents,
	}
	for _, e := range sum.PhaseErrors {
		msg.PhaseErrors = append(msg.PhaseErrors, e.Error())
	}
	return msg
}

func printSummary(w io.Writer, sum pipeline.Summary) {
	fmt.Fprintf(w, "run %s: %s photos, %s visits created, %s food visits, %s with calendar events\n",
		sum.RunID,
		util.FormatCount(sum.PhotosProcessed),
		util.FormatCount(sum.VisitsCreated),
		util.FormatCount(sum.FoodVisitsFound),
		util.FormatCount(sum.VisitsWithCalendarEvents),
	)
	for _, e := range sum.PhaseErrors {
		fmt.Fprintf(w, "  %s\n", e.Error())
	}
}

func loadReference(ctx context.Context, store *db.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open reference file: %w", err)
	}
	defer f.Close()

	entry := log.WithField("component", "reference")
	res, err := store.LoadReferenceCSV(ctx, f, func(r db.LoadResult) {
		entry.WithFields(log.Fields{"loaded": r.Loaded, "dropped": r.Dropped}).Debug("reference batch committed")
	})
	if err != nil {
		return fmt.Errorf("failed to load reference data: %w", err)
	}
	fmt.Printf("loaded %s restaurants, dropped %s rows\n", util.FormatCount(res.Loaded), util.FormatCount(res.Dropped))
	return nil
}

func importCalendar(ctx context.Context, c *pipeline.Coordinator, config *cmd.Config) error {
	res, err := c.ImportCalendar(ctx, calendar.NewFileSource(config.CalendarFile), config.ImportWindow)
	if errors.Is(err, model.ErrConfigurationMissing) {
		return fmt.Errorf("calendar import needs --calendar-file and --load-reference data: %w", err)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s events, %s matched, %s visits created\n",
		util.FormatCount(res.Events), util.FormatCount(res.Matched), util.FormatCount(res.Created))
	return nil
}

func listVisits(ctx context.Context, store *db.Store, limit int, w io.Writer) error {
	visits, err := store.ListVisits(ctx, limit)
	if err != nil {
		return err
	}

	now := time.Now()
	t := table.New().Headers("Date", "Photos", "Food", "Status", "Restaurant", "Calendar")
	for _, v := range visits {
		suggestions, err := store.SuggestionsForVisit(ctx, v.ID)
		if err != nil {
			return err
		}
		restaurant := "–"
		if len(suggestions) > 0 {
			best := suggestions[0]
			for _, s := range suggestions {
				if s.ID == v.SuggestedRestaurantID {
					best = s
					break
				}
			}
			restaurant = fmt.Sprintf("%s (%s)", util.TruncateString(best.Name, 28), util.FormatDistance(best.Distance))
		}
		t.Row(
			util.FormatDateHuman(v.Start, now),
			strconv.Itoa(v.PhotoCount),
			util.FormatFoodSymbol(v.FoodProbable),
			string(v.Status),
			restaurant,
			util.TruncateString(v.CalendarEventTitle, 30),
		)
	}
	fmt.Fprintln(w, t.Render())
	return nil
}
