package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds CLI configuration.
type Config struct {
	ConfigDir string
	DBPath    string
	LogLevel  string
	NoTUI     bool
	Version   bool

	// Inputs
	LibraryRoot   string
	MetadataIndex string
	CalendarFile  string
	ClassifierURL string
	ClassifierRPS float64
	YelpAPIKey    string
	YelpRPS       float64
	RememberKey   bool
	DeviceMemory  uint64 // bytes, 0 means probe

	// Modes
	LoadReference  string
	ImportCalendar bool
	ImportWindow   time.Duration
	DeepScan       bool
	ListVisits     int

	// Tuning
	TimeGap          time.Duration
	ClusterDistance  float64
	SuggestionRadius float64
	MatchRadius      float64
	MaxSuggestions   int
	FoodChunkSize    int
	SamplePercent    int
	FoodThreshold    float64
	MinSample        time.Duration
	CalendarPadding  time.Duration
	DedupeBuffer     time.Duration
}

// ParseFlags parses command-line flags and returns configuration.
func ParseFlags(version string) (*Config, error) {
	// Load .env files first so env-based defaults work with flag parsing.
	// godotenv never overrides variables that are already set.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	config, err := parse(os.Args[1:], filepath.Join(home, ".plated"), version)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.ConfigDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	return config, nil
}

func newFlagSet(version string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("plated "+version, pflag.ContinueOnError)

	fs.String("config", "", "YAML config file (default: ~/.plated/config.yaml if present)")
	fs.String("db", "", "Path to SQLite database file (default: ~/.plated/plated.db)")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.Bool("no-tui", false, "Log progress instead of drawing the progress view")
	fs.Bool("version", false, "Print version and exit")

	fs.String("library", "", "Photo library root directory")
	fs.String("metadata-index", "", "exiftool -json index of the library")
	fs.String("calendar-file", "", "YAML calendar export used for enrichment")
	fs.String("classifier-url", "", "Food classifier endpoint")
	fs.Float64("classifier-rps", 4, "Classifier requests per second")
	fs.String("yelp-key", "", "Yelp Fusion API key (or set YELP_API_KEY)")
	fs.Float64("yelp-rps", 5, "Yelp requests per second")
	fs.Bool("remember-yelp-key", false, "Store --yelp-key in the config directory for later runs")
	fs.Uint64("device-memory", 0, "Override detected device memory in MiB")

	fs.String("load-reference", "", "Load a restaurant reference CSV and exit")
	fs.Bool("import-calendar", false, "Create visits from calendar reservations and exit")
	fs.Duration("import-window", 2*365*24*time.Hour, "How far back calendar import looks")
	fs.Bool("deep-scan", false, "Classify every unlabeled photo instead of a sample")
	fs.Int("list-visits", 0, "Print the N most recent visits and exit")

	fs.Duration("time-gap", 2*time.Hour, "Maximum time between photos of one visit")
	fs.Float64("cluster-distance", 200, "Maximum meters between photos of one visit")
	fs.Float64("suggestion-radius", 200, "Radius in meters for restaurant suggestions")
	fs.Float64("match-radius", 100, "Radius in meters for the primary restaurant")
	fs.Int("max-suggestions", 5, "Suggestions kept per visit")
	fs.Int("food-chunk", 20, "Photos per classifier request")
	fs.Int("food-sample", 30, "Percent of each visit's photos classified")
	fs.Float64("food-threshold", 0.6, "Classifier confidence threshold")
	fs.Duration("eta-min-sample", 3*time.Second, "Elapsed time before rates and ETAs are shown")
	fs.Duration("calendar-padding", time.Hour, "Padding around a visit when querying the calendar")
	fs.Duration("dedupe-buffer", 30*time.Minute, "Window in which overlapping events collapse")

	return fs
}

func parse(args []string, configDir, version string) (*Config, error) {
	fs := newFlagSet(version)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix("plated")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, configDir); err != nil {
		return nil, err
	}

	config := &Config{
		ConfigDir: configDir,
		DBPath:    v.GetString("db"),
		LogLevel:  v.GetString("log-level"),
		NoTUI:     v.GetBool("no-tui"),
		Version:   v.GetBool("version"),

		LibraryRoot:   v.GetString("library"),
		MetadataIndex: v.GetString("metadata-index"),
		CalendarFile:  v.GetString("calendar-file"),
		ClassifierURL: v.GetString("classifier-url"),
		ClassifierRPS: v.GetFloat64("classifier-rps"),
		YelpAPIKey:    v.GetString("yelp-key"),
		YelpRPS:       v.GetFloat64("yelp-rps"),
		RememberKey:   v.GetBool("remember-yelp-key"),
		DeviceMemory:  v.GetUint64("device-memory") << 20,

		LoadReference:  v.GetString("load-reference"),
		ImportCalendar: v.GetBool("import-calendar"),
		ImportWindow:   v.GetDuration("import-window"),
		DeepScan:       v.GetBool("deep-scan"),
		ListVisits:     v.GetInt("list-visits"),

		TimeGap:          v.GetDuration("time-gap"),
		ClusterDistance:  v.GetFloat64("cluster-distance"),
		SuggestionRadius: v.GetFloat64("suggestion-radius"),
		MatchRadius:      v.GetFloat64("match-radius"),
		MaxSuggestions:   v.GetInt("max-suggestions"),
		FoodChunkSize:    v.GetInt("food-chunk"),
		SamplePercent:    v.GetInt("food-sample"),
		FoodThreshold:    v.GetFloat64("food-threshold"),
		MinSample:        v.GetDuration("eta-min-sample"),
		CalendarPadding:  v.GetDuration("calendar-padding"),
		DedupeBuffer:     v.GetDuration("dedupe-buffer"),
	}

	if config.DBPath == "" {
		config.DBPath = filepath.Join(configDir, "plated.db")
	} else {
		config.ConfigDir = filepath.Dir(config.DBPath)
	}

	// Get Yelp API key from env if not provided via flag
	if config.YelpAPIKey == "" {
		config.YelpAPIKey = os.Getenv("YELP_API_KEY")
	}
	if config.YelpAPIKey == "" {
		key, err := loadSecureYelpAPIKey(config.ConfigDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load secure Yelp API key: %w", err)
		}
		config.YelpAPIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// readConfigFile loads --config, or the default file in configDir when one
// exists. An explicit file that cannot be read is an error.
func readConfigFile(v *viper.Viper, configDir string) error {
	v.SetConfigType("yaml")
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		return nil
	}

	path := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, value float64) {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, value))
		}
	}

	positive("time-gap", c.TimeGap.Seconds())
	positive("cluster-distance", c.ClusterDistance)
	positive("suggestion-radius", c.SuggestionRadius)
	positive("match-radius", c.MatchRadius)
	positive("max-suggestions", float64(c.MaxSuggestions))
	positive("food-chunk", float64(c.FoodChunkSize))
	positive("food-threshold", c.FoodThreshold)
	positive("import-window", c.ImportWindow.Seconds())

	if c.MatchRadius > c.SuggestionRadius {
		errs = append(errs, fmt.Errorf("match-radius %v exceeds suggestion-radius %v", c.MatchRadius, c.SuggestionRadius))
	}
	if c.FoodThreshold > 1 {
		errs = append(errs, fmt.Errorf("food-threshold must be at most 1, got %v", c.FoodThreshold))
	}
	if c.SamplePercent <= 0 || c.SamplePercent > 100 {
		errs = append(errs, fmt.Errorf("food-sample must be in (0,100], got %d", c.SamplePercent))
	}
	if c.MinSample < 0 || c.CalendarPadding < 0 || c.DedupeBuffer < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.ListVisits < 0 {
		errs = append(errs, fmt.Errorf("list-visits must not be negative, got %d", c.ListVisits))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func secureYelpKeyPath(configDir string) string {
	return filepath.Join(configDir, "yelp_api_key")
}

// loadSecureYelpAPIKey reads the key file written with 0600 permissions.
// A missing file yields an empty key.
func loadSecureYelpAPIKey(configDir string) (string, error) {
	data, err := os.ReadFile(secureYelpKeyPath(configDir))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveSecureYelpAPIKey stores key so later runs pick it up without a flag.
func SaveSecureYelpAPIKey(configDir, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("empty Yelp API key")
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(secureYelpKeyPath(configDir), []byte(key+"\n"), 0600)
}
