package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Telescope     string `toml:"telescope" yaml:"telescope" validate:"required,oneof=LST1 LST2"`
	DataDir       string `toml:"data_dir" yaml:"data_dir" validate:"required"`
	AnalysisDir   string `toml:"analysis_dir" yaml:"analysis_dir" validate:"required"`
	CloserDir     string `toml:"closer_dir" yaml:"closer_dir" validate:"required"`
	RunSummaryDir string `toml:"run_summary_dir" yaml:"run_summary_dir" validate:"required"`
	RunCatalogDir string `toml:"run_catalog_dir" yaml:"run_catalog_dir"`
	DBPath        string `toml:"db_path" yaml:"db_path"`
	ConfigFile    string `toml:"-" yaml:"-"`

	ProdID    string `toml:"prod_id" yaml:"prod_id" validate:"required"`
	DL1ProdID string `toml:"dl1_prod_id" yaml:"dl1_prod_id"`
	DL2ProdID string `toml:"dl2_prod_id" yaml:"dl2_prod_id"`

	MaxTrials    int `toml:"max_trials" yaml:"max_trials" validate:"min=1"`
	LookbackDays int `toml:"lookback_days" yaml:"lookback_days" validate:"min=0"`

	Slurm    SlurmConfig    `toml:"slurm" yaml:"slurm"`
	Lstchain LstchainConfig `toml:"lstchain" yaml:"lstchain"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
	Watch    WatchConfig    `toml:"watch" yaml:"watch"`

	// Per-invocation values, set from the command line.
	Date     time.Time `toml:"-" yaml:"-"`
	Simulate bool      `toml:"-" yaml:"-"`
	NoSubmit bool      `toml:"-" yaml:"-"`
	NoCalib  bool      `toml:"-" yaml:"-"`
	NoDL2    bool      `toml:"-" yaml:"-"`
	Test     bool      `toml:"-" yaml:"-"`
	Verbose  bool      `toml:"-" yaml:"-"`
}

type SlurmConfig struct {
	Walltime          string `toml:"walltime" yaml:"walltime" validate:"required"`
	PartitionPedcalib string `toml:"partition_pedcalib" yaml:"partition_pedcalib" validate:"required"`
	PartitionData     string `toml:"partition_data" yaml:"partition_data" validate:"required"`
	MemsizePedcalib   string `toml:"memsize_pedcalib" yaml:"memsize_pedcalib" validate:"required"`
	MemsizeData       string `toml:"memsize_data" yaml:"memsize_data" validate:"required"`
	Account           string `toml:"account" yaml:"account"`
	StartTimeDays     int    `toml:"starttime_days_sacct" yaml:"starttime_days_sacct" validate:"min=0"`
	CommandTimeout    string `toml:"command_timeout" yaml:"command_timeout"`
}

// LstchainConfig names the programs that write history lines.
type LstchainConfig struct {
	DRS4Baseline      string `toml:"drs4_baseline" yaml:"drs4_baseline" validate:"required"`
	ChargeCalibration string `toml:"charge_calibration" yaml:"charge_calibration" validate:"required"`
	R0ToDL1           string `toml:"r0_to_dl1" yaml:"r0_to_dl1" validate:"required"`
	DL1ab             string `toml:"dl1ab" yaml:"dl1ab" validate:"required"`
	CheckDL1          string `toml:"check_dl1" yaml:"check_dl1" validate:"required"`
	DL1ToDL2          string `toml:"dl1_to_dl2" yaml:"dl1_to_dl2" validate:"required"`
}

type CacheConfig struct {
	CtapipeCache   string `toml:"ctapipe_cache" yaml:"ctapipe_cache"`
	CtapipeSvcPath string `toml:"ctapipe_svc_path" yaml:"ctapipe_svc_path"`
	MPLConfigDir   string `toml:"mplconfigdir" yaml:"mplconfigdir"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Output []string `toml:"output" yaml:"output"`
	File   string   `toml:"file" yaml:"file"`
}

type WatchConfig struct {
	Schedule string `toml:"schedule" yaml:"schedule"`
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("OSA_DATA_DIR", filepath.Join(homeDir, ".osa"))

	c := &Config{
		Telescope:     "LST1",
		DataDir:       dataDir,
		AnalysisDir:   filepath.Join(dataDir, "running_analysis"),
		CloserDir:     filepath.Join(dataDir, "OSA", "Closer"),
		RunSummaryDir: filepath.Join(dataDir, "monitoring", "RunSummary"),
		RunCatalogDir: filepath.Join(dataDir, "monitoring", "RunCatalog"),
		DBPath:        filepath.Join(dataDir, "osa.db"),
		ConfigFile:    getEnv("OSA_CONFIG", ""),
		ProdID:        "v0.1.0",
		MaxTrials:     3,
		LookbackDays:  4,
		Slurm: SlurmConfig{
			Walltime:          "1:15:00",
			PartitionPedcalib: "short",
			PartitionData:     "long",
			MemsizePedcalib:   "3GB",
			MemsizeData:       "6GB",
			StartTimeDays:     7,
			CommandTimeout:    "2m",
		},
		Lstchain: LstchainConfig{
			DRS4Baseline:      "onsite_create_drs4_pedestal_file",
			ChargeCalibration: "onsite_create_calibration_file",
			R0ToDL1:           "lstchain_data_r0_to_dl1",
			DL1ab:             "lstchain_dl1ab",
			CheckDL1:          "lstchain_check_dl1",
			DL1ToDL2:          "lstchain_dl1_to_dl2",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"console"},
		},
		Watch: WatchConfig{
			Schedule: "*/15 * * * *",
		},
		Date: time.Now().UTC().AddDate(0, 0, -1),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if c.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(c.DBPath), 0755); err != nil {
			return err
		}
	}
	return nil
}

// FlatDate is the YYYYMMDD directory name of the observation night.
func (c *Config) FlatDate() string {
	return DateToDir(c.Date)
}

// NightDir is the running analysis directory for the date and production.
func (c *Config) NightDir() string {
	return c.NightDirFor(c.Date)
}

func (c *Config) NightDirFor(date time.Time) string {
	return filepath.Join(c.AnalysisDir, DateToDir(date), c.ProdID)
}

func (c *Config) LogDir() string {
	return filepath.Join(c.NightDir(), "log")
}

// ClosedFlag is the file whose existence marks the night as finished.
func (c *Config) ClosedFlag() string {
	return filepath.Join(c.CloserDir, c.FlatDate(), c.ProdID, "NightFinished.txt")
}

func (c *Config) RunSummaryFile(date time.Time) string {
	return filepath.Join(c.RunSummaryDir, "RunSummary_"+DateToDir(date)+".ecsv")
}

func (c *Config) RunCatalogFile(date time.Time) string {
	if c.RunCatalogDir == "" {
		return ""
	}
	return filepath.Join(c.RunCatalogDir, "RunCatalog_"+DateToDir(date)+".ecsv")
}

// RequestedDL1ProdID falls back to the general production id.
func (c *Config) RequestedDL1ProdID() string {
	if c.DL1ProdID != "" {
		return c.DL1ProdID
	}
	return c.ProdID
}

func (c *Config) RequestedDL2ProdID() string {
	if c.DL2ProdID != "" {
		return c.DL2ProdID
	}
	return c.ProdID
}

// CommandTimeout returns zero when no timeout is configured.
func (c *Config) CommandTimeout() time.Duration {
	if c.Slurm.CommandTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Slurm.CommandTimeout)
	if err != nil {
		return 0
	}
	return d
}

func DateToDir(t time.Time) string {
	return t.Format("20060102")
}

func DateToISO(t time.Time) string {
	return t.Format("2006-01-02")
}

// ParseDate accepts YYYY-MM-DD and YYYY_MM_DD.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006_01_02", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &DateError{Value: s}
}

type DateError struct {
	Value string
}

func (e *DateError) Error() string {
	return "invalid date " + e.Value + " (expected YYYY-MM-DD)"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
