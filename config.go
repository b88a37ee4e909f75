package main

// Config holds all configuration for the ManageSieve service: the
// database connection, the ManageSieve listener itself, TLS material,
// the optional S3-backed remote script source, and the optional
// memberlist cluster for gossiped duplicate tracking.
type Config struct {
	InsecureAuth bool `toml:"insecure_auth"`
	Debug        bool `toml:"debug"`

	Database struct {
		// Driver selects the backing store: "postgres" (default) or
		// "sqlite" (§10.4 C11, modernc.org/sqlite, no server to run).
		Driver     string `toml:"driver"`
		Host       string `toml:"host"`
		Port       string `toml:"port"`
		User       string `toml:"user"`
		Password   string `toml:"password"`
		Name       string `toml:"name"`
		TLSMode    bool   `toml:"tls"`
		LogQueries bool   `toml:"log_queries"`
		// SQLitePath is the database file used when Driver is "sqlite".
		SQLitePath string `toml:"sqlite_path"`
	} `toml:"database"`

	ManageSieve struct {
		Addr         string `toml:"addr"`
		Hostname     string `toml:"hostname"`
		QuotaBytes   int64  `toml:"quota_bytes"`
		CertFile     string `toml:"cert_file"`
		KeyFile      string `toml:"key_file"`
		InsecureSkip bool   `toml:"insecure_skip_verify"`
	} `toml:"managesieve"`

	// Sieve configures engine-wide evaluation defaults.
	Sieve struct {
		// VacationInterval overrides the fallback minimum gap between
		// vacation replies for scripts that give neither :days nor
		// :seconds. Accepts helpers.ParseDuration syntax (e.g. "7d",
		// "36h"). Empty keeps consts.DefaultVacationInterval.
		VacationInterval string `toml:"vacation_interval"`
	} `toml:"sieve"`

	Paths struct {
		ScratchDir string `toml:"scratch_dir"`
		CacheDir   string `toml:"cache_dir"`
	} `toml:"paths"`

	// MetricsAddr, if non-empty, serves Prometheus metrics (dispatch
	// counters and histogram) and the /debug/evaluate endpoint over plain
	// HTTP at this address.
	MetricsAddr string `toml:"metrics_addr"`

	// RemoteScripts configures the optional S3-backed remote include
	// source (§10.4 C9). Bucket empty disables remote includes.
	RemoteScripts struct {
		Endpoint  string `toml:"endpoint"`
		AccessKey string `toml:"access_key"`
		SecretKey string `toml:"secret_key"`
		Bucket    string `toml:"bucket"`
		Prefix    string `toml:"prefix"`
		JWTKey    string `toml:"jwt_key"`
	} `toml:"remote_scripts"`

	// Cluster configures the optional memberlist gossip tier in front of
	// the database duplicate tracker (§10.4 C7). BindAddr empty runs
	// duplicate tracking against the database alone.
	Cluster struct {
		NodeName string   `toml:"node_name"`
		BindAddr string   `toml:"bind_addr"`
		BindPort int      `toml:"bind_port"`
		Seeds    []string `toml:"seeds"`
	} `toml:"cluster"`
}

// newDefaultConfig creates a Config struct with default values.
func newDefaultConfig() Config {
	cfg := Config{
		InsecureAuth: false,
		Debug:        false,
	}
	cfg.Database.Driver = "postgres"
	cfg.Database.Host = "localhost"
	cfg.Database.Port = "5432"
	cfg.Database.User = "postgres"
	cfg.Database.Name = "sievecore"
	cfg.Database.SQLitePath = "/tmp/sievecore/sievecore.db"

	cfg.ManageSieve.Addr = ":4190"
	cfg.ManageSieve.Hostname = "localhost"
	cfg.ManageSieve.QuotaBytes = 0

	cfg.Paths.ScratchDir = "/tmp/sievecore/scratch"
	cfg.Paths.CacheDir = "/tmp/sievecore/cache"

	cfg.Cluster.BindPort = 7946

	return cfg
}
