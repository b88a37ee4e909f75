package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/sievecore/cluster"
	"github.com/migadu/sievecore/db"
	"github.com/migadu/sievecore/helpers"
	"github.com/migadu/sievecore/scriptsource"
	"github.com/migadu/sievecore/server"
	"github.com/migadu/sievecore/server/managesieve"
	"github.com/migadu/sievecore/server/sieveengine"
)

func main() {
	cfg := newDefaultConfig()

	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")

	fInsecureAuth := flag.Bool("insecure-auth", cfg.InsecureAuth, "Allow authentication without TLS (overrides config)")
	fDebug := flag.Bool("debug", cfg.Debug, "Set the debug config value; no command/response logging reads it (overrides config)")
	fLogOutput := flag.String("logoutput", "stderr", "Log output destination: 'syslog' or 'stderr'")

	fDbDriver := flag.String("dbdriver", cfg.Database.Driver, "Database driver: 'postgres' or 'sqlite' (overrides config)")
	fDbHost := flag.String("dbhost", cfg.Database.Host, "Database host (overrides config)")
	fDbPort := flag.String("dbport", cfg.Database.Port, "Database port (overrides config)")
	fDbUser := flag.String("dbuser", cfg.Database.User, "Database user (overrides config)")
	fDbPassword := flag.String("dbpassword", cfg.Database.Password, "Database password (overrides config)")
	fDbName := flag.String("dbname", cfg.Database.Name, "Database name (overrides config)")
	fDbTLS := flag.Bool("dbtls", cfg.Database.TLSMode, "Enable TLS for database connection (overrides config)")
	fDbLogQueries := flag.Bool("dblogqueries", cfg.Database.LogQueries, "Log all database queries (overrides config)")
	fSqlitePath := flag.String("sqlitepath", cfg.Database.SQLitePath, "SQLite database file, used when dbdriver=sqlite (overrides config)")

	fManageSieveAddr := flag.String("managesieveaddr", cfg.ManageSieve.Addr, "ManageSieve server address (overrides config)")
	fHostname := flag.String("hostname", cfg.ManageSieve.Hostname, "Hostname reported in session logs (overrides config)")
	fQuotaBytes := flag.Int64("quotabytes", cfg.ManageSieve.QuotaBytes, "Per-account script storage quota in bytes, 0 disables (overrides config)")
	fQuota := flag.String("quota", "", "Per-account script storage quota as a human size (e.g. \"10mb\"); takes precedence over -quotabytes if set")
	fTLSCert := flag.String("tlscert", cfg.ManageSieve.CertFile, "TLS certificate file for ManageSieve (overrides config)")
	fTLSKey := flag.String("tlskey", cfg.ManageSieve.KeyFile, "TLS key file for ManageSieve (overrides config)")
	fTLSInsecureSkipVerify := flag.Bool("tlsinsecureskipverify", cfg.ManageSieve.InsecureSkip, "Skip TLS cert verification (overrides config)")

	fScratchDir := flag.String("scratchdir", cfg.Paths.ScratchDir, "Scratch directory for compiled bytecode blobs (overrides config)")
	fCacheDir := flag.String("cachedir", cfg.Paths.CacheDir, "Bytecode cache directory (overrides config)")

	fMetricsAddr := flag.String("metricsaddr", cfg.MetricsAddr, "Address to serve Prometheus metrics on, empty disables (overrides config)")

	flag.Parse()

	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if isFlagSet("config") {
				log.Fatalf("Error: Specified configuration file '%s' not found: %v", *configPath, err)
			}
			log.Printf("WARNING: Default configuration file '%s' not found. Using application defaults and command-line flags.", *configPath)
		} else {
			log.Fatalf("Error parsing configuration file '%s': %v", *configPath, err)
		}
	} else {
		log.Printf("Loaded configuration from %s", *configPath)
	}

	switch *fLogOutput {
	case "syslog":
		syslogWriter, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "sievecore")
		if err != nil {
			log.Printf("WARNING: Failed to connect to syslog: %v. Logging to standard error.", err)
		} else {
			log.SetOutput(syslogWriter)
			log.SetFlags(0)
			defer syslogWriter.Close()
		}
	case "stderr":
	default:
		log.Printf("WARNING: Invalid logoutput value '%s'; logging to standard error.", *fLogOutput)
	}
	log.Println("sievecore ManageSieve service starting")

	if isFlagSet("insecure-auth") {
		cfg.InsecureAuth = *fInsecureAuth
	}
	if isFlagSet("debug") {
		cfg.Debug = *fDebug
	}
	if isFlagSet("dbdriver") {
		cfg.Database.Driver = *fDbDriver
	}
	if isFlagSet("dbhost") {
		cfg.Database.Host = *fDbHost
	}
	if isFlagSet("dbport") {
		cfg.Database.Port = *fDbPort
	}
	if isFlagSet("dbuser") {
		cfg.Database.User = *fDbUser
	}
	if isFlagSet("dbpassword") {
		cfg.Database.Password = *fDbPassword
	}
	if isFlagSet("dbname") {
		cfg.Database.Name = *fDbName
	}
	if isFlagSet("dbtls") {
		cfg.Database.TLSMode = *fDbTLS
	}
	if isFlagSet("dblogqueries") {
		cfg.Database.LogQueries = *fDbLogQueries
	}
	if isFlagSet("sqlitepath") {
		cfg.Database.SQLitePath = *fSqlitePath
	}
	if isFlagSet("managesieveaddr") {
		cfg.ManageSieve.Addr = *fManageSieveAddr
	}
	if isFlagSet("hostname") {
		cfg.ManageSieve.Hostname = *fHostname
	}
	if isFlagSet("quotabytes") {
		cfg.ManageSieve.QuotaBytes = *fQuotaBytes
	}
	if isFlagSet("quota") {
		size, err := helpers.ParseSize(*fQuota)
		if err != nil {
			log.Fatalf("Invalid -quota value %q: %v", *fQuota, err)
		}
		cfg.ManageSieve.QuotaBytes = size
	}
	if isFlagSet("tlscert") {
		cfg.ManageSieve.CertFile = *fTLSCert
	}
	if isFlagSet("tlskey") {
		cfg.ManageSieve.KeyFile = *fTLSKey
	}
	if isFlagSet("tlsinsecureskipverify") {
		cfg.ManageSieve.InsecureSkip = *fTLSInsecureSkipVerify
	}
	if isFlagSet("scratchdir") {
		cfg.Paths.ScratchDir = *fScratchDir
	}
	if isFlagSet("cachedir") {
		cfg.Paths.CacheDir = *fCacheDir
	}
	if isFlagSet("metricsaddr") {
		cfg.MetricsAddr = *fMetricsAddr
	}

	if cfg.ManageSieve.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.ManageSieve.Hostname = h
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		log.Printf("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	// --- Persistence: Postgres (default) or the sqlite alternative (§10.4 C11) ---

	var store sieveengine.Store
	var duplicate sieveengine.DuplicateCapability
	var managesieveDB managesieve.DBer
	var closeStore func()

	switch cfg.Database.Driver {
	case "sqlite":
		log.Printf("opening sqlite store at %s", cfg.Database.SQLitePath)
		sqliteDB, err := db.NewSQLiteDatabase(ctx, cfg.Database.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open sqlite store: %v", err)
		}
		store, duplicate, managesieveDB = sqliteDB, sqliteDB, sqliteDB
		closeStore = sqliteDB.Close
	case "postgres", "":
		log.Printf("connecting to database at %s:%s as user %s, using database %s", cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Name)
		pgDB, err := db.NewDatabase(ctx, cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.TLSMode, cfg.Database.LogQueries)
		if err != nil {
			log.Fatalf("Failed to connect to the database: %v", err)
		}
		store, duplicate, managesieveDB = pgDB, pgDB, pgDB
		closeStore = pgDB.Close
	default:
		log.Fatalf("Unknown database driver %q (expected 'postgres' or 'sqlite')", cfg.Database.Driver)
	}
	defer closeStore()

	// --- Optional gossip tier in front of the duplicate tracker (§10.4 C7) ---

	if cfg.Cluster.BindAddr != "" {
		log.Printf("joining memberlist cluster %s at %s:%d", cfg.Cluster.NodeName, cfg.Cluster.BindAddr, cfg.Cluster.BindPort)
		tracker, err := cluster.NewGossipTracker(duplicate.(cluster.DuplicateStore), cfg.Cluster.NodeName, cfg.Cluster.BindAddr, cfg.Cluster.BindPort, cfg.Cluster.Seeds)
		if err != nil {
			log.Fatalf("Failed to join memberlist cluster: %v", err)
		}
		duplicate = tracker
	}

	// --- Optional S3-backed remote include source (§10.4 C9) ---

	var include sieveengine.IncludeResolver
	if cfg.RemoteScripts.Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.RemoteScripts.AccessKey, cfg.RemoteScripts.SecretKey, "")),
		)
		if err != nil {
			log.Fatalf("Failed to load AWS config for remote scripts: %v", err)
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.RemoteScripts.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.RemoteScripts.Endpoint)
			}
			o.UsePathStyle = true
		})
		include = scriptsource.New(s3Client, cfg.RemoteScripts.Bucket, cfg.RemoteScripts.Prefix, cfg.Paths.CacheDir)
		log.Printf("remote script includes enabled: bucket=%s prefix=%s", cfg.RemoteScripts.Bucket, cfg.RemoteScripts.Prefix)
	}

	// sieveengine.Engine is the library a host's own LMTP/LDA path links
	// in to actually evaluate scripts against arriving mail (out of scope
	// here per RFC 5804 §1 — this service manages script text and
	// activation state only). The debug evaluate endpoint below exposes
	// it for ops to dry-run a stored script against a sample message
	// without standing up a real delivery path.
	engine := sieveengine.New(store, cfg.Paths.ScratchDir, duplicate, include)
	if cfg.Sieve.VacationInterval != "" {
		interval, err := helpers.ParseDuration(cfg.Sieve.VacationInterval)
		if err != nil {
			log.Fatalf("Invalid sieve.vacation_interval %q: %v", cfg.Sieve.VacationInterval, err)
		}
		engine.WithVacationInterval(interval)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			log.Printf("serving metrics and debug endpoints on %s", cfg.MetricsAddr)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/debug/evaluate", debugEvaluateHandler(engine))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	errChan := make(chan error, 1)
	startManageSieveServer(ctx, cfg.ManageSieve.Hostname, cfg.ManageSieve.Addr, managesieveDB, cfg.ManageSieve.QuotaBytes, errChan, cfg.ManageSieve.CertFile, cfg.ManageSieve.KeyFile, cfg.ManageSieve.InsecureSkip, cfg.InsecureAuth, []byte(cfg.RemoteScripts.JWTKey))

	select {
	case <-ctx.Done():
		log.Println("Shutting down sievecore...")
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}

func startManageSieveServer(ctx context.Context, hostname, addr string, database managesieve.DBer, quotaBytes int64, errChan chan error, tlsCertFile, tlsKeyFile string, insecureSkipVerify, insecureAuth bool, jwtKey []byte) {
	s, err := managesieve.New(ctx, hostname, addr, database, quotaBytes, tlsCertFile, tlsKeyFile, insecureSkipVerify)
	if err != nil {
		errChan <- fmt.Errorf("failed to create ManageSieve server: %w", err)
		return
	}
	s.WithInsecureAuth(insecureAuth)
	if len(jwtKey) > 0 {
		s.WithJWTKey(jwtKey)
	}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down ManageSieve server...")
		s.Close()
	}()

	go s.Start(errChan)
}

// debugEvaluateHandler dry-runs an account's active script against a
// caller-supplied message, returning the dispatch outcome as JSON. It is
// a diagnostic tool for ops (same family as CHECKSCRIPT's dry-run
// validation), not a delivery path: nothing calls it but an operator.
func debugEvaluateHandler(engine *sieveengine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		accountID, err := strconv.ParseInt(r.URL.Query().Get("account"), 10, 64)
		if err != nil {
			http.Error(w, "missing or invalid ?account=", http.StatusBadRequest)
			return
		}

		var msg sieveengine.Message
		if r.Header.Get("Content-Type") == "message/rfc822" {
			parsed, err := messageFromRFC822(r.Body, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid message/rfc822 body: %v", err), http.StatusBadRequest)
				return
			}
			msg = *parsed
		} else if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("invalid message body: %v", err), http.StatusBadRequest)
			return
		}

		outcome, err := engine.Evaluate(r.Context(), accountID, &msg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outcome)
	}
}

// messageFromRFC822 builds a sieveengine.Message from a raw MIME message,
// the same parse path a real LMTP/LDA host would run before handing a
// delivery to Engine.Evaluate: server.ParseMessage reads the entity,
// helpers.ExtractPlaintextBody resolves the "body" test's plaintext
// (falling back to an HTML part), and helpers.ExtractRecipients supplies
// the first To address as the envelope recipient when the caller gave none.
func messageFromRFC822(r io.Reader, envelopeFrom, envelopeTo string) (*sieveengine.Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	// Parsed twice from the same bytes: ExtractParts walks (and consumes)
	// the MIME tree purely for structure logging, so the plaintext
	// extraction below needs its own untouched entity to read from.
	if structural, err := server.ParseMessage(bytes.NewReader(raw)); err == nil {
		if err := server.ExtractParts(structural); err != nil {
			return nil, fmt.Errorf("inspecting MIME structure: %w", err)
		}
	}

	entity, err := server.ParseMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	body, err := helpers.ExtractPlaintextBody(entity)
	if err != nil {
		return nil, err
	}
	plain := ""
	if body != nil {
		plain = *body
	}

	header := make(map[string][]string)
	for field := entity.Header.Fields(); field.Next(); {
		key := strings.ToLower(field.Key())
		header[key] = append(header[key], field.Value())
	}

	if recipients := helpers.ExtractRecipients(entity.Header); len(recipients) > 0 && envelopeTo == "" {
		envelopeTo = recipients[0].EmailAddress
	}

	return &sieveengine.Message{
		Header:       header,
		Body:         plain,
		EnvelopeFrom: envelopeFrom,
		EnvelopeTo:   envelopeTo,
		Size:         int64(len(raw)),
	}, nil
}

// isFlagSet reports whether name was explicitly set on the command line,
// so config-file values aren't clobbered by a flag's zero-value default.
func isFlagSet(name string) bool {
	isSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			isSet = true
		}
	})
	return isSet
}
