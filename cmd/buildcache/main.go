// Command buildcache administers a build cache: clear or trim the local
// store, print its stats, or run an end-to-end probe through a resolved
// local+remote configuration. It is a debugging convenience for cache
// operators; the build tool itself configures the cache through the library
// API.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/forgebuild/buildcache"
	"github.com/forgebuild/buildcache/gcscache"
	"github.com/forgebuild/buildcache/httpcache"
	"github.com/forgebuild/buildcache/internal/dirstore"
	"github.com/forgebuild/buildcache/ocicache"
	"github.com/forgebuild/buildcache/s3cache"
)

// options holds the flag/env configuration shared by all subcommands.
// Command-line flags take precedence over environment variables.
type options struct {
	debug       bool
	dir         string
	compression string
	cleanupAge  time.Duration

	remoteType string
	pushRemote bool

	httpURL      string
	httpUsername string
	httpPassword string
	httpTimeout  time.Duration

	s3Bucket string
	s3Prefix string
	s3Region string

	gcsBucket string
	gcsPrefix string

	ociRepository string
	ociUsername   string
	ociPassword   string
	ociPlainHTTP  bool
}

func (o *options) register(fs *flag.FlagSet) {
	fs.BoolVar(&o.debug, "debug", getEnvBool("BUILDCACHE_DEBUG", false), "Enable debug logging (env: BUILDCACHE_DEBUG)")
	fs.StringVar(&o.dir, "dir", getEnv("BUILDCACHE_DIR", buildcache.DefaultLocalDirectory()), "Local cache directory (env: BUILDCACHE_DIR)")
	fs.StringVar(&o.compression, "compression", getEnv("BUILDCACHE_COMPRESSION", "none"), "Local entry compression: none, lz4, zstd (env: BUILDCACHE_COMPRESSION)")
	fs.DurationVar(&o.cleanupAge, "cleanup-age", getEnvDuration("BUILDCACHE_CLEANUP_AGE", 7*24*time.Hour), "Remove local entries older than this (env: BUILDCACHE_CLEANUP_AGE)")

	fs.StringVar(&o.remoteType, "remote", getEnv("BUILDCACHE_REMOTE", ""), "Remote backend type: http, s3, gcs, oci (env: BUILDCACHE_REMOTE)")
	fs.BoolVar(&o.pushRemote, "push-remote", getEnvBool("BUILDCACHE_PUSH_REMOTE", false), "Write entries to the remote cache as well (env: BUILDCACHE_PUSH_REMOTE)")

	fs.StringVar(&o.httpURL, "http-url", getEnv("BUILDCACHE_HTTP_URL", ""), "HTTP cache base URL (env: BUILDCACHE_HTTP_URL)")
	fs.StringVar(&o.httpUsername, "http-username", getEnv("BUILDCACHE_HTTP_USERNAME", ""), "HTTP basic auth username (env: BUILDCACHE_HTTP_USERNAME)")
	fs.StringVar(&o.httpPassword, "http-password", getEnv("BUILDCACHE_HTTP_PASSWORD", ""), "HTTP basic auth password (env: BUILDCACHE_HTTP_PASSWORD)")
	fs.DurationVar(&o.httpTimeout, "http-timeout", getEnvDuration("BUILDCACHE_HTTP_TIMEOUT", 30*time.Second), "HTTP request timeout (env: BUILDCACHE_HTTP_TIMEOUT)")

	fs.StringVar(&o.s3Bucket, "s3-bucket", getEnv("BUILDCACHE_S3_BUCKET", ""), "S3 bucket name (env: BUILDCACHE_S3_BUCKET)")
	fs.StringVar(&o.s3Prefix, "s3-prefix", getEnv("BUILDCACHE_S3_PREFIX", ""), "S3 key prefix (env: BUILDCACHE_S3_PREFIX)")
	fs.StringVar(&o.s3Region, "s3-region", getEnv("BUILDCACHE_S3_REGION", ""), "S3 region override (env: BUILDCACHE_S3_REGION)")

	fs.StringVar(&o.gcsBucket, "gcs-bucket", getEnv("BUILDCACHE_GCS_BUCKET", ""), "GCS bucket name (env: BUILDCACHE_GCS_BUCKET)")
	fs.StringVar(&o.gcsPrefix, "gcs-prefix", getEnv("BUILDCACHE_GCS_PREFIX", ""), "GCS object prefix (env: BUILDCACHE_GCS_PREFIX)")

	fs.StringVar(&o.ociRepository, "oci-repository", getEnv("BUILDCACHE_OCI_REPOSITORY", ""), "OCI repository, e.g. ghcr.io/org/build-cache (env: BUILDCACHE_OCI_REPOSITORY)")
	fs.StringVar(&o.ociUsername, "oci-username", getEnv("BUILDCACHE_OCI_USERNAME", ""), "OCI registry username (env: BUILDCACHE_OCI_USERNAME)")
	fs.StringVar(&o.ociPassword, "oci-password", getEnv("BUILDCACHE_OCI_PASSWORD", ""), "OCI registry password (env: BUILDCACHE_OCI_PASSWORD)")
	fs.BoolVar(&o.ociPlainHTTP, "oci-plain-http", getEnvBool("BUILDCACHE_OCI_PLAIN_HTTP", false), "Use plain HTTP for the OCI registry (env: BUILDCACHE_OCI_PLAIN_HTTP)")
}

func (o *options) logger() *slog.Logger {
	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// configuration builds the cache configuration the library consumers would
// assemble from their build scripts.
func (o *options) configuration() (*buildcache.Configuration, error) {
	cfg := buildcache.New()
	err := cfg.ConfigureLocal(func(l *buildcache.Local) {
		l.SetDirectory(o.dir)
		l.SetCompression(o.compression)
	})
	if err != nil {
		return nil, err
	}

	if o.remoteType == "" {
		return cfg, nil
	}

	_, err = cfg.ConfigureRemote(o.remoteType, func(r *buildcache.Remote) {
		r.SetPush(o.pushRemote)
		switch o.remoteType {
		case httpcache.TypeID:
			r.Set("url", o.httpURL)
			r.Set("username", o.httpUsername)
			r.Set("password", o.httpPassword)
			r.Set("timeout", o.httpTimeout)
		case s3cache.TypeID:
			r.Set("bucket", o.s3Bucket)
			r.Set("prefix", o.s3Prefix)
			r.Set("region", o.s3Region)
		case gcscache.TypeID:
			r.Set("bucket", o.gcsBucket)
			r.Set("prefix", o.gcsPrefix)
		case ocicache.TypeID:
			r.Set("repository", o.ociRepository)
			r.Set("username", o.ociUsername)
			r.Set("password", o.ociPassword)
			r.Set("plain_http", o.ociPlainHTTP)
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// registry returns a factory registry with every bundled remote backend
// registered.
func registry() *buildcache.Registry {
	reg := buildcache.NewRegistry()
	for typeID, factory := range map[string]buildcache.Factory{
		httpcache.TypeID: httpcache.Factory,
		s3cache.TypeID:   s3cache.Factory,
		gcscache.TypeID:  gcscache.Factory,
		ocicache.TypeID:  ocicache.Factory,
	} {
		if err := reg.Register(typeID, factory); err != nil {
			fmt.Fprintf(os.Stderr, "Error registering %s backend: %v\n", typeID, err)
			os.Exit(1)
		}
	}
	return reg
}

func main() {
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		printHelp()
		os.Exit(1)
	}

	var run func(*options) error
	switch os.Args[1] {
	case "clear":
		run = runClear
	case "cleanup":
		run = runCleanup
	case "stats":
		run = runStats
	case "check":
		run = runCheck
	case "help", "-h", "--help":
		printHelp()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	opts := &options{}
	opts.register(fs)
	fs.Parse(os.Args[2:])

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Administer a forgebuild build cache.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  clear    Remove all entries from the local cache (and the remote with -remote)\n")
	fmt.Fprintf(os.Stderr, "  cleanup  Remove local entries older than -cleanup-age\n")
	fmt.Fprintf(os.Stderr, "  stats    Print local cache entry count and size\n")
	fmt.Fprintf(os.Stderr, "  check    Resolve the configuration and run a put/get probe through it\n")
	fmt.Fprintf(os.Stderr, "  help     Show this help message\n\n")
	fmt.Fprintf(os.Stderr, "Flags can also be set via BUILDCACHE_* environment variables;\n")
	fmt.Fprintf(os.Stderr, "command-line flags take precedence.\n\n")
	fmt.Fprintf(os.Stderr, "Run '%s <command> -h' for the full flag list.\n", os.Args[0])
}

func runClear(opts *options) error {
	ctx := context.Background()

	store, err := dirstore.New(opts.dir, dirstore.WithLogger(opts.logger()))
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Clear(ctx); err != nil {
		return err
	}
	fmt.Printf("Cleared local cache at %s\n", opts.dir)

	if opts.remoteType == "" {
		return nil
	}

	cfg, err := opts.configuration()
	if err != nil {
		return err
	}
	remote, err := cfg.Remote()
	if err != nil {
		return err
	}
	factory, err := registry().Lookup(remote.TypeID())
	if err != nil {
		return err
	}
	svc, err := factory(ctx, remote.Settings())
	if err != nil {
		return err
	}
	defer svc.Close()

	clearer, ok := svc.(buildcache.Clearer)
	if !ok {
		return fmt.Errorf("remote backend %q does not support clearing", remote.TypeID())
	}
	if err := clearer.Clear(ctx); err != nil {
		return err
	}
	fmt.Printf("Cleared remote %s cache\n", remote.TypeID())
	return nil
}

func runCleanup(opts *options) error {
	store, err := dirstore.New(opts.dir, dirstore.WithLogger(opts.logger()))
	if err != nil {
		return err
	}
	defer store.Close()

	removed, err := store.Cleanup(context.Background(), opts.cleanupAge)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d entries older than %s from %s\n", removed, opts.cleanupAge, opts.dir)
	return nil
}

func runStats(opts *options) error {
	store, err := dirstore.New(opts.dir, dirstore.WithLogger(opts.logger()))
	if err != nil {
		return err
	}
	defer store.Close()

	entries, size, err := store.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("Local cache: %s\n", opts.dir)
	fmt.Printf("  Entries: %d\n", entries)
	fmt.Printf("  Size:    %.2f MiB\n", float64(size)/(1<<20))
	return nil
}

// runCheck resolves the configured cache and pushes one probe entry through
// it end to end: put, then get, reporting where the entry came back from.
func runCheck(opts *options) error {
	ctx := context.Background()
	logger := opts.logger()

	cfg, err := opts.configuration()
	if err != nil {
		return err
	}
	resolver := buildcache.NewResolver(registry(), buildcache.WithLogger(logger))
	handle, err := resolver.Resolve(ctx, cfg)
	if err != nil {
		return err
	}
	defer handle.Close()

	key := probeKey()
	payload := []byte("buildcache probe " + time.Now().Format(time.RFC3339))

	if err := handle.Put(ctx, key, bytes.NewReader(payload), int64(len(payload))); err != nil {
		return fmt.Errorf("probe put failed: %w", err)
	}
	body, size, miss, err := handle.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("probe get failed: %w", err)
	}
	if miss {
		return fmt.Errorf("probe entry %s was not found after put", key)
	}
	body.Close()

	fmt.Printf("OK: probe entry %s roundtripped (%d bytes)\n", key, size)
	snap := handle.Stats()
	fmt.Printf("  hits=%d misses=%d puts=%d remote_errors=%d\n",
		snap.Hits, snap.Misses, snap.Puts, snap.RemoteErrors)
	return nil
}

// probeKey generates a random key that will not collide with real entries.
func probeKey() buildcache.Key {
	var raw [16]byte
	rand.Read(raw[:])
	return buildcache.Key(hex.EncodeToString(raw[:]))
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value.
// Accepts: true, false, 1, 0, yes, no (case insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvDuration gets a duration environment variable or returns a default
// value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
