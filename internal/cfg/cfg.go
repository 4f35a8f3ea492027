package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/imgdrop/internal/log"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	// public base URL used to build image links in upload responses
	BaseURL string

	// storage
	StorageBackend string // disk | s3
	DataDir        string
	S3Bucket       string
	S3Prefix       string

	// uploads
	MaxUploadBytes  int64
	NormalizeFormat string // "" keeps the original encoding, or png|jpeg

	// admission quotas (0 = package default)
	UploadsPerMinute int
	UploadsPerHour   int
	UploadsPerDay    int
	HourlyUploadMiB  int
	JanitorInterval  time.Duration

	// request flood guard
	ReqPerSecond float64
	ReqBurst     int

	// reverse proxy hops to trust for client ip resolution
	TrustedHops int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.BaseURL, "base-url", "", "public base URL for image links (default: derived from request host)")
	fs.StringVar(&c.StorageBackend, "storage-backend", "disk", "image storage backend (disk|s3)")
	fs.StringVar(&c.DataDir, "data-dir", "data", "directory for stored images and metadata (disk backend)")
	fs.StringVar(&c.S3Bucket, "s3-bucket", "", "s3 bucket for stored images (s3 backend)")
	fs.StringVar(&c.S3Prefix, "s3-prefix", "images", "s3 key prefix for stored images (s3 backend)")
	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", 20<<20, "maximum accepted upload size in bytes")
	fs.StringVar(&c.NormalizeFormat, "normalize-format", "", "re-encode uploads to this format (png|jpeg), empty keeps original")
	fs.IntVar(&c.UploadsPerMinute, "uploads-per-minute", 0, "per-client upload quota per minute (0 = default 15)")
	fs.IntVar(&c.UploadsPerHour, "uploads-per-hour", 0, "per-client upload quota per hour (0 = default 100)")
	fs.IntVar(&c.UploadsPerDay, "uploads-per-day", 0, "per-client upload quota per 24h (0 = default 150)")
	fs.IntVar(&c.HourlyUploadMiB, "hourly-upload-mib", 0, "per-client upload volume quota per hour in MiB (0 = default 50)")
	fs.DurationVar(&c.JanitorInterval, "janitor-interval", time.Hour, "admission ledger sweep period")
	fs.Float64Var(&c.ReqPerSecond, "req-per-second", 10, "flood guard refill rate per client ip")
	fs.IntVar(&c.ReqBurst, "req-burst", 30, "flood guard burst per client ip")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted reverse proxies for X-Forwarded-For (0 = ignore header)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Base URL is optional but must parse when set
	if c.BaseURL != "" {
		if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("BASE_URL must be a URL (got %q)", c.BaseURL))
		}
	}

	// Storage
	switch c.StorageBackend {
	case "disk":
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("DATA_DIR is required for the disk backend"))
		}
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("S3_BUCKET is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORAGE_BACKEND %q (must be disk|s3)", c.StorageBackend))
	}

	// Uploads
	if c.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive (got %d)", c.MaxUploadBytes))
	}
	switch c.NormalizeFormat {
	case "", "png", "jpeg":
	default:
		errs = append(errs, fmt.Errorf("invalid NORMALIZE_FORMAT %q (must be empty, png, or jpeg)", c.NormalizeFormat))
	}

	// Quotas: zero means package default, negatives are invalid
	for _, q := range []struct {
		name string
		v    int
	}{
		{"UPLOADS_PER_MINUTE", c.UploadsPerMinute},
		{"UPLOADS_PER_HOUR", c.UploadsPerHour},
		{"UPLOADS_PER_DAY", c.UploadsPerDay},
		{"HOURLY_UPLOAD_MIB", c.HourlyUploadMiB},
	} {
		if q.v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %d)", q.name, q.v))
		}
	}
	if c.JanitorInterval < time.Second {
		errs = append(errs, fmt.Errorf("JANITOR_INTERVAL too short (got %s, minimum 1s)", c.JanitorInterval))
	}

	// Flood guard
	if c.ReqPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("REQ_PER_SECOND must be positive (got %g)", c.ReqPerSecond))
	}
	if c.ReqBurst < 1 {
		errs = append(errs, fmt.Errorf("REQ_BURST must be at least 1 (got %d)", c.ReqBurst))
	}
	if c.TrustedHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must not be negative (got %d)", c.TrustedHops))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
