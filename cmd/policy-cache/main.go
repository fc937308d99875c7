// Command policy-cache serves and maintains an offline-readable cache of the
// insurance platform's record collections and JSON resources.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    kong.ConfigFlag `help:"YAML configuration file." placeholder:"FILE"`
	LogLevel  string          `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string          `help:"Log format." enum:"text,json" default:"text"`

	Credentials string `help:"JSON credentials template resolving api_token, auth_token and redis_password." type:"path" placeholder:"FILE"`

	DB     string `help:"Local database path." default:"./policy-cache.db" type:"path"`
	Engine string `help:"Local database engine." enum:"bolt,sqlite" default:"bolt"`

	APIURL      string            `name:"api-url" help:"Base URL of the remote API." placeholder:"URL"`
	APIToken    string            `name:"api-token" help:"Bearer token for the remote API."`
	RecordsPath string            `help:"gjson path of the record array in collection responses (empty when the body is the array)."`
	IDField     string            `name:"id-field" help:"gjson path of the record id." default:"id"`
	Collections []string          `help:"Collections to serve and sync." default:"policies"`
	Paths       map[string]string `help:"API path per collection (default /<name>)." placeholder:"NAME=PATH"`
	OnError     string            `help:"What a sync does when an upsert fails." enum:"abort,continue" default:"abort"`

	Offline       bool          `help:"Treat the network as unavailable."`
	ProbeURL      string        `name:"probe-url" help:"URL probed with HEAD to decide if the API is reachable."`
	ProbeInterval time.Duration `help:"How long a probe result is reused." default:"10s"`

	URLCache      string        `name:"url-cache" help:"URL cache backend." enum:"memory,bolt,redis" default:"bolt"`
	MaxAge        time.Duration `help:"URL cache freshness window." default:"1h"`
	RedisAddr     string        `help:"Redis address for the redis URL cache backend." default:"localhost:6379"`
	RedisPassword string        `help:"Redis password."`
	RedisDB       int           `name:"redis-db" help:"Redis database number."`
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Print version and exit."`

	Serve ServeCmd `cmd:"" help:"Run the HTTP facade."`
	Sync  SyncCmd  `cmd:"" help:"Sync collections from the remote API."`
	List  ListCmd  `cmd:"" help:"Print locally stored records as JSON lines."`
	Fetch FetchCmd `cmd:"" help:"Fetch a JSON resource through the URL cache."`
	Purge PurgeCmd `cmd:"" help:"Delete old URL cache entries."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("policy-cache"),
		kong.Description("Offline cache and sync for the insurance admin API."),
		kong.UsageOnError(),
		kong.DefaultEnvars("POLICY_CACHE"),
		kong.Configuration(YAML),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	ctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	err = ctx.Run(&cli.Globals, logger)
	if err != nil {
		logger.Error("command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Text output is colourised with tint.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
