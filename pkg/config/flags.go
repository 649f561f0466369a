package config

import (
	"github.com/knadh/koanf/providers/posflag"
	"github.com/spf13/pflag"
)

// flagKeys maps short flag names to configuration keys. Flags not listed
// use their name as the key.
var flagKeys = map[string]string{
	"web":            "web.enabled",
	"addr":           "web.addr",
	"watch":          "watch.enabled",
	"db":             "storage.database",
	"output":         "storage.output",
	"filter":         "pipeline.filter",
	"bridge-gaps":    "pipeline.bridge_gaps",
	"min-track":      "pipeline.min_track_length",
	"temperature":    "marginal.temperature",
	"max-error-rate": "marginal.max_error_rate",
	"tolerance":      "candidates.tolerance",
	"workers":        "pipeline.workers",
	"json-logs":      "json_logs",
}

// RegisterFlags defines the command line flags on f. Defaults shown in
// the usage come from Defaults; unset flags never override a file or the
// environment.
func RegisterFlags(f *pflag.FlagSet) {
	d := Defaults()
	f.Bool("web", d["web.enabled"].(bool), "serve the HTTP API after tracking")
	f.String("addr", d["web.addr"].(string), "listen address of the HTTP API")
	f.Bool("watch", d["watch.enabled"].(bool), "track again when an input file changes")
	f.String("db", d["storage.database"].(string), "SQLite database to load from and save to")
	f.StringP("output", "o", d["storage.output"].(string), "JSON file or directory to write results to")
	f.Bool("filter", d["pipeline.filter"].(bool), "drop low confidence links from the result")
	f.Bool("bridge-gaps", d["pipeline.bridge_gaps"].(bool), "bridge single missed detections")
	f.Int("min-track", d["pipeline.min_track_length"].(int), "remove lineages with fewer positions that start and end mid-recording")
	f.Float64("temperature", d["marginal.temperature"].(float64), "marginalization temperature")
	f.Float64("max-error-rate", d["marginal.max_error_rate"].(float64), "error rate above which a link is low confidence")
	f.Float64("tolerance", d["candidates.tolerance"].(float64), "candidate search radius relative to the nearest neighbour")
	f.Int("workers", d["pipeline.workers"].(int), "experiments tracked in parallel")
	f.Bool("check", d["check"].(bool), "verify track invariants of the inputs and exit")
	f.Bool("json-logs", d["json_logs"].(bool), "log JSON instead of the compact format")
	f.StringP("verbosity", "v", d["verbosity"].(string), "log level: trace, debug, info, warn or error")
}

func flagKey(f *pflag.FlagSet) func(*pflag.Flag) (string, any) {
	return func(flag *pflag.Flag) (string, any) {
		key := flag.Name
		if k, ok := flagKeys[key]; ok {
			key = k
		}
		return key, posflag.FlagVal(f, flag)
	}
}
