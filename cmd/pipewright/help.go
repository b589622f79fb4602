// ABOUTME: Help display for the pipewright CLI with grouped flags, examples, and environment status.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/2389-research/pipewright/engine"
)

// printHelp writes usage patterns, grouped flags, examples, and environment
// status to w.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "pipewright %s: dependency-aware pipeline runner\n", ver)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  pipewright [flags] <pipeline.yaml>               Run a pipeline")
	fmt.Fprintln(w, "  pipewright -validate <pipeline.yaml>             Validate without executing")
	fmt.Fprintln(w, "  pipewright -plan <pipeline.yaml>                 Print execution layers")
	fmt.Fprintln(w, "  pipewright -resume <run-id> <pipeline.yaml>      Continue a checkpointed run")
	fmt.Fprintln(w, "  pipewright -serve [-addr host:port] <pipelines>  Start the HTTP API")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Run Flags:")
	fmt.Fprintln(w, "  -inputs <file>          YAML initial inputs: node -> port -> value")
	fmt.Fprintln(w, "  -run-id <id>            Explicit run id (default: new ULID)")
	fmt.Fprintf(w, "  -retry <policy>         %s (default: standard)\n", strings.Join(engine.RetryPresetNames(), ", "))
	fmt.Fprintln(w, "  -max-attempts <n>       Default attempt budget per task")
	fmt.Fprintln(w, "  -concurrency <n>        Tasks running at once per run (default: 4)")
	fmt.Fprintln(w, "  -task-timeout <dur>     Default per-task timeout")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "State Flags:")
	fmt.Fprintln(w, "  -data-dir <dir>         Persistent state directory (default: $PIPEWRIGHT_DATA_DIR, then $XDG_DATA_HOME/pipewright)")
	fmt.Fprintln(w, "  -store <kind>           fs, sqlite, memory, none (default: fs)")
	fmt.Fprintln(w, "  -cache <kind>           memory, sqlite, none (default: memory)")
	fmt.Fprintln(w, "  -cache-size <n>         Memory cache entry bound (default: 1024)")
	fmt.Fprintln(w, "  -cache-ttl <dur>        Cache entry lifetime (default: no expiry)")
	fmt.Fprintln(w, "  -progress-dir <dir>     Write progress.ndjson and live.json per run")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Other:")
	fmt.Fprintln(w, "  -config <file>          YAML engine config; explicit flags win")
	fmt.Fprintln(w, "  -openai-base-url <url>  OpenAI-compatible endpoint for openai.chat nodes")
	fmt.Fprintln(w, "  -openai-model <name>    Default model for openai.chat nodes")
	fmt.Fprintln(w, "  -verbose                Development logging with every engine event")
	fmt.Fprintln(w, "  -version                Print version and exit")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  pipewright examples/greet.yaml")
	fmt.Fprintln(w, "  pipewright -inputs examples/greet.inputs.yaml examples/greet.yaml")
	fmt.Fprintln(w, "  pipewright -store sqlite -cache sqlite -retry aggressive examples/fanout.yaml")
	fmt.Fprintln(w, "  pipewright -serve examples/*.yaml")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  OPENAI_API_KEY          %s\n", envStatus("OPENAI_API_KEY"))
	fmt.Fprintln(w, "  Required only for pipelines with openai.chat nodes.")
}

// envStatus returns "[set]" if the named variable is non-empty.
func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
