package main

import (
	"fmt"
	"os"
	"strings"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "version", "--version":
		fmt.Println("swarm", version)
		return
	case "run":
		err = runCmd(args)
	case "sessions":
		err = sessionsCmd(args)
	case "replay":
		err = replayCmd(args)
	case "recall":
		err = recallCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'swarm --help' for usage information.\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`swarm - multi-agent orchestration engine

USAGE:
    swarm <COMMAND> [FLAGS] [ARGS]

COMMANDS:
    run "objective"   Run one session to completion, streaming its messages
    sessions          List recorded sessions, newest first
    replay <id>       Rebuild a recorded session and print its conversation
    recall "query"    Search archived sessions in long-term memory
    version           Print the version

FLAGS:
    --config PATH     Config file (default: ./swarm.yaml, env SWARM_CONFIG)
    --limit N         sessions/recall: maximum rows (default 20 / 5)
    --json            sessions/replay: print JSON instead of text

ENVIRONMENT:
    SWARM_* variables override config values; SWARM_CONFIG_KEY decrypts enc: secrets.`)
}

// flags is the small flag set every command shares. Positional arguments
// are returned in order.
type flags struct {
	config string
	limit  int
	json   bool
	args   []string
}

func parseFlags(args []string) (flags, error) {
	f := flags{config: os.Getenv("SWARM_CONFIG")}
	for i := 0; i < len(args); i++ {
		a := args[i]
		name, value, hasValue := strings.Cut(a, "=")
		switch name {
		case "--config", "-c", "--limit":
			if !hasValue {
				if i+1 >= len(args) {
					return f, fmt.Errorf("%s needs a value", name)
				}
				i++
				value = args[i]
			}
			if name == "--limit" {
				if _, err := fmt.Sscanf(value, "%d", &f.limit); err != nil || f.limit < 0 {
					return f, fmt.Errorf("--limit: %q is not a count", value)
				}
			} else {
				f.config = value
			}
		case "--json":
			f.json = true
		default:
			if strings.HasPrefix(a, "-") && a != "-" {
				return f, fmt.Errorf("unknown flag %s", a)
			}
			f.args = append(f.args, a)
		}
	}
	if f.config == "" {
		f.config = "swarm.yaml"
	}
	return f, nil
}
