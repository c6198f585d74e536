package main

import (
	"fmt"
	"os"

	"github.com/EPS-AI-SOLUTIONS/hydra/internal/config"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/daemon"
	"github.com/EPS-AI-SOLUTIONS/hydra/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "config-import":
		cmdConfigImport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig loads the configuration, honoring an optional --config flag.
func loadConfig(args []string) *config.Config {
	configPath := ""
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			configPath = args[i+1]
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// cmdStart runs the HTTP daemon.
func cmdStart(args []string) {
	cfg := loadConfig(args)

	foreground := false
	for _, a := range args {
		if a == "--foreground" {
			foreground = true
		}
	}

	if err := daemon.Run(cfg, daemon.ModeServe, foreground); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cmdServe runs the stdio JSON-RPC shell for tool-protocol clients.
func cmdServe(args []string) {
	cfg := loadConfig(args)
	if err := daemon.Run(cfg, daemon.ModeStdio, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStop() {
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := daemon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStatus() {
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := daemon.Status(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdInitConfig() {
	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdConfigExport(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: hydra config-export <path>")
		os.Exit(1)
	}
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.ExportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config exported to %s\n", args[0])
}

func cmdConfigImport(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: hydra config-import <path>")
		os.Exit(1)
	}
	if _, err := config.Load(""); err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := config.ImportConfig(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config imported from %s\n", args[0])
}

func printUsage() {
	fmt.Println(`Usage: hydra <command> [options]

Commands:
  start            Start the hydra daemon (HTTP surface)
  serve            Serve the stdio JSON-RPC shell (tool-protocol clients)
  stop             Stop the running daemon
  status           Show daemon status and summary stats
  keys             Manage the cache encryption key (show|set|delete)
  init-config      Generate default config file
  config-export    Export current config to a TOML file
  config-import    Import config from a TOML file
  version          Print version information
  help             Show this help message

Options:
  --config <path>  Use an explicit config file
  --foreground     Run in foreground (with 'start')`)
}
