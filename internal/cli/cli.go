// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command handlers for the smartreply daemon.
package cli

import (
	"fmt"
	"os"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdServe Command = iota
	CmdInit
	CmdStatus
	CmdSetup
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	Command Command

	// ConfigPath overrides the default config file location.
	ConfigPath string
}

const usageText = `smartreply - local companion daemon for the smartreply browser extension

The daemon bridges the extension to an AI model: a local Ollama server when
one is running, the Gemini API otherwise.

Usage:
  smartreply <command> [flags]

Commands:
  serve      Run the daemon (the extension talks to this)
  init       Initialize the AI backend interactively; downloads the
             on-device model if it is missing
  setup      First-run setup: store the Gemini API key and proxy URL
  status     Show backend state and today's remote usage
  version    Print version information

Flags:
  --config <path>   Use an alternate config file

Examples:
  smartreply setup
  smartreply init
  smartreply serve
`

// Parse parses command-line arguments.
func Parse(argv []string) (Args, error) {
	args := Args{Command: CmdHelp}
	if len(argv) == 0 {
		return args, nil
	}

	switch argv[0] {
	case "serve":
		args.Command = CmdServe
	case "init":
		args.Command = CmdInit
	case "status":
		args.Command = CmdStatus
	case "setup":
		args.Command = CmdSetup
	case "version", "--version", "-v":
		args.Command = CmdVersion
	case "help", "--help", "-h":
		args.Command = CmdHelp
	default:
		return args, fmt.Errorf("unknown command: %s", argv[0])
	}

	for i := 1; i < len(argv); i++ {
		switch argv[i] {
		case "--config":
			if i+1 >= len(argv) {
				return args, fmt.Errorf("--config requires a path")
			}
			i++
			args.ConfigPath = argv[i]
		default:
			return args, fmt.Errorf("unknown flag: %s", argv[i])
		}
	}
	return args, nil
}

// Run parses argv and dispatches. The return value is the process exit code.
func Run(argv []string) int {
	args, err := Parse(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n%s", err, usageText)
		return 2
	}

	switch args.Command {
	case CmdServe:
		err = runServe(args)
	case CmdInit:
		err = runInit(args)
	case CmdStatus:
		err = runStatus(args)
	case CmdSetup:
		err = runSetup(args)
	case CmdVersion:
		fmt.Printf("smartreply %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return 0
	case CmdHelp:
		fmt.Print(usageText)
		return 0
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
