package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

var (
	// Set with `-ldflags="-X 'main.version=<version>'"`
	version = "dev"
)

func printVersion(o io.Writer) {
	fmt.Fprintf(o, "perl-debugger version %s\n", version)
}

func usage(o io.Writer) {
	printVersion(o)
	fmt.Fprintln(o)
	fmt.Fprintln(o, "perldbg {<option>} <filename> { <program-arg> }")
	fmt.Fprintln(o)
	fmt.Fprintln(o, "Available options:")
	fmt.Fprintln(o, "  -h / --help                This message")
	fmt.Fprintln(o, "  -I / --include <dir>       Specify an additional module search dir")
	fmt.Fprintln(o, "  -P / --perl <path>         Perl binary to run the debuggee with")
	fmt.Fprintln(o, "  -d / --dap                 Start a debug-adapter-protocol server")
	fmt.Fprintln(o, "  -s / --stdin               Start a debug-adapter-protocol session using stdin/stdout for communication")
	fmt.Fprintln(o, "  -p / --port <port>         Listen port for the debug-adapter-protocol server")
	fmt.Fprintln(o, "  -l / --log-level           Set the log level. Allowed values: debug,info,warn,error")
	fmt.Fprintln(o, "  --version                  Print version")
	fmt.Fprintln(o)
	fmt.Fprintln(o, "In all cases:")
	fmt.Fprintln(o, "  Multichar options are expanded e.g. -ds becomes -d -s.")
	fmt.Fprintln(o, "  The -- option suppresses option processing for subsequent arguments.")
	fmt.Fprintln(o, "  Arguments after the filename are passed to the debugged program.")
}

type config struct {
	program     string
	programArgs []string
	includes    []string
	perl        string
	dap         bool
	stdin       bool
	port        string
	logLevel    slog.Level
}

type processArgsStatus int

const (
	processArgsStatusContinue     = iota
	processArgsStatusSuccessUsage = iota
	processArgsStatusFailureUsage = iota
	processArgsStatusSuccess      = iota
	processArgsStatusFailure      = iota
)

// nextArg retrieves the next argument from the commandline.
func nextArg(i *int, args []string) string {
	(*i)++
	if (*i) >= len(args) {
		fmt.Fprintln(os.Stderr, "Expected another commandline argument.")
		os.Exit(1)
	}
	return args[*i]
}

// simplifyArgs transforms an array of commandline arguments so that
// any -abc arg before the first -- (if any) are expanded into
// -a -b -c.
func simplifyArgs(args []string) (r []string) {
	r = make([]string, 0, len(args)*2)
	for i, arg := range args {
		if arg == "--" {
			for j := i; j < len(args); j++ {
				r = append(r, args[j])
			}
			break
		}
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' {
			for j := 1; j < len(arg); j++ {
				r = append(r, "-"+string(arg[j]))
			}
		} else {
			r = append(r, arg)
		}
	}
	return
}

func processArgs(givenArgs []string, config *config) (processArgsStatus, error) {
	args := simplifyArgs(givenArgs)

	remainingArgs := make([]string, 0, len(args))
	i := 0

	for ; i < len(args); i++ {
		arg := args[i]
		if arg == "-h" || arg == "--help" {
			return processArgsStatusSuccessUsage, nil
		} else if arg == "-v" || arg == "--version" {
			printVersion(os.Stdout)
			return processArgsStatusSuccess, nil
		} else if arg == "-s" || arg == "--stdin" {
			config.stdin = true
		} else if arg == "--" {
			// All subsequent args are not options.
			i++
			for ; i < len(args); i++ {
				remainingArgs = append(remainingArgs, args[i])
			}
			break
		} else if arg == "-I" || arg == "--include" {
			dir := nextArg(&i, args)
			if len(dir) == 0 {
				return processArgsStatusFailure, fmt.Errorf("-I argument was empty string")
			}
			config.includes = append(config.includes, dir)
		} else if arg == "-P" || arg == "--perl" {
			bin := nextArg(&i, args)
			if len(bin) == 0 {
				return processArgsStatusFailure, fmt.Errorf("-P argument was empty string")
			}
			config.perl = bin
		} else if arg == "-d" || arg == "--dap" {
			config.dap = true
		} else if arg == "-p" || arg == "--port" {
			port := nextArg(&i, args)
			if len(port) == 0 {
				return processArgsStatusFailure, fmt.Errorf("no port specified")
			}
			config.port = port
		} else if arg == "-l" || arg == "--log-level" {
			level := nextArg(&i, args)
			if len(level) == 0 {
				return processArgsStatusFailure, fmt.Errorf("no log level specified")
			}
			slvl := slog.LevelError
			switch level {
			case "debug":
				slvl = slog.LevelDebug
			case "info":
				slvl = slog.LevelInfo
			case "warn":
				slvl = slog.LevelWarn
			case "error":
				slvl = slog.LevelError
			default:
				return processArgsStatusFailure, fmt.Errorf("invalid log level %s. Allowed: debug,info,warn,error", level)
			}
			config.logLevel = slvl
		} else if len(arg) > 1 && arg[0] == '-' {
			return processArgsStatusFailure, fmt.Errorf("unrecognized argument: %s", arg)
		} else {
			// First bare argument is the program; the rest belong to it.
			remainingArgs = append(remainingArgs, arg)
			i++
			for ; i < len(args); i++ {
				remainingArgs = append(remainingArgs, args[i])
			}
			break
		}
	}

	if config.dap || config.stdin {
		return processArgsStatusContinue, nil
	}

	if len(remainingArgs) == 0 {
		return processArgsStatusFailureUsage, fmt.Errorf("must give filename")
	}

	config.program = remainingArgs[0]
	config.programArgs = remainingArgs[1:]
	return processArgsStatusContinue, nil
}

func main() {
	config := config{
		includes: []string{},
		port:     "54321",
		logLevel: slog.LevelError,
	}
	status, err := processArgs(os.Args[1:], &config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: "+err.Error())
	}
	switch status {
	case processArgsStatusContinue:
		break
	case processArgsStatusSuccessUsage:
		usage(os.Stdout)
		os.Exit(0)
	case processArgsStatusFailureUsage:
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
		}
		usage(os.Stderr)
		os.Exit(1)
	case processArgsStatusSuccess:
		os.Exit(0)
	case processArgsStatusFailure:
		os.Exit(1)
	}

	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: config.logLevel,
	})))

	if config.dap || config.stdin {
		var err error
		if config.stdin {
			err = dapStdin()
		} else {
			err = dapServer(config.port)
		}
		if err != nil {
			slog.Error("dap server terminated", "err", err)
		}
		return
	}

	if _, err := os.Stat(config.program); err != nil {
		fmt.Fprintf(os.Stderr, "Opening input file: %s: %s\n", config.program, err.Error())
		os.Exit(1)
	}
	repl := MakeReplDebugger(config.perl, config.program, config.programArgs, config.includes)
	repl.Run()
}
