package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var stdout io.Writer = os.Stdout

func Printf(format string, a ...interface{}) {
	fmt.Fprintf(stdout, format, a...)
}

type Globals struct {
	Verbose bool             `help:"Enable debug output."`
	Version kong.VersionFlag `help:"Print version and exit."`
	TempDir string           `name:"temp-dir" help:"Scratch directory for rewritten files (default: system temp dir)." type:"path" env:"MMSN_TEMP_DIR"`
}

type CLI struct {
	Globals

	Rewrite RewriteCmd `cmd:"" default:"withargs" help:"Rewrites toolchanges in a G-code file in place."`
	ThreeMF ThreeMFCmd `cmd:"" name:"3mf" help:"Rewrites toolchanges in the plate G-code of a .gcode.3mf file."`
}

// printHelp appends the version to every help and usage text, whichever command it is for.
func printHelp(options kong.HelpOptions, ctx *kong.Context) error {
	if err := kong.DefaultHelpPrinter(options, ctx); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "\nVersion: %s\n", version)
	return err
}

func parserOptions(cli *CLI) []kong.Option {
	return []kong.Option{
		kong.Name("multi-material-single-nozzle"),
		kong.Description("Cleans up PrusaSlicer G-code to use single nozzle multi-material setup."),
		kong.Help(printHelp),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.Configuration(kong.JSON, "/etc/multi-material-single-nozzle.json", "~/.config/multi-material-single-nozzle.json"),
		kong.Bind(&cli.Globals),
	}
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger.Sugar(), nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli, parserOptions(&cli)...)

	log, err := newLogger(cli.Verbose)
	ctx.FatalIfErrorf(err)
	defer func() { _ = log.Sync() }()

	// Call the Run() method of the selected parsed command.
	err = ctx.Run(log)
	ctx.FatalIfErrorf(err)
}
