package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symbolicator/pkg/util"
)

var cfg struct {
	configFile string
	logLevel   string
	logFormat  string

	endpoints   []string
	cacheDir    string
	searchPaths []string
	precogFiles []string
	refine      bool
}

var logger log.Logger = log.NewNopLogger()

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Resolves instruction addresses of native modules to functions, files and lines.").UsageWriter(os.Stdout)
	app.Version(version.Print("symbolicator"))
	app.HelpFlag.Short('h')
	app.Flag("config.file", "YAML configuration file.").StringVar(&cfg.configFile)
	app.Flag("log.level", "Only log messages with the given severity or above. One of: debug, info, warn, error.").Default("info").EnumVar(&cfg.logLevel, "debug", "info", "warn", "error")
	app.Flag("log.format", "Output log messages in the given format. One of: logfmt, json.").Default("logfmt").EnumVar(&cfg.logFormat, "logfmt", "json")
	app.Flag("endpoint", "Symbol repository, tried in order. Overrides the configuration file. May be repeated.").StringsVar(&cfg.endpoints)
	app.Flag("cache-dir", "Directory fetched debug files are cached in. Overrides the configuration file.").StringVar(&cfg.cacheDir)
	app.Flag("search-path", "Directory searched for debug files. May be repeated.").StringsVar(&cfg.searchPaths)
	app.Flag("presymbolication-file", "Presymbolication file used as a symbol source. May be repeated.").ExistingFilesVar(&cfg.precogFiles)
	app.Flag("refine", "Tighten inferred function ends by decoding instructions.").BoolVar(&cfg.refine)

	serveCmd := app.Command("serve", "Run the symbolicate HTTP API.")

	symbolicateCmd := app.Command("symbolicate", "Symbolicate a request file and print the response.")
	symbolicateRequest := symbolicateCmd.Arg("request", "Request file in the v1 JSON schema, - for stdin.").Default("-").String()

	presymbolicateCmd := app.Command("presymbolicate", "Resolve the addresses of a request file into a presymbolication file.")
	presymbolicateRequest := presymbolicateCmd.Arg("request", "Request file in the v1 JSON schema, - for stdin.").Default("-").String()
	presymbolicateOutput := presymbolicateCmd.Flag("output", "Where to write the presymbolication file, - for stdout.").Short('o').Default("-").String()

	dumpCmd := app.Command("dump", "Print the contents of a debug file.")
	dumpFile := dumpCmd.Arg("file", "Debug file: ELF, Mach-O, PDB, breakpad or presymbolication.").Required().ExistingFile()
	dumpSymbols := dumpCmd.Flag("symbols", "Print the symbol table.").Default("true").Bool()
	dumpArch := dumpCmd.Flag("arch", "Slice of a universal Mach-O binary to dump.").String()

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	l, err := util.NewLogger(os.Stderr, cfg.logFormat, cfg.logLevel)
	if err != nil {
		os.Exit(checkError(err))
	}
	logger = l

	switch parsedCmd {
	case serveCmd.FullCommand():
		os.Exit(checkError(serve(ctx)))
	case symbolicateCmd.FullCommand():
		os.Exit(checkError(symbolicate(ctx, *symbolicateRequest)))
	case presymbolicateCmd.FullCommand():
		os.Exit(checkError(presymbolicate(ctx, *presymbolicateRequest, *presymbolicateOutput)))
	case dumpCmd.FullCommand():
		os.Exit(checkError(dump(ctx, *dumpFile, *dumpArch, *dumpSymbols)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

// config loads the configuration file and applies the command line
// overrides.
func config() (*Config, error) {
	c, err := loadConfig(cfg.configFile)
	if err != nil {
		return nil, err
	}
	if len(cfg.endpoints) > 0 {
		c.Repository.Endpoints = cfg.endpoints
	}
	if cfg.cacheDir != "" {
		c.Repository.CacheDir = cfg.cacheDir
	}
	c.Registry.SearchPaths = append(c.Registry.SearchPaths, cfg.searchPaths...)
	c.Registry.PrecogFiles = append(c.Registry.PrecogFiles, cfg.precogFiles...)
	if cfg.refine {
		c.Registry.RefineBoundaries = true
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}
