package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

var version = "0.1.0-dev"

type options struct {
	configPath string
	directory  string
	language   string
	frameSize  int
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&o.directory, "dir", "", "Voice file directory (overrides config)")
	fs.StringVar(&o.language, "lang", "", "Voice language, e.g. en_GB (overrides config)")
	fs.IntVar(&o.frameSize, "frame-size", 0, "Bytes per voice frame (overrides config)")
}

// voiceConfig merges flag overrides over the configured voice section.
func (o *options) voiceConfig() (config.VoiceConfig, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.VoiceConfig{}, err
	}
	v := cfg.Voice
	if o.directory != "" {
		v.Directory = o.directory
	}
	if o.language != "" {
		v.Language = o.language
	}
	if o.frameSize > 0 {
		v.FrameSize = o.frameSize
	}
	return v, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'check', 'list' or 'version'")
		os.Exit(2)
	}

	var opts options
	switch os.Args[1] {
	case "check", "list":
		fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
		opts.register(fs)
		_ = fs.Parse(os.Args[2:])
		run := runCheck
		if os.Args[1] == "list" {
			run = runList
		}
		if err := run(os.Stdout, opts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func loadCatalog(logOut io.Writer, opts options) (*voice.Catalog, config.VoiceConfig, error) {
	v, err := opts.voiceConfig()
	if err != nil {
		return nil, v, err
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	catalog, err := voice.Load(v.IndexPath(), v.AudioPath(), v.FrameSize, logger)
	return catalog, v, err
}

func runCheck(w io.Writer, opts options) error {
	catalog, v, err := loadCatalog(w, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d symbols, %d records skipped\n", v.IndexPath(), catalog.Len(), catalog.Skipped())

	var missing []string
	if !catalog.Has(voice.SymbolNotLinked) {
		missing = append(missing, voice.SymbolNotLinked)
	}
	if !catalog.Has(voice.SymbolLinkedTo) && !(catalog.Has(voice.SymbolLinked) && catalog.Has(voice.SymbolTo)) {
		missing = append(missing, voice.SymbolLinkedTo)
	}
	if len(missing) > 0 {
		return fmt.Errorf("index lacks required phrases: %v", missing)
	}
	if catalog.Skipped() > 0 {
		return errors.New("index contains malformed records")
	}
	fmt.Fprintln(w, "index valid")
	return nil
}

func runList(w io.Writer, opts options) error {
	catalog, _, err := loadCatalog(io.Discard, opts)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tSTART\tFRAMES")
	for _, symbol := range catalog.Symbols() {
		pos, _ := catalog.Resolve(symbol)
		fmt.Fprintf(tw, "%q\t%d\t%d\n", symbol, pos.Start, pos.Length)
	}
	return tw.Flush()
}
