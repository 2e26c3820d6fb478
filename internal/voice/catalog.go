// Package voice builds spoken announcements from pre-encoded frames and
// plays them out at the protocol frame rate.
//
// A Catalog maps symbols (letters, digits, phrase keywords) to spans of a
// binary frame blob. A Builder concatenates those spans with silence padding
// into an Announcement, and a Player paces the Announcement out one frame at
// a time.
package voice

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrIO reports that the index or audio file could not be read.
	ErrIO = errors.New("voice data unreadable")
	// ErrMalformedRecord reports an index line that was skipped.
	ErrMalformedRecord = errors.New("malformed index record")
)

// Position addresses Length consecutive frames starting at byte offset Start.
type Position struct {
	Start  int
	Length int
}

// Catalog is an immutable symbol index over a loaded frame blob.
type Catalog struct {
	positions map[string]Position
	blob      []byte
	frameSize int
	skipped   int
}

// Load reads the audio blob and the index describing it. Malformed index
// records are logged and skipped; unreadable files are fatal.
func Load(indexPath, audioPath string, frameSize int, logger *slog.Logger) (*Catalog, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", frameSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	index, err := os.Open(indexPath)
	if err != nil {
		logger.Error("unable to open the index file", slog.String("path", indexPath), slogError(err))
		return nil, fmt.Errorf("%w: open index: %w", ErrIO, err)
	}
	defer index.Close()

	if _, err := os.Stat(audioPath); err != nil {
		logger.Error("unable to stat the audio file", slog.String("path", audioPath), slogError(err))
		return nil, fmt.Errorf("%w: stat audio: %w", ErrIO, err)
	}
	blob, err := os.ReadFile(audioPath)
	if err != nil {
		logger.Error("unable to read the audio file", slog.String("path", audioPath), slogError(err))
		return nil, fmt.Errorf("%w: read audio: %w", ErrIO, err)
	}

	c := &Catalog{
		positions: make(map[string]Position),
		blob:      blob,
		frameSize: frameSize,
	}

	scanner := bufio.NewScanner(index)
	line := 0
	skipped := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		symbol, pos, err := c.parseRecord(text)
		if err != nil {
			skipped++
			logger.Warn("skipping index record", slog.Int("line", line), slogError(err))
			continue
		}
		c.positions[symbol] = pos
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan index: %w", ErrIO, err)
	}

	c.skipped = skipped

	logger.Info("loaded the audio and index file",
		slog.String("index", indexPath),
		slog.Int("symbols", len(c.positions)),
		slog.Int("skipped", skipped),
		slog.Int("bytes", len(blob)))

	return c, nil
}

func (c *Catalog) parseRecord(text string) (string, Position, error) {
	fields := strings.Fields(text)
	if len(fields) != 3 {
		return "", Position{}, fmt.Errorf("%w: expected 3 fields, got %d", ErrMalformedRecord, len(fields))
	}
	start, err := strconv.Atoi(fields[1])
	if err != nil || start < 0 {
		return "", Position{}, fmt.Errorf("%w: symbol %q: bad start %q", ErrMalformedRecord, fields[0], fields[1])
	}
	length, err := strconv.Atoi(fields[2])
	if err != nil || length <= 0 {
		return "", Position{}, fmt.Errorf("%w: symbol %q: bad length %q", ErrMalformedRecord, fields[0], fields[2])
	}
	if start > len(c.blob) || length > (len(c.blob)-start)/c.frameSize {
		return "", Position{}, fmt.Errorf("%w: symbol %q: %d frames at %d exceed audio size %d",
			ErrMalformedRecord, fields[0], length, start, len(c.blob))
	}
	return fields[0], Position{Start: start, Length: length}, nil
}

// Resolve returns the position of symbol, if indexed.
func (c *Catalog) Resolve(symbol string) (Position, bool) {
	pos, ok := c.positions[symbol]
	return pos, ok
}

// Has reports whether symbol is indexed.
func (c *Catalog) Has(symbol string) bool {
	_, ok := c.positions[symbol]
	return ok
}

// Frames returns the blob bytes covered by pos. The slice aliases the
// catalog and must not be modified.
func (c *Catalog) Frames(pos Position) []byte {
	return c.blob[pos.Start : pos.Start+pos.Length*c.frameSize]
}

func (c *Catalog) FrameSize() int { return c.frameSize }

func (c *Catalog) Len() int { return len(c.positions) }

// Skipped is the number of malformed index records ignored by Load.
func (c *Catalog) Skipped() int { return c.skipped }

// Symbols lists the indexed symbols in sorted order.
func (c *Catalog) Symbols() []string {
	symbols := make([]string, 0, len(c.positions))
	for s := range c.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
