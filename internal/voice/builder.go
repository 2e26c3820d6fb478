package voice

import (
	"log/slog"
	"time"
	"unicode"
)

const (
	// SilenceFrames is the number of silence frames placed before and after
	// every announcement.
	SilenceFrames = 4

	// DefaultFrameSize is the byte size of one M17 voice payload: two
	// Codec 2 3200 bit/s frames.
	DefaultFrameSize = 16

	// DefaultFrameInterval is the air time of one frame.
	DefaultFrameInterval = 40 * time.Millisecond

	SymbolLinkedTo  = "linkedto"
	SymbolLinked    = "linked"
	SymbolTo        = "2"
	SymbolNotLinked = "notlinked"
)

// codec2Silence is one Codec 2 3200 bit/s frame of silence.
var codec2Silence = []byte{0x01, 0x00, 0x09, 0x43, 0x9C, 0xE4, 0x21, 0x08}

// Announcement is a contiguous run of complete frames ready to send.
type Announcement struct {
	Symbols []string
	Missing []string
	Frames  []byte
	Count   int
}

// Builder assembles announcements from a catalog.
type Builder struct {
	catalog *Catalog
	silence []byte
	logger  *slog.Logger
}

func NewBuilder(catalog *Catalog, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		catalog: catalog,
		silence: silenceFrame(catalog.FrameSize()),
		logger:  logger,
	}
}

func silenceFrame(size int) []byte {
	frame := make([]byte, size)
	for i := 0; i < size; i += len(codec2Silence) {
		copy(frame[i:], codec2Silence)
	}
	return frame
}

// Build resolves symbols in order and returns them framed by silence.
// Unknown symbols are logged and contribute nothing.
func (b *Builder) Build(symbols []string) Announcement {
	ann := Announcement{Symbols: append([]string(nil), symbols...)}

	resolved := make([]Position, 0, len(symbols))
	content := 0
	for _, symbol := range symbols {
		pos, ok := b.catalog.Resolve(symbol)
		if !ok {
			b.logger.Warn("unable to find character/phrase in the index", slog.String("symbol", symbol))
			ann.Missing = append(ann.Missing, symbol)
			continue
		}
		resolved = append(resolved, pos)
		content += pos.Length
	}

	// The codec needs an even number of frames.
	if content%2 != 0 {
		content++
	}

	ann.Count = content + 2*SilenceFrames
	frameSize := b.catalog.FrameSize()
	ann.Frames = make([]byte, 0, ann.Count*frameSize)

	for i := 0; i < SilenceFrames; i++ {
		ann.Frames = append(ann.Frames, b.silence...)
	}
	for _, pos := range resolved {
		ann.Frames = append(ann.Frames, b.catalog.Frames(pos)...)
	}
	// Pad the odd frame and the trailing silence.
	for len(ann.Frames) < ann.Count*frameSize {
		ann.Frames = append(ann.Frames, b.silence...)
	}

	return ann
}

// LinkedTo announces a link to reflector, spelling it out character by
// character.
func (b *Builder) LinkedTo(reflector string) Announcement {
	return b.Build(LinkedToSymbols(b.catalog, reflector))
}

func (b *Builder) NotLinked() Announcement {
	return b.Build([]string{SymbolNotLinked})
}

// LinkedToSymbols expands a linked-to announcement into catalog symbols.
// Catalogs without a "linkedto" phrase fall back to "linked" followed by the
// digit "2". Letters of the reflector are looked up in lower case.
func LinkedToSymbols(catalog *Catalog, reflector string) []string {
	var symbols []string
	if catalog.Has(SymbolLinkedTo) {
		symbols = append(symbols, SymbolLinkedTo)
	} else {
		symbols = append(symbols, SymbolLinked, SymbolTo)
	}
	for _, r := range reflector {
		symbols = append(symbols, string(unicode.ToLower(r)))
	}
	return symbols
}
