package normalize

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"pkt.systems/checkerd/schema"
)

const (
	defaultFrameCacheSize = 128
	frameContext          = 2
)

// FrameBuilder attaches source snippets to diagnostics. Source files are
// read once and kept in an LRU cache until Purge.
type FrameBuilder struct {
	root  string
	files *lru.Cache[string, []string]
}

// NewFrameBuilder returns a builder resolving relative paths against root.
// size <= 0 selects the default cache size.
func NewFrameBuilder(root string, size int) (*FrameBuilder, error) {
	if size <= 0 {
		size = defaultFrameCacheSize
	}
	cache, err := lru.New[string, []string](size)
	if err != nil {
		return nil, fmt.Errorf("frame cache: %w", err)
	}
	return &FrameBuilder{root: root, files: cache}, nil
}

// Attach returns d with CodeFrame populated when the source is readable.
// Diagnostics that already carry a frame or lack a location pass through.
func (b *FrameBuilder) Attach(d schema.Diagnostic) schema.Diagnostic {
	if b == nil {
		return d
	}
	return b.AttachIn(b.root, d)
}

// AttachIn is Attach with relative paths resolved against root.
func (b *FrameBuilder) AttachIn(root string, d schema.Diagnostic) schema.Diagnostic {
	if b == nil || d.CodeFrame != "" || d.File == "" || d.Line <= 0 {
		return d
	}
	d.CodeFrame = b.frame(resolvePath(root, d.File), d.Line, d.Column)
	return d
}

// Frame renders the lines around line with a caret under column. It
// returns an empty string if the file or line cannot be read.
func (b *FrameBuilder) Frame(file string, line, column int) string {
	return b.frame(resolvePath(b.root, file), line, column)
}

func (b *FrameBuilder) frame(path string, line, column int) string {
	lines, ok := b.lines(path)
	if !ok || line < 1 || line > len(lines) {
		return ""
	}
	start := max(1, line-frameContext)
	end := min(len(lines), line+frameContext)
	width := len(strconv.Itoa(end))

	var sb strings.Builder
	for n := start; n <= end; n++ {
		marker := " "
		if n == line {
			marker = ">"
		}
		text := lines[n-1]
		if text == "" {
			fmt.Fprintf(&sb, "%s %*d |\n", marker, width, n)
		} else {
			fmt.Fprintf(&sb, "%s %*d | %s\n", marker, width, n, text)
		}
		if n == line && column > 0 {
			fmt.Fprintf(&sb, "  %s | %s^\n", strings.Repeat(" ", width), caretPad(text, column))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Purge drops every cached source file.
func (b *FrameBuilder) Purge() {
	if b != nil {
		b.files.Purge()
	}
}

func resolvePath(root, file string) string {
	if filepath.IsAbs(file) || root == "" {
		return file
	}
	return filepath.Join(root, file)
}

func (b *FrameBuilder) lines(path string) ([]string, bool) {
	if cached, ok := b.files.Get(path); ok {
		return cached, true
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, false
	}
	b.files.Add(path, lines)
	return lines, true
}

// caretPad keeps tabs so the caret lines up with the source text.
func caretPad(text string, column int) string {
	var sb strings.Builder
	for i, r := range text {
		if i >= column-1 {
			break
		}
		if r == '\t' {
			sb.WriteByte('\t')
		} else {
			sb.WriteByte(' ')
		}
	}
	if pad := column - 1 - len(text); pad > 0 {
		sb.WriteString(strings.Repeat(" ", pad))
	}
	return sb.String()
}
