package telegram

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	// MessageLimit is the Telegram text message size cap.
	MessageLimit = 4096

	// attachmentMinBytes is the code block size past which the block is
	// sent as a document instead of inline text.
	attachmentMinBytes = 1000
	// attachmentMinLines likewise, for tall blocks.
	attachmentMinLines = 40
)

// Attachment is a code block extracted from the message, sent as a
// document.
type Attachment struct {
	Filename string
	Data     []byte
}

// Rendered is a run output prepared for Telegram: ordered text chunks
// within the message limit, plus extracted code attachments.
type Rendered struct {
	Chunks      []string
	Attachments []Attachment
}

// RenderMessage splits markdown output into sendable chunks, pulling
// oversized fenced code blocks out as attachments referenced by a
// placeholder line.
func RenderMessage(input string, limit int) Rendered {
	if limit <= 0 {
		limit = MessageLimit
	}
	body, attachments := extractCodeAttachments([]byte(input))
	return Rendered{
		Chunks:      chunkText(string(body), limit),
		Attachments: attachments,
	}
}

// extractCodeAttachments finds fenced code blocks past the size cutoff
// and replaces each with a placeholder.
func extractCodeAttachments(src []byte) ([]byte, []Attachment) {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	type span struct {
		start, stop int
		language    string
		content     []byte
	}
	var spans []span

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := block.Lines()
		if lines.Len() == 0 {
			return ast.WalkContinue, nil
		}

		var content bytes.Buffer
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			content.Write(seg.Value(src))
		}
		if content.Len() < attachmentMinBytes && lines.Len() < attachmentMinLines {
			return ast.WalkContinue, nil
		}

		start, stop, ok := fenceSpan(src, lines.At(0).Start, lines.At(lines.Len()-1).Stop)
		if !ok {
			return ast.WalkContinue, nil
		}
		spans = append(spans, span{
			start:    start,
			stop:     stop,
			language: string(block.Language(src)),
			content:  append([]byte(nil), content.Bytes()...),
		})
		return ast.WalkSkipChildren, nil
	})

	if len(spans) == 0 {
		return src, nil
	}

	var (
		out         bytes.Buffer
		attachments []Attachment
		cursor      int
	)
	for i, s := range spans {
		filename := fmt.Sprintf("snippet_%02d%s", i+1, extensionFor(s.language))
		attachments = append(attachments, Attachment{Filename: filename, Data: s.content})
		out.Write(src[cursor:s.start])
		fmt.Fprintf(&out, "[attached: %s]", filename)
		cursor = s.stop
	}
	out.Write(src[cursor:])
	return out.Bytes(), attachments
}

// fenceSpan expands a fenced block's content range to cover the fence
// lines themselves.
func fenceSpan(src []byte, contentStart, contentStop int) (int, int, bool) {
	open := bytes.LastIndex(src[:contentStart], []byte("```"))
	if open < 0 {
		return 0, 0, false
	}
	if nl := bytes.LastIndexByte(src[:open], '\n'); nl >= 0 {
		open = nl + 1
	} else {
		open = 0
	}

	rest := src[contentStop:]
	closeIdx := bytes.Index(rest, []byte("```"))
	if closeIdx < 0 {
		// unterminated fence runs to end of input
		return open, len(src), true
	}
	end := contentStop + closeIdx + 3
	if nl := bytes.IndexByte(src[end:], '\n'); nl >= 0 {
		end += nl + 1
	} else {
		end = len(src)
	}
	return open, end, true
}

var languageExtensions = map[string]string{
	"go":         ".go",
	"python":     ".py",
	"py":         ".py",
	"javascript": ".js",
	"js":         ".js",
	"typescript": ".ts",
	"ts":         ".ts",
	"rust":       ".rs",
	"java":       ".java",
	"c":          ".c",
	"cpp":        ".cpp",
	"sh":         ".sh",
	"bash":       ".sh",
	"shell":      ".sh",
	"sql":        ".sql",
	"json":       ".json",
	"yaml":       ".yaml",
	"yml":        ".yaml",
	"html":       ".html",
	"css":        ".css",
	"diff":       ".diff",
}

func extensionFor(language string) string {
	if ext, ok := languageExtensions[strings.ToLower(language)]; ok {
		return ext
	}
	return ".txt"
}

// chunkText packs lines into chunks of at most limit bytes, hard-splitting
// any single line that exceeds it.
func chunkText(input string, limit int) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if len(input) <= limit {
		return []string{input}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
		}
	}

	for _, line := range strings.SplitAfter(input, "\n") {
		for len(line) > limit {
			flush()
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if current.Len()+len(line) > limit {
			flush()
		}
		current.WriteString(line)
	}
	flush()
	return chunks
}
