// Package attachment turns files sent alongside a chat message into the
// content of the outbound user turn.
package attachment

import (
	"encoding/base64"
	"strings"

	"github.com/RichardoC/teiqr/internal/models"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	TypeImage = "image"
	TypeText  = "text"
	TypePDF   = "pdf"
)

const pdfPlaceholder = "[PDF content could not be extracted]"

// File is an attachment as it arrives in a chat request.
type File struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Attachment is one of Image, Text or PDF.
type Attachment interface {
	Meta() models.FileMeta
	// inline returns the multimodal part for attachments that are sent as-is.
	inline() (openai.ChatMessagePart, bool)
	// block renders the attachment as a labelled text block.
	block(n *Normalizer) string
}

type Image struct {
	Filename string
	MimeType string
	URL      string // usually a data: URL
}

type Text struct {
	Filename string
	Body     string
}

type PDF struct {
	Filename string
	Data     string // base64, optionally with a data: URL prefix
}

// Parse converts request files into attachments in input order. Files of
// an unknown type are skipped.
func Parse(files []File) []Attachment {
	out := make([]Attachment, 0, len(files))
	for _, f := range files {
		switch f.Type {
		case TypeImage:
			out = append(out, Image{Filename: f.Filename, MimeType: f.MimeType, URL: f.Data})
		case TypeText:
			out = append(out, Text{Filename: f.Filename, Body: f.Data})
		case TypePDF:
			out = append(out, PDF{Filename: f.Filename, Data: f.Data})
		}
	}
	return out
}

// Metadata lists what gets stored on the user message for each attachment.
func Metadata(atts []Attachment) models.Files {
	if len(atts) == 0 {
		return nil
	}
	files := make(models.Files, 0, len(atts))
	for _, a := range atts {
		files = append(files, a.Meta())
	}
	return files
}

func (i Image) Meta() models.FileMeta {
	typ := i.MimeType
	if typ == "" {
		typ = TypeImage
	}
	_, payload := splitDataURL(i.URL)
	return models.FileMeta{Name: i.Filename, Type: typ, Size: decodedSize(payload)}
}

func (i Image) inline() (openai.ChatMessagePart, bool) {
	return openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: i.URL},
	}, true
}

func (i Image) block(*Normalizer) string { return "" }

func (t Text) Meta() models.FileMeta {
	return models.FileMeta{Name: t.Filename, Type: TypeText, Size: len(t.Body)}
}

func (t Text) inline() (openai.ChatMessagePart, bool) { return openai.ChatMessagePart{}, false }

func (t Text) block(*Normalizer) string {
	return fencedBlock(t.Filename, t.Body)
}

func (p PDF) Meta() models.FileMeta {
	_, payload := splitDataURL(p.Data)
	return models.FileMeta{Name: p.Filename, Type: TypePDF, Size: decodedSize(payload)}
}

func (p PDF) inline() (openai.ChatMessagePart, bool) { return openai.ChatMessagePart{}, false }

func (p PDF) block(n *Normalizer) string {
	text, err := n.extractPDF(p.Data)
	if err != nil {
		n.logger.Warn("PDF extraction failed", zap.String("filename", p.Filename), zap.Error(err))
		return "File: " + p.Filename + "\n" + pdfPlaceholder
	}
	return fencedBlock(p.Filename, text)
}

// Content is the outbound body of a user turn: plain text, or a multimodal
// part list when images are attached.
type Content struct {
	Text  string
	Parts []openai.ChatMessagePart
}

func (c Content) IsMultimodal() bool { return len(c.Parts) > 0 }

// Message wraps the content as a chat message with the given role.
func (c Content) Message(role string) openai.ChatCompletionMessage {
	if c.IsMultimodal() {
		return openai.ChatCompletionMessage{Role: role, MultiContent: c.Parts}
	}
	return openai.ChatCompletionMessage{Role: role, Content: c.Text}
}

type Normalizer struct {
	logger     *zap.Logger
	extractPDF func(data string) (string, error)
}

func NewNormalizer(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger, extractPDF: ExtractPDFText}
}

// Fold combines the typed message with its attachments. When any image is
// attached the result is [text, image...] and other attachments are left
// out. Otherwise text and PDF attachments become fenced blocks placed
// before the message.
func (n *Normalizer) Fold(message string, atts []Attachment) Content {
	if len(atts) == 0 {
		return Content{Text: message}
	}

	var images []openai.ChatMessagePart
	for _, a := range atts {
		if part, ok := a.inline(); ok {
			images = append(images, part)
		}
	}
	if len(images) > 0 {
		parts := make([]openai.ChatMessagePart, 0, len(images)+1)
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: message})
		return Content{Parts: append(parts, images...)}
	}

	blocks := make([]string, 0, len(atts))
	for _, a := range atts {
		if b := a.block(n); b != "" {
			blocks = append(blocks, b)
		}
	}
	return Content{Text: strings.Join(blocks, "\n\n") + "\n\n" + message}
}

func fencedBlock(filename, body string) string {
	return "File: " + filename + "\n```\n" + body + "\n```"
}

// splitDataURL separates "data:<mime>;base64,<payload>" into its header and
// payload. Strings without the prefix are returned as the payload.
func splitDataURL(s string) (header, payload string) {
	if !strings.HasPrefix(s, "data:") {
		return "", s
	}
	if i := strings.Index(s, ","); i >= 0 {
		return s[:i], s[i+1:]
	}
	return "", s
}

func decodedSize(payload string) int {
	if n, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return len(n)
	}
	return len(payload)
}
