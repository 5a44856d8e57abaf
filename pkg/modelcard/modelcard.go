// Package modelcard reads, generates and writes Hub model cards: a YAML
// metadata block between "---" lines followed by Markdown text.
package modelcard

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"gopkg.in/yaml.v2"
)

// ReadmeFile is the model card's name in a repository.
const ReadmeFile = "README.md"

var frontMatterRE = regexp.MustCompile(`^(\s*---[\r\n]+)([\s\S]*?)([\r\n]+---(\r\n|\n|$))`)

// Metadata is the card's YAML block. Keys other than base_model and tags
// are kept in Extra, in their original order.
type Metadata struct {
	BaseModel string
	Tags      []string
	Extra     yaml.MapSlice
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *Metadata) UnmarshalYAML(unmarshal func(any) error) error {
	var items yaml.MapSlice
	if err := unmarshal(&items); err != nil {
		return err
	}
	for _, item := range items {
		switch item.Key {
		case "base_model":
			if s, ok := item.Value.(string); ok {
				m.BaseModel = s
				continue
			}
		case "tags":
			if tags, ok := toStrings(item.Value); ok {
				m.Tags = tags
				continue
			}
		}
		m.Extra = append(m.Extra, item)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (m Metadata) MarshalYAML() (any, error) {
	out := append(yaml.MapSlice{}, m.Extra...)
	if m.BaseModel != "" {
		out = append(out, yaml.MapItem{Key: "base_model", Value: m.BaseModel})
	}
	if len(m.Tags) > 0 {
		out = append(out, yaml.MapItem{Key: "tags", Value: m.Tags})
	}
	return out, nil
}

// IsEmpty reports whether the metadata has no keys.
func (m Metadata) IsEmpty() bool {
	return m.BaseModel == "" && len(m.Tags) == 0 && len(m.Extra) == 0
}

// AddTags appends tags that are not already present.
func (m *Metadata) AddTags(tags ...string) {
	for _, t := range tags {
		if !slices.Contains(m.Tags, t) {
			m.Tags = append(m.Tags, t)
		}
	}
}

func toStrings(v any) ([]string, bool) {
	switch v := v.(type) {
	case string:
		return []string{v}, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// Card is a model card.
type Card struct {
	Data Metadata
	Text string
}

// Parse splits content into metadata and text. Content without a metadata
// block becomes the text of a card with empty metadata.
func Parse(content string) (*Card, error) {
	m := frontMatterRE.FindStringSubmatchIndex(content)
	if m == nil {
		return &Card{Text: content}, nil
	}
	card := &Card{Text: strings.TrimLeft(content[m[1]:], "\r\n")}
	block := content[m[4]:m[5]]
	if err := yaml.Unmarshal([]byte(block), &card.Data); err != nil {
		return nil, fmt.Errorf("parsing model card metadata: %w", err)
	}
	return card, nil
}

// Fetcher downloads a file from a repository.
type Fetcher interface {
	DownloadFile(ctx context.Context, repoID, path string) ([]byte, error)
}

// Load fetches and parses a repository's model card. It always returns a
// usable card: when the card is missing or invalid the card is empty and
// the error says why.
func Load(ctx context.Context, fetcher Fetcher, repoID string) (*Card, error) {
	data, err := fetcher.DownloadFile(ctx, repoID, ReadmeFile)
	if err != nil {
		return &Card{}, fmt.Errorf("loading model card of %s: %w", repoID, err)
	}
	card, err := Parse(string(data))
	if err != nil {
		return &Card{}, err
	}
	return card, nil
}

// Render returns the card as written to README.md.
func (c *Card) Render() (string, error) {
	var sb strings.Builder
	sb.WriteString("---\n")
	if !c.Data.IsEmpty() {
		data, err := yaml.Marshal(c.Data)
		if err != nil {
			return "", fmt.Errorf("encoding model card metadata: %w", err)
		}
		sb.Write(data)
	} else {
		sb.WriteString("{}\n")
	}
	sb.WriteString("---\n")
	sb.WriteString(c.Text)
	if !strings.HasSuffix(c.Text, "\n") {
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// Save writes the rendered card to path.
func (c *Card) Save(path string) error {
	content, err := c.Render()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing model card: %w", err)
	}
	return nil
}

// HTML renders the card's text for preview in a browser.
func (c *Card) HTML() string {
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs | parser.NoEmptyLineBeforeBlock)
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank | html.SkipHTML})
	return string(markdown.ToHTML([]byte(c.Text), p, renderer))
}
