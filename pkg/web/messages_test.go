package web

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docker/gguf-my-repo/pkg/pipeline"
)

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"a & b", "a &amp; b"},
		{"<script>", "&lt;script&gt;"},
		{`say "hi"`, "say &quot;hi&quot;"},
		{"line one\nline two", "line one<br/>line two"},
		{"&lt;", "&amp;lt;"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EscapeHTML(tt.in), tt.in)
	}
}

func TestEscapeHTMLLeavesNoReservedCharacters(t *testing.T) {
	for _, in := range []string{`<a href="x">&</a>`, "&&&<<<>>>\"\"\n", "&amp;<br/>"} {
		out := EscapeHTML(in)
		assert.NotContains(t, out, "<a")
		assert.NotContains(t, out, `"`)
		assert.NotContains(t, out, "\n")
		// Every remaining ampersand starts an entity we introduced.
		stripped := out
		for _, entity := range []string{"&amp;", "&lt;", "&gt;", "&quot;"} {
			stripped = strings.ReplaceAll(stripped, entity, "")
		}
		assert.NotContains(t, stripped, "&")
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t,
		`<h1>✅ DONE</h1><br/>Find your repo here: <a href="https://huggingface.co/alice/Model-Q4_K_M-GGUF" target="_blank" style="text-decoration:underline">alice/Model-Q4_K_M-GGUF</a>`,
		string(DoneMessage("https://huggingface.co/alice/Model-Q4_K_M-GGUF", "alice/Model-Q4_K_M-GGUF")))
	assert.Contains(t, string(UploadCompleteMessage("u", "r")), "<h1>✅ UPLOAD COMPLETE</h1>")

	assert.Equal(t,
		`<h1>❌ ERROR</h1><br/><pre style="white-space:pre-wrap;">Error quantizing: bad &lt;input&gt;<br/>trace</pre>`,
		string(ErrorMessage(errors.New("Error quantizing: bad <input>\ntrace"))))
	assert.Contains(t, string(UploadErrorMessage(errors.New("x"))), "<h1>❌ UPLOAD ERROR</h1>")

	adapter := string(ErrorMessage(fmt.Errorf("checking model: %w", pipeline.ErrAdapterModel)))
	assert.Contains(t, adapter, `<a href="https://huggingface.co/spaces/ggml-org/gguf-my-lora"`)
	assert.NotContains(t, adapter, "&lt;")
}

func TestSplitVisibility(t *testing.T) {
	for _, split := range []bool{true, false} {
		tensors, size := SplitVisibility(split)
		assert.Equal(t, split, tensors)
		assert.Equal(t, split, size)
	}
}

func TestImatrixVisibility(t *testing.T) {
	assert.Equal(t, ImatrixVisibility{
		QuantMethod:        false,
		ImatrixQuantMethod: true,
		TrainDataFile:      true,
		ImatrixDownload:    true,
	}, ImatrixVisibilityFor(true))
	assert.Equal(t, ImatrixVisibility{QuantMethod: true}, ImatrixVisibilityFor(false))
}
