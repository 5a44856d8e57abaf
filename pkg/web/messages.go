package web

import (
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/docker/gguf-my-repo/pkg/pipeline"
)

// Status messages shown after the actions of the two-phase flow.
const (
	MessageGenerated = "Files generated successfully. You can now download them locally or choose an action below."
	MessageDeleted   = "Local files have been deleted."
	MessageNoFiles   = "No local files to delete."
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"\n", "<br/>",
)

// EscapeHTML escapes the characters that are special in HTML text and
// attribute values and turns newlines into line breaks. Ampersands are
// replaced before the entities are introduced, so they are never escaped
// twice.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

func repoLink(heading, url, repoID string) template.HTML {
	return template.HTML(fmt.Sprintf(
		`<h1>%s</h1><br/>Find your repo here: <a href="%s" target="_blank" style="text-decoration:underline">%s</a>`,
		heading, EscapeHTML(url), EscapeHTML(repoID)))
}

func errorBlock(heading string, err error) template.HTML {
	if errors.Is(err, pipeline.ErrAdapterModel) {
		// The adapter message carries its own markup.
		return template.HTML(fmt.Sprintf(`<h1>%s</h1><br/>%s`, heading, pipeline.ErrAdapterModel))
	}
	return template.HTML(fmt.Sprintf(
		`<h1>%s</h1><br/><pre style="white-space:pre-wrap;">%s</pre>`,
		heading, EscapeHTML(err.Error())))
}

// DoneMessage reports a published repository.
func DoneMessage(url, repoID string) template.HTML {
	return repoLink("✅ DONE", url, repoID)
}

// UploadCompleteMessage reports a repository published from reviewed files.
func UploadCompleteMessage(url, repoID string) template.HTML {
	return repoLink("✅ UPLOAD COMPLETE", url, repoID)
}

// ErrorMessage reports a failed request.
func ErrorMessage(err error) template.HTML {
	return errorBlock("❌ ERROR", err)
}

// UploadErrorMessage reports a failed upload.
func UploadErrorMessage(err error) template.HTML {
	return errorBlock("❌ UPLOAD ERROR", err)
}

// SplitVisibility returns whether the max tensors and max size inputs are
// shown.
func SplitVisibility(split bool) (tensors, size bool) {
	return split, split
}

// ImatrixVisibility says which form inputs are shown for a choice of
// imatrix quantization.
type ImatrixVisibility struct {
	QuantMethod        bool `json:"quant_method"`
	ImatrixQuantMethod bool `json:"imatrix_quant_method"`
	TrainDataFile      bool `json:"train_data_file"`
	ImatrixDownload    bool `json:"imatrix_download"`
}

// ImatrixVisibilityFor returns the visible inputs when useImatrix is set or
// not.
func ImatrixVisibilityFor(useImatrix bool) ImatrixVisibility {
	return ImatrixVisibility{
		QuantMethod:        !useImatrix,
		ImatrixQuantMethod: useImatrix,
		TrainDataFile:      useImatrix,
		ImatrixDownload:    useImatrix,
	}
}
