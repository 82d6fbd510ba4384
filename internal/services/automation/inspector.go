package automation

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/models"
)

var pdfMagic = []byte("%PDF-")

// Inspector reads metadata from downloaded artifacts
type Inspector struct {
	logger arbor.ILogger
	conf   *model.Configuration
}

// NewInspector creates an inspector using relaxed PDF validation
func NewInspector(logger arbor.ILogger) *Inspector {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Inspector{
		logger: logger,
		conf:   conf,
	}
}

// Inspect sets the content type and page count of PDF artifacts.
// Other artifacts are left unchanged.
func (i *Inspector) Inspect(a *models.Artifact) error {
	if !isPDF(a) {
		i.logger.Debug().
			Str("kind", string(a.Kind)).
			Str("file", a.FileName).
			Msg("Artifact is not a PDF, skipping inspection")
		return nil
	}

	a.ContentType = "application/pdf"

	pdfCtx, err := api.ReadContext(bytes.NewReader(a.Data), i.conf)
	if err != nil {
		return fmt.Errorf("failed to read PDF %s: %w", a.FileName, err)
	}
	if err := pdfCtx.EnsurePageCount(); err != nil {
		return fmt.Errorf("failed to count pages of %s: %w", a.FileName, err)
	}

	a.PageCount = pdfCtx.PageCount
	return nil
}

func isPDF(a *models.Artifact) bool {
	if bytes.HasPrefix(a.Data, pdfMagic) {
		return true
	}
	return strings.EqualFold(filepath.Ext(a.FileName), ".pdf")
}
