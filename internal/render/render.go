// Package render turns markdown reports into shareable artifacts.
// Reports are converted to a styled standalone HTML page and printed to
// PDF through headless chrome; when no browser can be started the HTML
// page itself becomes the artifact.
package render

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	ghtml "github.com/yuin/goldmark/renderer/html"

	core "github.com/delverhq/delver/internal/agent/core"
)

const pageTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<style>
body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 0 auto; padding: 20px; }
h1 { color: #333; border-bottom: 2px solid #333; }
h2 { color: #555; margin-top: 30px; }
h3 { color: #777; }
code { background: #f4f4f4; padding: 2px 4px; }
pre { background: #f4f4f4; padding: 10px; overflow-x: auto; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
th { background-color: #f2f2f2; }
</style>
</head>
<body>
%s
</body>
</html>
`

// PDFRenderer writes report artifacts under OutputDir. Artifact names
// derive from the markdown content, so re-rendering the same report is
// idempotent.
type PDFRenderer struct {
	OutputDir string
	Timeout   time.Duration

	md     goldmark.Markdown
	logger *log.Logger
	print  func(ctx context.Context, url string) ([]byte, error)
}

var _ core.ReportRenderer = (*PDFRenderer)(nil)

func NewPDFRenderer(outputDir string) *PDFRenderer {
	r := &PDFRenderer{
		OutputDir: outputDir,
		Timeout:   60 * time.Second,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(ghtml.WithUnsafe()),
		),
		logger: log.New(log.Writer(), "[RENDER] ", log.LstdFlags),
	}
	r.print = r.printToPDF
	return r
}

// HTML converts the markdown report into the styled standalone page
// that backs both the PDF and the fallback artifact.
func (r *PDFRenderer) HTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("converting markdown: %w", err)
	}
	return fmt.Sprintf(pageTemplate, buf.String()), nil
}

// RenderPDF renders the report and returns the artifact path. The HTML
// intermediate is written first; if chrome cannot be started that file
// is handed back instead, so a missing browser degrades the artifact
// rather than failing the run.
func (r *PDFRenderer) RenderPDF(ctx context.Context, markdown string) (string, error) {
	doc, err := r.HTML(markdown)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}

	sum := md5.Sum([]byte(markdown))
	short := hex.EncodeToString(sum[:])[:8]
	htmlPath := filepath.Join(r.OutputDir, fmt.Sprintf("report_%s.html", short))
	if err := os.WriteFile(htmlPath, []byte(doc), 0o644); err != nil {
		return "", fmt.Errorf("writing html: %w", err)
	}

	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return "", err
	}
	pdf, err := r.print(ctx, "file://"+abs)
	if err != nil {
		r.logger.Printf("chrome render failed (%v), keeping HTML fallback", err)
		return htmlPath, nil
	}

	pdfPath := filepath.Join(r.OutputDir, fmt.Sprintf("report_%s.pdf", short))
	if err := os.WriteFile(pdfPath, pdf, 0o644); err != nil {
		return "", fmt.Errorf("writing pdf: %w", err)
	}
	_ = os.Remove(htmlPath)
	return pdfPath, nil
}

func (r *PDFRenderer) printToPDF(ctx context.Context, url string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var pdf []byte
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	return pdf, err
}
