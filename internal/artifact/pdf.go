package artifact

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/microcosm-cc/bluemonday"
)

// PDFRenderer prints reports to PDF through a headless Chrome instance that
// is started on first use and reused until Close.
type PDFRenderer struct {
	Root    string
	Timeout time.Duration

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	policy        *bluemonday.Policy
}

func NewPDFRenderer(root string) (*PDFRenderer, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &PDFRenderer{
		Root:    absRoot,
		Timeout: 60 * time.Second,
		policy:  bluemonday.UGCPolicy(),
	}, nil
}

func (p *PDFRenderer) initBrowser() (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.browserCtx != nil {
		select {
		case <-p.browserCtx.Done():
			p.cleanup()
		default:
			return p.browserCtx, nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	p.allocCtx, p.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	p.browserCtx, p.browserCancel = chromedp.NewContext(p.allocCtx)

	if err := chromedp.Run(p.browserCtx); err != nil {
		p.cleanup()
		return nil, err
	}
	return p.browserCtx, nil
}

func (p *PDFRenderer) cleanup() {
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.browserCtx = nil
	p.allocCtx = nil
}

// Close shuts the browser down.
func (p *PDFRenderer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanup()
}

func (p *PDFRenderer) Render(ctx context.Context, req Request) (Artifact, error) {
	if req.Format != FormatPDF && req.Format != "" {
		return Artifact{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}
	targetPath, err := resolve(p.Root, cleanName(req.Name, ".pdf"))
	if err != nil {
		return Artifact{}, err
	}

	browserCtx, err := p.initBrowser()
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to initialize browser: %w", err)
	}
	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, p.Timeout)
	defer cancel()

	// Stop printing if the caller goes away.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	body := p.policy.Sanitize(toHTML(req.Title, req.Content))
	doc := wrapDocument(req.Title, body)

	var pdf []byte
	err = chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		setContent(doc),
		printToPDF(&pdf),
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to render pdf: %w", err)
	}

	if err := os.WriteFile(targetPath, pdf, 0644); err != nil {
		return Artifact{}, fmt.Errorf("failed to write file: %w", err)
	}
	return Artifact{Location: targetPath, Format: FormatPDF, Bytes: int64(len(pdf))}, nil
}

func setContent(doc string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		return page.SetDocumentContent(tree.Frame.ID, doc).Do(ctx)
	})
}

func printToPDF(out *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().WithPrintBackground(true).Do(ctx)
		if err != nil {
			return err
		}
		*out = buf
		return nil
	})
}

const documentShell = `<!DOCTYPE html><html><head><meta charset="utf-8"><title>%s</title>
<style>body{font-family:Helvetica,Arial,sans-serif;font-size:11pt;line-height:1.5;margin:2cm;}
h1,h2,h3{color:#222;}pre{background:#f4f4f4;padding:8px;white-space:pre-wrap;}</style>
</head><body>%s</body></html>`

func wrapDocument(title, body string) string {
	return fmt.Sprintf(documentShell, html.EscapeString(title), body)
}

// toHTML understands headings, bullet lists, fenced code and paragraphs.
// Everything else is escaped text.
func toHTML(title, content string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(title))
	}

	inList, inCode := false, false
	var para []string
	flush := func() {
		if len(para) > 0 {
			fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(strings.Join(para, " ")))
			para = nil
		}
		if inList {
			b.WriteString("</ul>\n")
			inList = false
		}
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inCode {
				b.WriteString("</pre>\n")
			} else {
				flush()
				b.WriteString("<pre>")
			}
			inCode = !inCode
			continue
		}
		if inCode {
			b.WriteString(html.EscapeString(line) + "\n")
			continue
		}

		switch {
		case trimmed == "":
			flush()
		case strings.HasPrefix(trimmed, "### "):
			flush()
			fmt.Fprintf(&b, "<h3>%s</h3>\n", html.EscapeString(trimmed[4:]))
		case strings.HasPrefix(trimmed, "## "):
			flush()
			fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(trimmed[3:]))
		case strings.HasPrefix(trimmed, "# "):
			flush()
			fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(trimmed[2:]))
		case strings.HasPrefix(trimmed, "- "), strings.HasPrefix(trimmed, "* "):
			if len(para) > 0 {
				fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(strings.Join(para, " ")))
				para = nil
			}
			if !inList {
				b.WriteString("<ul>\n")
				inList = true
			}
			fmt.Fprintf(&b, "<li>%s</li>\n", html.EscapeString(trimmed[2:]))
		default:
			if inList {
				b.WriteString("</ul>\n")
				inList = false
			}
			para = append(para, trimmed)
		}
	}
	if inCode {
		b.WriteString("</pre>\n")
	}
	flush()
	return b.String()
}
