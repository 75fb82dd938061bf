package assembler

import (
	"bytes"
	"fmt"
	"io"

	"github.com/go-pdf/fpdf"
)

// writePDF lays out one page per image, each page sized to its image in points.
func writePDF(w io.Writer, title string, pages []page) error {
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(title, true)
	pdf.SetCreator("mangascraper", false)

	for _, p := range pages {
		wd, ht := float64(p.Width), float64(p.Height)
		name := fmt.Sprintf("page-%d", p.Number)
		opts := fpdf.ImageOptions{ImageType: "JPG"}

		pdf.AddPageFormat("P", fpdf.SizeType{Wd: wd, Ht: ht})
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(p.JPEG))
		pdf.ImageOptions(name, 0, 0, wd, ht, false, opts, 0, "")

		if err := pdf.Error(); err != nil {
			return fmt.Errorf("page %d: %w", p.Number, err)
		}
	}

	return pdf.Output(w)
}
