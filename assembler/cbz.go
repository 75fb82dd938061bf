package assembler

import (
	"archive/zip"
	"fmt"
	"io"

	"mangascraper/identity"
)

// writeCBZ stores the pages as a comic book archive, one JPEG entry per page
// in page order.
func writeCBZ(w io.Writer, pages []page) error {
	zw := zip.NewWriter(w)

	for _, p := range pages {
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:   identity.PageFileName(p.Number, "jpg"),
			Method: zip.Store, // JPEG does not compress further
		})
		if err != nil {
			return fmt.Errorf("failed to add page %d: %w", p.Number, err)
		}
		if _, err := entry.Write(p.JPEG); err != nil {
			return fmt.Errorf("failed to write page %d: %w", p.Number, err)
		}
	}

	return zw.Close()
}
