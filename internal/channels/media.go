package channels

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// maxImageDimension bounds either side of an outbound or
	// vision-bound image.
	maxImageDimension = 2048

	// jpegQuality for re-encoded images.
	jpegQuality = 85
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// IsImagePath reports whether the path looks like an image by extension.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// SanitizeImage re-encodes a local image as JPEG, downscaling so neither
// side exceeds maxImageDimension. Strips metadata as a side effect of the
// re-encode. Returns the path of the sanitized copy.
func SanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image %s: %w", path, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDimension || bounds.Dy() > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}

	out, err := os.CreateTemp("", "openclaw_img_*.jpg")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	outPath := out.Name()
	out.Close()

	if err := imaging.Save(img, outPath, imaging.JPEGQuality(jpegQuality)); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("encode image: %w", err)
	}
	return outPath, nil
}
