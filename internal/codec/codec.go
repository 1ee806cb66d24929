// Package codec reads and writes frame files. Frames are rewritten in place
// through a temporary file and a rename, so a failed write never leaves a
// truncated frame behind.
package codec

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF format
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WEBP format
)

// JPEGQuality is used whenever a frame is re-encoded as JPEG.
const JPEGQuality = 95

// writeFormats maps the extensions Encode can produce to their format name.
var writeFormats = map[string]string{
	".png":  "png",
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".bmp":  "bmp",
}

// Writable reports whether an image can be written under path's extension.
// GIF and WebP decode fine but have no encoder here.
func Writable(path string) bool {
	_, ok := writeFormats[strings.ToLower(filepath.Ext(path))]
	return ok
}

// FormatFor is the format a file at path should be encoded in: the one its
// extension names, or fallback when the extension names none.
func FormatFor(path, fallback string) string {
	if f, ok := writeFormats[strings.ToLower(filepath.Ext(path))]; ok {
		return f
	}
	return fallback
}

// Decode reads an image file and reports the format it was stored in.
func Decode(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, format, nil
}

// Encode writes img to w in the given format. Formats Go can only decode
// (gif, webp) are written as PNG.
func Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case "jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	case "bmp":
		return bmp.Encode(w, img)
	default:
		return png.Encode(w, img)
	}
}

// EncodePNG is the in-memory encoding used on the engine pipe.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes decodes an in-memory image of any registered format.
func DecodeBytes(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// WriteFile atomically replaces path with img encoded in format.
func WriteFile(path string, img image.Image, format string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	// Remove is a no-op once the rename succeeded
	defer os.Remove(tmpName)

	if err := Encode(tmp, img, format); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ToRGBA returns a mutable RGBA copy of img with its origin at (0, 0).
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
