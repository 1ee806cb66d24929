// Package weights makes sure the pretrained model files exist on disk before
// the engine starts. Missing files are fetched once from fixed URLs.
package weights

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// File is one pretrained weight file.
type File struct {
	Dir string // relative to the weights root
	URL string
}

// Name is the file name taken from the URL.
func (f File) Name() string {
	return filepath.Base(f.URL)
}

// Path is the absolute location of the file under root.
func (f File) Path(root string) string {
	return filepath.Join(root, f.Dir, f.Name())
}

// Pretrained is the fixed set of weights the engine loads.
var Pretrained = []File{
	{Dir: "CodeFormer", URL: "https://github.com/sczhou/CodeFormer/releases/download/v0.1.0/codeformer.pth"},
	{Dir: "facelib", URL: "https://github.com/sczhou/CodeFormer/releases/download/v0.1.0/detection_Resnet50_Final.pth"},
	{Dir: "facelib", URL: "https://github.com/sczhou/CodeFormer/releases/download/v0.1.0/parsing_parsenet.pth"},
	{Dir: "realesrgan", URL: "https://github.com/sczhou/CodeFormer/releases/download/v0.1.0/RealESRGAN_x2plus.pth"},
	{Dir: "inswapper", URL: "https://huggingface.co/henryruhs/roop/resolve/main/inswapper_128.onnx"},
}

// Missing lists the files not yet present under root.
func Missing(root string, files []File) []File {
	var missing []File
	for _, f := range files {
		if _, err := os.Stat(f.Path(root)); err != nil {
			missing = append(missing, f)
		}
	}
	return missing
}

// Bootstrap downloads every missing file. Files already on disk are never
// re-checked, so calling it again is cheap. Progress bars go to w (nil: none).
func Bootstrap(ctx context.Context, client *http.Client, root string, files []File, w io.Writer, log *zap.Logger) error {
	for _, f := range Missing(root, files) {
		log.Info("downloading weights", zap.String("file", f.Name()), zap.String("url", f.URL))
		if err := download(ctx, client, f, root, w); err != nil {
			return fmt.Errorf("fetch %s: %w", f.Name(), err)
		}
	}
	return nil
}

func download(ctx context.Context, client *http.Client, f File, root string, w io.Writer) error {
	dest := f.Path(root)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	// Download next to the destination and rename, so a half-written file is never mistaken for a model
	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	defer os.Remove(part)

	var sink io.Writer = out
	if w != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription("Downloading "+f.Name()),
			progressbar.OptionSetWriter(w),
			progressbar.OptionShowBytes(true),
			progressbar.OptionOnCompletion(func() { fmt.Fprint(w, "\n") }),
		)
		sink = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(sink, resp.Body); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(part, dest)
}
