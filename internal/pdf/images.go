package pdf

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 95

var supportedImageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
	".bmp":  {},
}

// IsSupportedImage は拡張子が対象画像かどうかを返します。
func IsSupportedImage(name string) bool {
	_, ok := supportedImageExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ListImages は root 以下の対象画像を自然順で返します。
func ListImages(root string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsSupportedImage(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	SortPaths(rels)
	images := make([]string, len(rels))
	for i, rel := range rels {
		images[i] = filepath.Join(root, filepath.FromSlash(rel))
	}
	return images, nil
}

// normalizeImages は画像を順番通りに JPEG へ再エンコードし、outDir に 000001.jpg から連番で保存します。
func normalizeImages(ctx context.Context, images []string, outDir string, progress ProgressReporter) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create conversion directory: %w", err)
	}

	converted := make([]string, 0, len(images))
	for i, src := range images {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		dst := filepath.Join(outDir, fmt.Sprintf("%06d.jpg", i+1))
		if err := convertToJPEG(src, dst); err != nil {
			return nil, err
		}
		converted = append(converted, dst)
		reportProgress(progress, StageNormalize, ratio(i+1, len(images), 100))
	}
	return converted, nil
}

func convertToJPEG(src, dst string) error {
	mtype, err := mimetype.DetectFile(src)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", filepath.Base(src), err)
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		return newError(CodeUnsupportedImage, fmt.Sprintf("%s is not an image (%s)", filepath.Base(src), mtype.String()), nil)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}
	defer in.Close()

	img, _, err := image.Decode(in)
	if err != nil {
		return newError(CodeUnsupportedImage, fmt.Sprintf("failed to decode %s", filepath.Base(src)), err)
	}

	// 透過部分は白で塗りつぶす
	bounds := img.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, bounds, img, bounds.Min, draw.Over)

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create converted image: %w", err)
	}
	if err := jpeg.Encode(out, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
		out.Close()
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}
