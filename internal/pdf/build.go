package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// ResultKind は生成される成果物の種別を表します。
type ResultKind string

const (
	ResultKindPDF ResultKind = "pdf"
	ResultKindZIP ResultKind = "zip"
)

// Request は成果物生成の入力です。
type Request struct {
	SourceDir   string // 取得済みの生ファイル
	ArtifactDir string // 成果物の出力先
	ConvertDir  string // 正規化画像の作業領域
	BaseName    string // 出力ファイル名（拡張子なし、未サニタイズ）
	PerAlbum    bool   // true の場合 SourceDir 直下のディレクトリごとに PDF を作り zip にまとめる
}

// Artifact は生成された成果物です。
type Artifact struct {
	Path string
	Name string
	Kind ResultKind
}

// Build は取得済みファイルから成果物を生成します。
func Build(ctx context.Context, req Request, progress ProgressReporter) (*Artifact, error) {
	for _, dir := range []string{req.ArtifactDir, req.ConvertDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	base := SanitizeFilename(req.BaseName)

	if !req.PerAlbum {
		target := filepath.Join(req.ArtifactDir, base+".pdf")
		if err := mergeTree(ctx, req.SourceDir, target, filepath.Join(req.ConvertDir, "single"), progress); err != nil {
			return nil, err
		}
		reportProgress(progress, StageCompleted, 100)
		return &Artifact{Path: target, Name: filepath.Base(target), Kind: ResultKindPDF}, nil
	}

	albumDirs, err := listAlbumDirs(req.SourceDir)
	if err != nil {
		return nil, err
	}

	pdfPaths := make([]string, 0, len(albumDirs))
	for i, name := range albumDirs {
		pdfPath := filepath.Join(req.ArtifactDir, fmt.Sprintf("%03d_%s.pdf", i+1, SanitizeFilename(name)))
		convertDir := filepath.Join(req.ConvertDir, fmt.Sprintf("album_%03d", i+1))
		if err := mergeTree(ctx, filepath.Join(req.SourceDir, name), pdfPath, convertDir, nil); err != nil {
			return nil, err
		}
		pdfPaths = append(pdfPaths, pdfPath)
		reportProgress(progress, StagePackage, ratio(i+1, len(albumDirs), 90))
	}

	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	zipPath := filepath.Join(req.ArtifactDir, base+".zip")
	if err := createZip(zipPath, pdfPaths); err != nil {
		return nil, newError(CodeArchiveFailed, "failed to build archive", err)
	}
	reportProgress(progress, StageCompleted, 100)
	return &Artifact{Path: zipPath, Name: filepath.Base(zipPath), Kind: ResultKindZIP}, nil
}

func listAlbumDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, newError(CodeNoAlbums, "no album directories found for multi-album download", nil)
	}
	SortNames(names)
	return names, nil
}

// mergeTree は root 以下の画像を1つのPDFにまとめます。
func mergeTree(ctx context.Context, root, outPDF, convertDir string, progress ProgressReporter) error {
	images, err := ListImages(root)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return newError(CodeNoImages, fmt.Sprintf("no images found in %s", filepath.Base(root)), nil)
	}

	converted, err := normalizeImages(ctx, images, convertDir, progress)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	// ImportImagesFile は既存ファイルに追記するため先に消しておく
	if err := os.Remove(outPDF); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset %s: %w", filepath.Base(outPDF), err)
	}
	if err := pdfapi.ImportImagesFile(converted, outPDF, nil, nil); err != nil {
		return newError(CodeBuildFailed, fmt.Sprintf("failed to build %s", filepath.Base(outPDF)), err)
	}
	return nil
}
