package pdf

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// createZip は files を与えられた順に1つの zip にまとめます。
func createZip(outputPath string, files []string) error {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create zip: %w", err)
	}
	defer outFile.Close()

	zipWriter := zip.NewWriter(outFile)
	for _, path := range files {
		if err := addZipEntry(zipWriter, path); err != nil {
			zipWriter.Close()
			return err
		}
	}
	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("failed to finalize zip: %w", err)
	}
	return outFile.Close()
}

func addZipEntry(zw *zip.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open zip input: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat zip input: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build zip header: %w", err)
	}
	header.Name = filepath.Base(path)
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to write zip header: %w", err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write zip entry: %w", err)
	}
	return nil
}
