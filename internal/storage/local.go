// Package storage はジョブごとのローカルディレクトリ配置を管理します。
//
// 保存先:
//   - <TempRoot>/job_<id>/source   取得した生ファイル
//   - <TempRoot>/job_<id>/pdf_tmp  正規化した画像
//   - <DownloadRoot>/job_<id>/     成果物
//
// ディレクトリ名はジョブIDから決まるため、ジョブ間で共有されることはありません。
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Local はローカルファイルシステム上のジョブ領域です。
type Local struct {
	downloadRoot string
	tempRoot     string
}

// JobDirs は1ジョブ分のディレクトリ一式です。
type JobDirs struct {
	Temp     string
	Source   string
	Convert  string
	Artifact string
}

// NewLocal はルートディレクトリを作成して Local を返します。
func NewLocal(downloadRoot, tempRoot string) (*Local, error) {
	if downloadRoot == "" || tempRoot == "" {
		return nil, errors.New("storage roots are required")
	}
	for _, dir := range []string{downloadRoot, tempRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage root %s: %w", dir, err)
		}
	}
	return &Local{downloadRoot: downloadRoot, tempRoot: tempRoot}, nil
}

// Dirs はジョブIDに対応するディレクトリのパスを返します（作成はしません）。
func (l *Local) Dirs(jobID int64) JobDirs {
	name := fmt.Sprintf("job_%d", jobID)
	temp := filepath.Join(l.tempRoot, name)
	return JobDirs{
		Temp:     temp,
		Source:   filepath.Join(temp, "source"),
		Convert:  filepath.Join(temp, "pdf_tmp"),
		Artifact: filepath.Join(l.downloadRoot, name),
	}
}

// Prepare はジョブ用ディレクトリを作成します。
func (l *Local) Prepare(jobID int64) (JobDirs, error) {
	dirs := l.Dirs(jobID)
	for _, dir := range []string{dirs.Source, dirs.Convert, dirs.Artifact} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return dirs, fmt.Errorf("failed to create job directory: %w", err)
		}
	}
	return dirs, nil
}

// RemoveTemp は作業ディレクトリを削除します。
func (l *Local) RemoveTemp(jobID int64) error {
	return RemovePath(l.Dirs(jobID).Temp)
}

// RemoveAll はジョブの作業ディレクトリと成果物ディレクトリを削除します。
// 両方を試み、最初に起きたエラーを返します。
func (l *Local) RemoveAll(jobID int64) error {
	dirs := l.Dirs(jobID)
	errTemp := RemovePath(dirs.Temp)
	errArtifact := RemovePath(dirs.Artifact)
	if errTemp != nil {
		return errTemp
	}
	return errArtifact
}

// RemovePath はファイルまたはディレクトリを削除します。存在しない場合はエラーにしません。
func RemovePath(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
