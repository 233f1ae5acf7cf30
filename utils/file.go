package utils

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	FILE_EXT_TIF  = ".tif"
	FILE_EXT_TIFF = ".tiff"
)

var (
	ErrNoTifInZip  = errors.New("no tif in zip")
	ErrIllegalPath = errors.New("illegal file path in zip")

	zipMagic = []byte("PK\x03\x04")
)

func GetUniqSubDir(parentPath string) (path string, err error) {
	path = filepath.Join(parentPath, uuid.NewString())
	err = os.MkdirAll(path, os.ModePerm)
	return
}

func GetFilenameWithoutExt(path string) (name string) {
	name = filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(path))
	return
}

func IsTif(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == FILE_EXT_TIF || ext == FILE_EXT_TIFF
}

func IsZip(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

// 将数据写入目录下的唯一文件，pattern中的%s替换为uuid
func WriteUniqFile(dir, pattern string, data []byte) (path string, err error) {
	path = filepath.Join(dir, fmt.Sprintf(pattern, uuid.NewString()))
	err = os.WriteFile(path, data, 0o644)
	return
}

// 解压zip文件到dstDir，返回解压出的文件路径
func Unzip(zipFile, dstDir string) (files []string, err error) {
	zr, err := zip.OpenReader(zipFile)
	if err != nil {
		return
	}
	defer zr.Close()
	return extract(&zr.Reader, dstDir)
}

// 解压内存中的zip数据到dstDir
func UnzipBytes(data []byte, dstDir string) (files []string, err error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return
	}
	return extract(zr, dstDir)
}

// 解压zip数据中的全部tif，按zip中的次序返回
func GetTifsInZip(data []byte, dstDir string) (tifs []string, err error) {
	files, err := UnzipBytes(data, dstDir)
	if err != nil {
		return
	}
	for _, f := range files {
		if IsTif(f) {
			tifs = append(tifs, f)
		}
	}
	if len(tifs) == 0 {
		err = ErrNoTifInZip
	}
	return
}

func extract(zr *zip.Reader, dstDir string) (files []string, err error) {
	root := filepath.Clean(dstDir) + string(os.PathSeparator)
	for _, f := range zr.File {
		path := filepath.Join(dstDir, f.Name)
		if !strings.HasPrefix(path, root) {
			err = fmt.Errorf("%w: %s", ErrIllegalPath, f.Name)
			return
		}
		if f.FileInfo().IsDir() {
			if err = os.MkdirAll(path, os.ModePerm); err != nil {
				return
			}
			continue
		}
		if err = os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return
		}
		if err = extractFile(f, path); err != nil {
			return
		}
		files = append(files, path)
	}
	return
}

func extractFile(f *zip.File, path string) (err error) {
	rc, err := f.Open()
	if err != nil {
		return
	}
	defer rc.Close()
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, err = io.Copy(out, rc)
	if e := out.Close(); err == nil {
		err = e
	}
	return
}
