package template

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidPath はキャッシュディレクトリの外を指すパスのエラー。
var ErrInvalidPath = errors.New("invalid path")

// ダウンロード対象の拡張子。
var allowedExtensions = map[string]bool{
	".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".html": true, ".css": true, ".scss": true, ".json": true,
	".yml": true, ".yaml": true, ".md": true, ".txt": true,
	".sh": true, ".bat": true, ".sql": true, ".toml": true,
	".cfg": true, ".ini": true, ".env": true, ".gitignore": true,
}

// 同期時に辿らないディレクトリ。
var excludedDirs = map[string]bool{
	"node_modules": true, ".git": true, "__pycache__": true,
	".venv": true, "venv": true, "dist": true, "build": true,
}

// 同期と一覧で例外的に扱うドットファイル。
var (
	allowedHiddenNames = map[string]bool{".env.example": true, ".gitignore": true, ".claude": true}
	alwaysFetchNames   = map[string]bool{".env.example": true, ".gitignore": true}
)

// shouldSyncEntry はGitHub上のエントリを同期対象とするかを返す。
func shouldSyncEntry(e ContentEntry) bool {
	if e.Type == "dir" && excludedDirs[e.Name] {
		return false
	}
	if strings.HasPrefix(e.Name, ".") && !allowedHiddenNames[e.Name] {
		return false
	}
	return true
}

// shouldDownload はファイルをダウンロードするかを拡張子と名前で判定する。
func shouldDownload(name string) bool {
	return allowedExtensions[strings.ToLower(path.Ext(name))] || alwaysFetchNames[name]
}

// isListed はキャッシュ上のエントリを一覧に表示するかを返す。
// メタデータなど"_"で始まる名前と、許可されていないドットファイルは表示しない。
func isListed(name string) bool {
	if strings.HasPrefix(name, "_") {
		return false
	}
	if strings.HasPrefix(name, ".") && !allowedHiddenNames[name] {
		return false
	}
	return true
}

// cleanRelPath はリクエストされたパスを正規化する。ルートは空文字列で表す。
// 絶対パス、".."を含むパス、NULバイトやバックスラッシュを含むパスは拒否する。
func cleanRelPath(raw string) (string, error) {
	if strings.ContainsRune(raw, 0) || strings.Contains(raw, `\`) || path.IsAbs(raw) || filepath.IsAbs(raw) {
		return "", ErrInvalidPath
	}
	for _, part := range strings.Split(raw, "/") {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned := path.Clean(raw)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// resolve はキャッシュディレクトリ配下の絶対パスを返す。
func resolve(cacheDir, rel string) (string, error) {
	clean, err := cleanRelPath(rel)
	if err != nil {
		return "", err
	}
	base, err := filepath.Abs(cacheDir)
	if err != nil {
		return "", err
	}
	full := filepath.Join(base, filepath.FromSlash(clean))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}
