package template

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto/v2"
)

// MaxContentSize は内容を返すファイルの最大サイズ（1MiB）。
const MaxContentSize = 1 << 20

var (
	ErrNotFound     = errors.New("path not found")
	ErrNotDirectory = errors.New("path is not a directory")
	ErrIsDirectory  = errors.New("path is a directory")
	ErrTooLarge     = errors.New("file too large to display")
	ErrBinary       = errors.New("binary file cannot be displayed")
)

// Entry はディレクトリ一覧の1要素。
type Entry struct {
	Name      string
	Path      string
	Type      string // "dir" または "file"
	Size      int64
	Extension string
}

// IsDir はディレクトリかを返す。
func (e Entry) IsDir() bool { return e.Type == "dir" }

// Listing はディレクトリ一覧の結果。Parentはルートの場合nil。
type Listing struct {
	Path     string
	Items    []Entry
	Parent   *string
	LastSync *time.Time
}

// FileContent はファイル内容の結果。Sizeは文字数。
type FileContent struct {
	Path      string
	Name      string
	Content   string
	Extension string
	Size      int
}

// Browser はキャッシュディレクトリのファイルを一覧、参照する。
// 内容はristrettoでメモリにキャッシュする。
type Browser struct {
	cacheDir string
	syncer   *Syncer
	cache    *ristretto.Cache[string, *FileContent]
	logger   *slog.Logger
}

// NewBrowser はBrowserを生成する。syncerが指定された場合は、
// 未同期時の自動同期と同期後のキャッシュ破棄を行う。
func NewBrowser(cacheDir string, syncer *Syncer, maxCost int64, logger *slog.Logger) (*Browser, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *FileContent]{
		NumCounters: 10_000,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create content cache: %w", err)
	}

	b := &Browser{
		cacheDir: cacheDir,
		syncer:   syncer,
		cache:    cache,
		logger:   logger,
	}
	if syncer != nil {
		syncer.OnSynced(cache.Clear)
	}
	return b, nil
}

// Close はコンテンツキャッシュを解放する。
func (b *Browser) Close() {
	b.cache.Close()
}

// List はディレクトリの一覧を返す。ディレクトリが先、名前は大文字小文字を区別せず昇順。
// 一度も同期していない場合は先に同期する。同期がレート制限で失敗した場合はErrRateLimitedを返し、
// それ以外の同期失敗はキャッシュにある内容で一覧を返す。
func (b *Browser) List(ctx context.Context, relPath string) (*Listing, error) {
	clean, err := cleanRelPath(relPath)
	if err != nil {
		return nil, err
	}

	var lastSync *time.Time
	if b.syncer != nil {
		if err := b.syncer.EnsureSynced(ctx); err != nil {
			if errors.Is(err, ErrRateLimited) {
				return nil, err
			}
			b.logger.Warn("auto sync before listing failed", slog.String("error", err.Error()))
		}
		if meta, err := b.syncer.Status(); err == nil {
			lastSync = meta.LastSync
		}
	}

	full, err := resolve(b.cacheDir, clean)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", clean, err)
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", clean, err)
	}

	items := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !isListed(de.Name()) {
			continue
		}
		entry := Entry{Name: de.Name(), Path: path.Join(clean, de.Name()), Type: "file"}
		if de.IsDir() {
			entry.Type = "dir"
		} else {
			fi, err := de.Info()
			if err != nil {
				continue
			}
			entry.Size = fi.Size()
			entry.Extension = strings.ToLower(path.Ext(de.Name()))
		}
		items = append(items, entry)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].IsDir() != items[j].IsDir() {
			return items[i].IsDir()
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})

	listing := &Listing{Path: clean, Items: items, LastSync: lastSync}
	if clean != "" {
		parent := path.Dir(clean)
		if parent == "." {
			parent = ""
		}
		listing.Parent = &parent
	}
	return listing, nil
}

// Read はファイルの内容を返す。1MiBを超えるファイルとUTF-8でないファイルは返さない。
func (b *Browser) Read(_ context.Context, relPath string) (*FileContent, error) {
	clean, err := cleanRelPath(relPath)
	if err != nil {
		return nil, err
	}
	if clean == "" {
		return nil, ErrIsDirectory
	}
	if clean == MetadataFile {
		return nil, ErrNotFound
	}

	full, err := resolve(b.cacheDir, clean)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", clean, err)
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}
	if info.Size() > MaxContentSize {
		return nil, ErrTooLarge
	}

	// 更新日時とサイズをキーに含め、再同期後の古い内容を返さない
	key := clean + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10) + "|" + strconv.FormatInt(info.Size(), 10)
	if fc, ok := b.cache.Get(key); ok {
		return fc, nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", clean, err)
	}
	if !utf8.Valid(data) {
		return nil, ErrBinary
	}

	content := string(data)
	fc := &FileContent{
		Path:      clean,
		Name:      path.Base(clean),
		Content:   content,
		Extension: strings.ToLower(path.Ext(clean)),
		Size:      utf8.RuneCountInString(content),
	}
	b.cache.Set(key, fc, int64(len(data)))
	return fc, nil
}
