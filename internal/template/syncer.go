package template

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/santhai/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	// maxWalkDepth はディレクトリを辿る最大の深さ。
	maxWalkDepth = 10
	// defaultConcurrency はファイルダウンロードの同時実行数。
	defaultConcurrency = 4
	// defaultSyncTimeout はバックグラウンド同期1回あたりのタイムアウト。
	defaultSyncTimeout = 10 * time.Minute
)

// ErrSyncInProgress は同期の実行中に別の同期が要求された場合のエラー。
var ErrSyncInProgress = errors.New("template sync already in progress")

// SyncResult は同期1回の結果。
type SyncResult struct {
	Status     Status
	FileCount  int
	HeadCommit string
	Skipped    bool // 最新コミットが前回と同じため同期しなかった
}

// SyncerConfig はSyncerの設定。
type SyncerConfig struct {
	Repo        Repo
	CacheDir    string
	Concurrency int           // 0の場合は4
	Timeout     time.Duration // バックグラウンド同期のタイムアウト。0の場合は10分
}

// Syncer はGitHubリポジトリの内容をキャッシュディレクトリへミラーする。
// 同時に実行される同期は1つだけで、実行中の要求はErrSyncInProgressとなる。
type Syncer struct {
	source  Source
	config  SyncerConfig
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	mu       sync.Mutex
	running  bool
	onSynced []func()
}

// NewSyncer はSyncerを生成し、キャッシュディレクトリを作成する。
func NewSyncer(source Source, config SyncerConfig, logger *slog.Logger, m metrics.MetricsCollector) (*Syncer, error) {
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultSyncTimeout
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if err := os.MkdirAll(config.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create template cache dir: %w", err)
	}
	return &Syncer{
		source:  source,
		config:  config,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}, nil
}

// OnSynced は同期成功時に呼ばれる関数を登録する。
func (s *Syncer) OnSynced(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSynced = append(s.onSynced, fn)
}

// Status は現在の同期状態を返す。
// メタデータが"syncing"のまま実行中の同期がない場合は中断された同期として"failed"を返す。
func (s *Syncer) Status() (Metadata, error) {
	meta, err := readMetadata(s.config.CacheDir)
	if err != nil {
		return Metadata{}, err
	}

	running := s.isRunning()
	switch {
	case running:
		meta.Status = StatusSyncing
	case meta.Status == StatusSyncing:
		meta.Status = StatusFailed
	}
	if meta.Repo == "" {
		meta.Repo = s.config.Repo.FullName()
	}
	if meta.Branch == "" {
		meta.Branch = s.config.Repo.Branch
	}
	return meta, nil
}

// Repo は同期対象のリポジトリを返す。
func (s *Syncer) Repo() Repo {
	return s.config.Repo
}

// Sync は同期を実行し、完了まで待つ。
// forceがfalseの場合は最新コミットが前回の同期時と同じであれば何もしない。
func (s *Syncer) Sync(ctx context.Context, force bool) (*SyncResult, error) {
	if !s.begin() {
		return nil, ErrSyncInProgress
	}
	defer s.end()
	return s.run(ctx, force)
}

// TriggerAsync はバックグラウンドで同期を開始する。
// 既に実行中の場合は何もせずfalseを返す。
func (s *Syncer) TriggerAsync() bool {
	if !s.begin() {
		return false
	}

	go func() {
		defer s.end()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
		defer cancel()
		if _, err := s.run(ctx, true); err != nil {
			s.logger.Error("background template sync failed", slog.String("error", err.Error()))
		}
	}()
	return true
}

// EnsureSynced は一度も同期に成功していない場合に同期を実行する。
// 別の同期が実行中の場合は待たずに戻る。
func (s *Syncer) EnsureSynced(ctx context.Context) error {
	meta, err := readMetadata(s.config.CacheDir)
	if err != nil {
		return err
	}
	if meta.Status == StatusSynced {
		return nil
	}
	_, err = s.Sync(ctx, true)
	if errors.Is(err, ErrSyncInProgress) {
		return nil
	}
	return err
}

func (s *Syncer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Syncer) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *Syncer) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run は同期の本体。呼び出し元がbegin済みであること。
func (s *Syncer) run(ctx context.Context, force bool) (*SyncResult, error) {
	start := s.now()
	repo := s.config.Repo
	logger := s.logger.With(slog.String("run_id", uuid.NewString()))

	meta, err := readMetadata(s.config.CacheDir)
	if err != nil {
		logger.Warn("template metadata unreadable, starting fresh", slog.String("error", err.Error()))
		meta = Metadata{Status: StatusNotSynced}
	}

	head, err := s.source.LatestCommit(ctx)
	if err != nil {
		// コミットフィードが読めなくても同期は続行する
		logger.Warn("failed to read latest commit", slog.String("error", err.Error()))
		head = ""
	}
	if !force && head != "" && meta.Status == StatusSynced && head == meta.HeadCommit {
		logger.Info("template sync skipped, head commit unchanged",
			slog.String("repo", repo.FullName()),
			slog.String("head_commit", head),
		)
		s.metrics.RecordSyncRun("skipped", meta.FileCount, s.now().Sub(start))
		return &SyncResult{Status: StatusSynced, FileCount: meta.FileCount, HeadCommit: head, Skipped: true}, nil
	}

	meta.Status = StatusSyncing
	meta.Error = ""
	if err := writeMetadata(s.config.CacheDir, meta); err != nil {
		return nil, err
	}

	count, err := s.mirror(ctx)
	if err != nil {
		meta.Status = StatusFailed
		meta.Error = err.Error()
		if werr := writeMetadata(s.config.CacheDir, meta); werr != nil {
			logger.Error("failed to record sync failure", slog.String("error", werr.Error()))
		}
		s.metrics.RecordSyncRun("failed", 0, s.now().Sub(start))
		return nil, fmt.Errorf("failed to sync templates: %w", err)
	}

	finished := s.now()
	meta = Metadata{
		LastSync:   &finished,
		Status:     StatusSynced,
		FileCount:  count,
		Repo:       repo.FullName(),
		Branch:     repo.Branch,
		HeadCommit: head,
	}
	if err := writeMetadata(s.config.CacheDir, meta); err != nil {
		return nil, err
	}

	s.metrics.RecordSyncRun("synced", count, finished.Sub(start))
	logger.Info("template sync completed",
		slog.String("repo", repo.FullName()),
		slog.String("branch", repo.Branch),
		slog.Int("file_count", count),
		slog.Duration("duration", finished.Sub(start)),
	)

	s.mu.Lock()
	hooks := append([]func(){}, s.onSynced...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	return &SyncResult{Status: StatusSynced, FileCount: count, HeadCommit: head}, nil
}

type downloadJob struct {
	url   string
	local string
	path  string
}

// mirror はキャッシュを空にしてからリポジトリを辿り、ファイルを並列にダウンロードする。
func (s *Syncer) mirror(ctx context.Context) (int, error) {
	if err := s.clearCache(); err != nil {
		return 0, err
	}

	var jobs []downloadJob
	if err := s.walk(ctx, "", 0, &jobs); err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			data, err := s.source.Download(gctx, job.url)
			if err != nil {
				if errors.Is(err, ErrRateLimited) || gctx.Err() != nil {
					return err
				}
				s.logger.Warn("failed to download template file",
					slog.String("path", job.path),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if err := os.WriteFile(job.local, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", job.path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return countFiles(s.config.CacheDir)
}

// walk はディレクトリを再帰的に辿り、ダウンロード対象をjobsに追加する。
// ルート以外のディレクトリの一覧取得に失敗した場合は記録して続行する。
func (s *Syncer) walk(ctx context.Context, dir string, depth int, jobs *[]downloadJob) error {
	if depth > maxWalkDepth {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := s.source.ListContents(ctx, dir)
	if err != nil {
		if depth == 0 || errors.Is(err, ErrRateLimited) || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("failed to list template directory",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
		return nil
	}

	for _, entry := range entries {
		if !shouldSyncEntry(entry) || entry.Path == MetadataFile {
			continue
		}
		local, err := resolve(s.config.CacheDir, entry.Path)
		if err != nil || local == mustAbs(s.config.CacheDir) {
			s.logger.Warn("skipping template entry with unsafe path", slog.String("path", entry.Path))
			continue
		}

		switch entry.Type {
		case "dir":
			if err := os.MkdirAll(local, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", entry.Path, err)
			}
			if err := s.walk(ctx, entry.Path, depth+1, jobs); err != nil {
				return err
			}
		case "file":
			if !shouldDownload(entry.Name) || entry.DownloadURL == "" {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Dir(entry.Path), err)
			}
			*jobs = append(*jobs, downloadJob{url: entry.DownloadURL, local: local, path: entry.Path})
		}
	}
	return nil
}

// clearCache はメタデータ以外のキャッシュを削除する。
func (s *Syncer) clearCache() error {
	entries, err := os.ReadDir(s.config.CacheDir)
	if err != nil {
		return fmt.Errorf("failed to read cache dir: %w", err)
	}
	for _, e := range entries {
		if e.Name() == MetadataFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.config.CacheDir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear cache entry %s: %w", e.Name(), err)
		}
	}
	return nil
}

// countFiles はメタデータを除くキャッシュ内の通常ファイル数を返す。
func countFiles(cacheDir string) (int, error) {
	count := 0
	err := filepath.WalkDir(cacheDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && !(filepath.Dir(p) == filepath.Clean(cacheDir) && d.Name() == MetadataFile) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count cached files: %w", err)
	}
	return count, nil
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
