// Package client は本APIを利用するクライアント側の認証セッション管理を提供する。
// 永続化された認証状態、Bearerトークンの付与、ルートガード、ログインウィザード、
// 再送クールダウン、入力検証、OTP入力、APIクライアントを含む。
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageNamespace は認証状態を永続化する固定の名前空間。
const StorageNamespace = "auth-storage"

// storageVersion は永続化フォーマットのバージョン。
const storageVersion = 0

// User はトークン発行時点のユーザー情報のスナップショット。
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	CreatedAt    time.Time `json:"created_at"`
	AuthProvider string    `json:"auth_provider,omitempty"`
}

// State はクライアントの認証状態。
type State struct {
	User            *User  `json:"user"`
	Token           string `json:"token"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// persisted は保存ファイルの形式 {"state": {...}, "version": 0}。
type persisted struct {
	State   State `json:"state"`
	Version int   `json:"version"`
}

// Store は認証状態の永続化境界。
type Store interface {
	Load() (State, error)
	Save(state State) error
}

// FileStore は<dir>/auth-storage.jsonに認証状態を保存する。
type FileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore はdir配下に保存するFileStoreを生成する。
func NewFileStore(dir string) *FileStore {
	return &FileStore{path: filepath.Join(dir, StorageNamespace+".json")}
}

// Path は保存先ファイルのパスを返す。
func (s *FileStore) Path() string { return s.path }

// Load は保存された状態を読み込む。ファイルがない場合はゼロ値を返す。
func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read auth state: %w", err)
	}

	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return State{}, fmt.Errorf("failed to parse auth state: %w", err)
	}
	return p.State, nil
}

// Save は状態を一時ファイルに書き出してから置き換える。パーミッションは0600。
func (s *FileStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(persisted{State: state, Version: storageVersion})
	if err != nil {
		return fmt.Errorf("failed to encode auth state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create auth state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+StorageNamespace+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write auth state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace auth state: %w", err)
	}
	return nil
}

// MemoryStore はメモリ上に状態を保持するStore。テストや一時的なCLI実行で使う。
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	return st, nil
}

func (s *MemoryStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.User != nil {
		u := *state.User
		state.User = &u
	}
	s.state = state
	return nil
}
