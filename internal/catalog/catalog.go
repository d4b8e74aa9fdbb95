package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"gridcore/internal/model"
)

var bucketName = []byte("workbooks")

// Entry 工作簿元数据快照（单元格数据在各自的 SQLite 文件中）
type Entry struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	CreatedAt time.Time     `json:"createdAt"`
	Sheets    []string      `json:"sheets"`
	Charts    []model.Chart `json:"charts"`
	Warnings  []string      `json:"warnings"`
}

// Catalog 基于 bbolt 的工作簿目录
type Catalog struct {
	db *bbolt.DB
}

// Open 打开（或创建）目录文件
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog bucket: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Save 写入（覆盖）一条目录记录
func (c *Catalog) Save(entry Entry) error {
	if entry.ID == "" {
		return errors.New("catalog entry id is required")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode catalog entry: %w", err)
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(entry.ID), data)
	})
}

// Delete 删除目录记录（不存在时忽略）
func (c *Catalog) Delete(id string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
}

// Load 读取全部目录记录，按创建时间升序
func (c *Catalog) Load() ([]Entry, error) {
	entries := []Entry{}

	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("catalog entry %s: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortEntries(entries)
	return entries, nil
}

// Close 关闭目录文件
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
