package s3mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Config is read from VM_S3_MIRROR_* environment variables.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string
	Workers   int
	Queue     int
}

// ConfigFromEnv returns ok=false when no endpoint is configured.
func ConfigFromEnv() (Config, bool) {
	c := Config{
		Endpoint:  os.Getenv("VM_S3_MIRROR_ENDPOINT"),
		Bucket:    os.Getenv("VM_S3_MIRROR_BUCKET"),
		Region:    os.Getenv("VM_S3_MIRROR_REGION"),
		AccessKey: os.Getenv("VM_S3_MIRROR_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("VM_S3_MIRROR_SECRET_ACCESS_KEY"),
		Prefix:    os.Getenv("VM_S3_MIRROR_PREFIX"),
	}
	c.Workers, _ = strconv.Atoi(os.Getenv("VM_S3_MIRROR_WORKERS"))
	c.Queue, _ = strconv.Atoi(os.Getenv("VM_S3_MIRROR_QUEUE"))
	return c, strings.TrimSpace(c.Endpoint) != ""
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Enqueued      uint64
	Dropped       uint64
	Uploaded      uint64
	Failed        uint64
	LastSuccess   int64
	LastError     int64
}

// Mirror uploads files below dataDir, keyed by their relative path.
type Mirror struct {
	client      *Client
	dataDir     string
	prefix      string
	logger      *log.Logger
	enqueueWait time.Duration
	retryBase   time.Duration

	jobs   chan string
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

func New(cfg Config, dataDir string, logger *log.Logger) (*Mirror, error) {
	client, err := NewClient(cfg.Endpoint, cfg.Bucket, cfg.Region, cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	return newMirror(client, dataDir, cfg.Prefix, cfg.Workers, cfg.Queue, logger), nil
}

func newMirror(client *Client, dataDir, prefix string, workers, queue int, logger *log.Logger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		client:      client,
		dataDir:     dataDir,
		prefix:      strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		logger:      logger,
		enqueueWait: 25 * time.Millisecond,
		retryBase:   200 * time.Millisecond,
		jobs:        make(chan string, queue),
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It waits briefly when the queue is
// full and then drops the file.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.enqueued.Inc()
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(m.enqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
	case <-t.C:
		n := m.dropped.Inc()
		m.printf("mirror drop local=%s reason=queue_full dropped_total=%d", localPath, n)
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
	m.cancel()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(m.jobs),
		QueueCapacity: cap(m.jobs),
		Enqueued:      m.enqueued.Load(),
		Dropped:       m.dropped.Load(),
		Uploaded:      m.uploaded.Load(),
		Failed:        m.failed.Load(),
		LastSuccess:   m.lastSuccess.Load(),
		LastError:     m.lastError.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.failed.Inc()
		m.printf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	const attempts = 4
	for i := 1; ; i++ {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		err = m.client.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			m.uploaded.Inc()
			m.lastSuccess.Store(time.Now().Unix())
			m.printf("mirror uploaded key=%s", key)
			return
		}
		if i == attempts {
			break
		}
		select {
		case <-time.After(time.Duration(i*i) * m.retryBase):
		case <-m.ctx.Done():
		}
	}
	m.failed.Inc()
	m.lastError.Store(time.Now().Unix())
	m.printf("mirror upload failed key=%s err=%v", key, err)
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	base, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.prefix != "" {
		return path.Join(m.prefix, rel), nil
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
