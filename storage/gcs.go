package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const defaultObject = "notified-alerts.txt"

// gcsStore keeps the newline-delimited ID list in a single Cloud Storage object.
// Writes are conditional on the generation last read so concurrent runs do not
// overwrite each other's records.
type gcsStore struct {
	client *storage.Client
	obj    *storage.ObjectHandle
	logger *slog.Logger
	ids    map[string]struct{}
	bucket string
	key    string
	order  []string
	gen    int64 // 0 when the object does not exist yet
	// backoff is the first retry delay; jitter is up to ten times as much.
	backoff time.Duration
	mu      sync.Mutex
}

func openGCS(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket is required for gcs driver")
	}

	var opts []option.ClientOption
	if cfg.CredentialsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	s := newGCSStore(client, cfg, logger)
	if err := s.init(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func newGCSStore(client *storage.Client, cfg Config, logger *slog.Logger) *gcsStore {
	key := cfg.Object
	if key == "" {
		key = defaultObject
	}
	return &gcsStore{
		client:  client,
		obj:     client.Bucket(cfg.Bucket).Object(key),
		logger:  logger,
		bucket:  cfg.Bucket,
		key:     key,
		backoff: time.Second,
	}
}

// init loads the current records and creates the object when it is missing.
func (s *gcsStore) init(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		return err
	}
	if s.gen == 0 {
		if err := s.create(ctx); err != nil {
			return err
		}
	}
	s.logger.Info("Notification state loaded", "driver", DriverGCS, "bucket", s.bucket, "object", s.key, "records", len(s.ids))
	return nil
}

func (s *gcsStore) retryOptions(ctx context.Context, attempts uint) []retry.Option {
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(s.backoff),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * s.backoff),
		retry.Context(ctx),
	}
}

// load replaces the in-memory set with the current object contents.
func (s *gcsStore) load(ctx context.Context) error {
	var (
		data []byte
		gen  int64
	)
	err := retry.Do(
		func() error {
			r, openErr := s.obj.NewReader(ctx)
			if errors.Is(openErr, storage.ErrObjectNotExist) {
				data, gen = nil, 0
				return nil
			}
			if openErr != nil {
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			gen = r.Attrs.Generation
			return nil
		},
		append(s.retryOptions(ctx, 3),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying state load after error", "attempt", n, "object", s.key, "error", retryErr)
			}))...,
	)
	if err != nil {
		return fmt.Errorf("load after retries: %w", err)
	}

	list, err := ParseIDs(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse state object: %w", err)
	}
	s.ids = make(map[string]struct{}, len(list))
	s.order = s.order[:0]
	for _, id := range list {
		s.add(id)
	}
	s.gen = gen
	return nil
}

// create writes an empty object unless another run got there first.
func (s *gcsStore) create(ctx context.Context) error {
	gen, err := s.write(ctx, nil, 0)
	if isPreconditionFailed(err) {
		return s.load(ctx)
	}
	if err != nil {
		return fmt.Errorf("create state object: %w", err)
	}
	s.gen = gen
	return nil
}

// write uploads data if the object is still at generation gen (0: must not exist).
func (s *gcsStore) write(ctx context.Context, data []byte, gen int64) (int64, error) {
	cond := storage.Conditions{GenerationMatch: gen}
	if gen == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}
	w := s.obj.If(cond).NewWriter(ctx)
	w.ContentType = "text/plain; charset=utf-8"
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return 0, fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close storage writer: %w", err)
	}
	return w.Attrs().Generation, nil
}

func (s *gcsStore) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

func (s *gcsStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return false, ErrClosed
	}
	_, ok := s.ids[strings.TrimSpace(id)]
	return ok, nil
}

func (s *gcsStore) Record(ctx context.Context, id string) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return ErrClosed
	}

	stale := false
	err = retry.Do(
		func() error {
			if stale {
				if loadErr := s.load(ctx); loadErr != nil {
					return retry.Unrecoverable(loadErr)
				}
				stale = false
			}
			if _, ok := s.ids[id]; ok {
				return nil
			}
			gen, writeErr := s.write(ctx, encodeIDs(append(slices.Clone(s.order), id)), s.gen)
			if writeErr != nil {
				// Whatever happened, re-read before the next attempt.
				stale = true
				return writeErr
			}
			s.gen = gen
			s.add(id)
			return nil
		},
		append(s.retryOptions(ctx, 5),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying state record after error",
					"attempt", n,
					"object", s.key,
					"message_id", id,
					"precondition_failed", isPreconditionFailed(retryErr),
					"error", retryErr)
			}))...,
	)
	if err != nil {
		return fmt.Errorf("record after retries: %w", err)
	}

	s.logger.Debug("Notification recorded", "driver", DriverGCS, "bucket", s.bucket, "object", s.key, "message_id", id)
	return nil
}

func (s *gcsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// isPreconditionFailed reports whether a conditional write lost a race.
func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
