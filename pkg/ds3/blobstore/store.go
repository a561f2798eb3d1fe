// Package blobstore implements ds3.Client on top of a gocloud.dev blob
// bucket. It stands in for a tape-backed object store: chunk allocation can
// be told to answer "not ready" for a number of polls before every round.
package blobstore

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	"gocloud.dev/gcerrors"

	"github.com/NamanBalaji/ds3bulk/internal/errors"
	"github.com/NamanBalaji/ds3bulk/internal/logger"
	"github.com/NamanBalaji/ds3bulk/pkg/ds3"
)

const (
	DefaultPartSize   = 64 << 20
	DefaultChunkParts = 4
	DefaultRetryAfter = time.Second

	maxPageSize = 1000

	bucketsPrefix = "_buckets/"
	jobsPrefix    = "_jobs/"
	partsPrefix   = "_parts/"
	dataPrefix    = "data/"
)

type Option func(*Store)

// WithPartSize sets the largest part a job is split into.
func WithPartSize(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.partSize = n
		}
	}
}

// WithChunkParts sets how many parts are grouped into one chunk.
func WithChunkParts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.chunkParts = n
		}
	}
}

// WithNotReadyRounds makes every allocation round start with n not-ready answers.
func WithNotReadyRounds(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.notReadyRounds = n
		}
	}
}

// WithRetryAfter sets the delay suggested with a not-ready answer.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Store) {
		s.retryAfter = d
	}
}

// WithInitialChunks limits the chunks listed in the master object list
// returned by a bulk request. Zero lists all of them.
func WithInitialChunks(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.initialChunks = n
		}
	}
}

// WithChunksPerAllocation limits the chunks handed out by one allocation.
// Zero hands out every pending chunk.
func WithChunksPerAllocation(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.chunksPerAllocation = n
		}
	}
}

var _ ds3.Client = (*Store)(nil)

// Store keeps objects, in-flight parts and job records in one blob bucket.
type Store struct {
	bucket *blob.Bucket

	partSize            int64
	chunkParts          int
	notReadyRounds      int
	retryAfter          time.Duration
	initialChunks       int
	chunksPerAllocation int

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobState
}

func New(bucket *blob.Bucket, opts ...Option) *Store {
	s := &Store{
		bucket:     bucket,
		partSize:   DefaultPartSize,
		chunkParts: DefaultChunkParts,
		retryAfter: DefaultRetryAfter,
		jobs:       make(map[uuid.UUID]*jobState),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Open opens the blob bucket at urlstr, such as "file:///var/lib/ds3" or "mem://".
func Open(ctx context.Context, urlstr string, opts ...Option) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", urlstr, err)
	}

	return New(bucket, opts...), nil
}

// Close releases the bucket.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// CreateBucket creates an empty bucket. Creating an existing bucket is a no-op.
func (s *Store) CreateBucket(ctx context.Context, name string) error {
	if name == "" || strings.Contains(name, "/") {
		return errors.NewBackendError(fmt.Errorf("invalid bucket name %q", name), name, 400)
	}

	if err := s.bucket.WriteAll(ctx, bucketsPrefix+name, nil, nil); err != nil {
		return backendError(err, name)
	}

	return nil
}

func (s *Store) BulkPut(ctx context.Context, bucket string, objects []ds3.Object) (*ds3.MasterObjectList, error) {
	if err := s.checkBucket(ctx, bucket); err != nil {
		return nil, err
	}

	if err := validateObjects(bucket, objects); err != nil {
		return nil, err
	}

	return s.createJob(ctx, bucket, ds3.RequestPut, objects)
}

// BulkGet creates a read job. Object sizes are taken from the store.
func (s *Store) BulkGet(ctx context.Context, bucket string, objects []ds3.Object) (*ds3.MasterObjectList, error) {
	if err := s.checkBucket(ctx, bucket); err != nil {
		return nil, err
	}

	if err := validateObjects(bucket, objects); err != nil {
		return nil, err
	}

	sized := make([]ds3.Object, 0, len(objects))
	for _, obj := range objects {
		attrs, err := s.bucket.Attributes(ctx, dataKey(bucket, obj.Name))
		if err != nil {
			return nil, backendError(err, bucket+"/"+obj.Name)
		}

		sized = append(sized, ds3.Object{Name: obj.Name, Size: attrs.Size})
	}

	return s.createJob(ctx, bucket, ds3.RequestGet, sized)
}

func (s *Store) createJob(ctx context.Context, bucket string, requestType ds3.RequestType, objects []ds3.Object) (*ds3.MasterObjectList, error) {
	chunks := planChunks(objects, s.partSize, s.chunkParts)
	job := newJobState(bucket, requestType, objects, chunks, s.notReadyRounds)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(ctx, job); err != nil {
		return nil, err
	}
	s.jobs[job.ID] = job

	listed := chunks
	if s.initialChunks > 0 && len(listed) > s.initialChunks {
		listed = listed[:s.initialChunks]
	}

	logger.Debugf("Created %s job %s on %s: %d object(s), %d chunk(s)", requestType, job.ID, bucket, len(objects), len(chunks))

	return &ds3.MasterObjectList{
		JobID:       job.ID,
		Bucket:      bucket,
		RequestType: requestType,
		Objects:     objects,
		Chunks:      listed,
	}, nil
}

// AllocateChunks answers not-ready for the configured number of polls, then
// hands out pending chunks. Once every part was transferred the job is done.
func (s *Store) AllocateChunks(ctx context.Context, jobID uuid.UUID) (*ds3.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.complete() {
		return &ds3.Allocation{Status: ds3.AllocationDone}, nil
	}

	if job.NotReady > 0 {
		job.NotReady--
		if err := s.persist(ctx, job); err != nil {
			return nil, err
		}

		return &ds3.Allocation{Status: ds3.AllocationRetryLater, RetryAfter: s.retryAfter}, nil
	}

	chunks := job.nextRound(s.chunksPerAllocation)
	job.NotReady = s.notReadyRounds

	if err := s.persist(ctx, job); err != nil {
		return nil, err
	}

	return &ds3.Allocation{Status: ds3.AllocationReady, Chunks: chunks}, nil
}

// GetJobStatus returns the job with only its untransferred parts listed.
func (s *Store) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*ds3.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	pending := job.pending()

	return &ds3.JobStatus{
		JobID:                job.ID,
		Bucket:               job.Bucket,
		RequestType:          job.RequestType,
		Truncated:            len(pending) == 0,
		Completed:            len(pending) == 0,
		OriginalSizeInBytes:  job.totalSize(),
		CompletedSizeInBytes: job.completedSize(),
		CachedSizeInBytes:    job.completedSize(),
		Objects:              job.Objects,
		Chunks:               pending,
	}, nil
}

// PutPart stores one part. When the last part of an object arrives the
// parts are joined into the object.
func (s *Store) PutPart(ctx context.Context, jobID uuid.UUID, bucket string, part ds3.Part, body io.Reader) error {
	if err := s.checkPart(ctx, jobID, bucket, ds3.RequestPut, part); err != nil {
		return err
	}

	key := partKey(jobID, part.Object, part.Number)

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return backendError(err, key)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		w.Close()
		_ = s.bucket.Delete(ctx, key)
		return errors.NewIOError(fmt.Errorf("write part: %w", err), key)
	}

	if err := w.Close(); err != nil {
		return backendError(err, key)
	}

	if n != part.Length {
		_ = s.bucket.Delete(ctx, key)
		return errors.NewBackendError(fmt.Errorf("part length mismatch: got %d bytes, want %d", n, part.Length), key, 400)
	}

	s.mu.Lock()
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	job.markDone(part.Object, part.Number)
	assemble := job.objectDone(part.Object) && !job.Assembled[part.Object]
	if assemble {
		job.Assembled[part.Object] = true
	}
	parts := job.partsOf(part.Object)
	err = s.persist(ctx, job)
	s.mu.Unlock()

	if err != nil {
		return err
	}

	if !assemble {
		return nil
	}

	if err := s.assemble(ctx, jobID, bucket, part.Object, parts); err != nil {
		s.mu.Lock()
		job.Assembled[part.Object] = false
		job.unmarkDone(part.Object, part.Number)
		_ = s.persist(ctx, job)
		s.mu.Unlock()

		return err
	}

	return nil
}

func (s *Store) assemble(ctx context.Context, jobID uuid.UUID, bucket, object string, parts []ds3.Part) error {
	key := dataKey(bucket, object)

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return backendError(err, key)
	}

	for _, p := range parts {
		if err := s.copyPart(ctx, w, partKey(jobID, object, p.Number)); err != nil {
			w.Close()
			return err
		}
	}

	if err := w.Close(); err != nil {
		return backendError(err, key)
	}

	for _, p := range parts {
		_ = s.bucket.Delete(ctx, partKey(jobID, object, p.Number)) // ignore errors
	}

	logger.Debugf("Assembled %s/%s from %d part(s)", bucket, object, len(parts))

	return nil
}

func (s *Store) copyPart(ctx context.Context, w io.Writer, key string) error {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return backendError(err, key)
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return backendError(err, key)
	}

	return nil
}

// GetPart opens a byte range of a stored object. The part counts as
// transferred once all of it was read and the reader closed.
func (s *Store) GetPart(ctx context.Context, jobID uuid.UUID, bucket string, part ds3.Part) (io.ReadCloser, error) {
	if err := s.checkPart(ctx, jobID, bucket, ds3.RequestGet, part); err != nil {
		return nil, err
	}

	key := dataKey(bucket, part.Object)

	r, err := s.bucket.NewRangeReader(ctx, key, part.Offset, part.Length, nil)
	if err != nil {
		return nil, backendError(err, key)
	}

	return &partReader{r: r, store: s, jobID: jobID, part: part}, nil
}

type partReader struct {
	r     io.ReadCloser
	store *Store
	jobID uuid.UUID
	part  ds3.Part
	read  int64
}

func (p *partReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	return n, err
}

func (p *partReader) Close() error {
	if err := p.r.Close(); err != nil {
		return err
	}

	if p.read < p.part.Length {
		return nil
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()

	ctx := context.Background()
	job, err := p.store.loadJob(ctx, p.jobID)
	if err != nil {
		return err
	}

	job.markDone(p.part.Object, p.part.Number)

	return p.store.persist(ctx, job)
}

// ListObjects returns one page of keys in a bucket. The marker is opaque.
func (s *Store) ListObjects(ctx context.Context, req ds3.ListRequest) (*ds3.ListBucketResult, error) {
	if err := s.checkBucket(ctx, req.Bucket); err != nil {
		return nil, err
	}

	pageSize := req.MaxKeys
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	token := blob.FirstPageToken
	if req.Marker != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(req.Marker)
		if err != nil {
			return nil, errors.NewBackendError(fmt.Errorf("invalid marker: %w", err), req.Bucket, 400)
		}
		token = decoded
	}

	root := dataKey(req.Bucket, "")
	objs, next, err := s.bucket.ListPage(ctx, token, pageSize, &blob.ListOptions{Prefix: root + req.Prefix})
	if err != nil {
		return nil, backendError(err, req.Bucket)
	}

	contents := lo.FilterMap(objs, func(o *blob.ListObject, _ int) (ds3.Contents, bool) {
		return ds3.Contents{
			Key:          strings.TrimPrefix(o.Key, root),
			Size:         o.Size,
			ETag:         hex.EncodeToString(o.MD5),
			LastModified: o.ModTime,
		}, !o.IsDir
	})

	result := &ds3.ListBucketResult{
		Bucket:      req.Bucket,
		Prefix:      req.Prefix,
		Contents:    contents,
		IsTruncated: len(next) > 0,
	}
	if result.IsTruncated {
		result.NextMarker = base64.RawURLEncoding.EncodeToString(next)
	}

	return result, nil
}

// ReadObject returns the content of a stored object.
func (s *Store) ReadObject(ctx context.Context, bucket, name string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, dataKey(bucket, name))
	if err != nil {
		return nil, backendError(err, bucket+"/"+name)
	}

	return data, nil
}

// WriteObject stores an object directly, outside of any job.
func (s *Store) WriteObject(ctx context.Context, bucket, name string, data []byte) error {
	if err := s.checkBucket(ctx, bucket); err != nil {
		return err
	}

	if err := s.bucket.WriteAll(ctx, dataKey(bucket, name), data, nil); err != nil {
		return backendError(err, bucket+"/"+name)
	}

	return nil
}

func (s *Store) checkBucket(ctx context.Context, bucket string) error {
	ok, err := s.bucket.Exists(ctx, bucketsPrefix+bucket)
	if err != nil {
		return backendError(err, bucket)
	}

	if !ok {
		return errors.NewBackendError(fmt.Errorf("bucket %q does not exist", bucket), bucket, 404)
	}

	return nil
}

func (s *Store) checkPart(ctx context.Context, jobID uuid.UUID, bucket string, requestType ds3.RequestType, part ds3.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	resource := fmt.Sprintf("%s/%s#%d", bucket, part.Object, part.Number)

	switch {
	case job.RequestType != requestType:
		return errors.NewBackendError(fmt.Errorf("job %s is a %s job", jobID, job.RequestType), resource, 400)
	case job.Bucket != bucket:
		return errors.NewBackendError(fmt.Errorf("job %s belongs to bucket %q", jobID, job.Bucket), resource, 400)
	case !job.hasPart(part):
		return errors.NewBackendError(fmt.Errorf("part is not in job %s", jobID), resource, 404)
	}

	return nil
}

// loadJob must be called with mu held.
func (s *Store) loadJob(ctx context.Context, jobID uuid.UUID) (*jobState, error) {
	if job, ok := s.jobs[jobID]; ok {
		return job, nil
	}

	data, err := s.bucket.ReadAll(ctx, jobsPrefix+jobID.String())
	if err != nil {
		return nil, backendError(err, "job "+jobID.String())
	}

	job := &jobState{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, errors.NewBackendError(fmt.Errorf("decode job: %w", err), "job "+jobID.String(), 500)
	}

	if job.Done == nil {
		job.Done = make(map[string]map[int]bool)
	}
	if job.Assembled == nil {
		job.Assembled = make(map[string]bool)
	}

	s.jobs[jobID] = job

	return job, nil
}

// persist must be called with mu held.
func (s *Store) persist(ctx context.Context, job *jobState) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	if err := s.bucket.WriteAll(ctx, jobsPrefix+job.ID.String(), data, nil); err != nil {
		return backendError(err, "job "+job.ID.String())
	}

	return nil
}

func validateObjects(bucket string, objects []ds3.Object) error {
	if len(objects) == 0 {
		return errors.NewBackendError(errors.New("no objects in bulk request"), bucket, 400)
	}

	seen := make(map[string]bool, len(objects))
	for _, obj := range objects {
		switch {
		case obj.Name == "":
			return errors.NewBackendError(errors.New("empty object name"), bucket, 400)
		case obj.Size < 0:
			return errors.NewBackendError(fmt.Errorf("negative size for %q", obj.Name), bucket, 400)
		case seen[obj.Name]:
			return errors.NewBackendError(fmt.Errorf("object %q listed twice", obj.Name), bucket, 400)
		}
		seen[obj.Name] = true
	}

	return nil
}

// backendError maps a blob error to a categorized backend error.
func backendError(err error, resource string) error {
	switch gcerrors.Code(err) {
	case gcerrors.Canceled, gcerrors.DeadlineExceeded:
		return err
	case gcerrors.NotFound:
		return errors.NewBackendError(err, resource, 404)
	case gcerrors.InvalidArgument, gcerrors.FailedPrecondition:
		return errors.NewBackendError(err, resource, 400)
	case gcerrors.PermissionDenied:
		return errors.NewBackendError(err, resource, 403)
	case gcerrors.ResourceExhausted:
		return errors.NewBackendError(err, resource, 429)
	case gcerrors.Unimplemented:
		return errors.NewBackendError(err, resource, 501)
	default:
		return errors.NewBackendError(err, resource, 500)
	}
}

func dataKey(bucket, name string) string {
	return dataPrefix + bucket + "/" + name
}

func partKey(jobID uuid.UUID, object string, number int) string {
	return partsPrefix + jobID.String() + "/" + object + "/" + strconv.Itoa(number)
}
