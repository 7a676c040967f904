package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeWorkdir(t *testing.T) string {
	t.Helper()
	wd := filepath.Join(t.TempDir(), "unit-7")
	require.NoError(t, os.MkdirAll(filepath.Join(wd, "beam1", "subjob_00"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wd, "beam1", "subjob_00", "dose.raw"), []byte("12345678"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(wd, "job_status.yaml"), []byte("phase: finished\n"), 0o644))
	return wd
}

func TestArchive_PacksAndRemovesWorkdir(t *testing.T) {
	wd := makeWorkdir(t)
	root := t.TempDir()
	a := &Archiver{CompletedDir: filepath.Join(root, "completed"), FailedDir: filepath.Join(root, "failed")}

	res, err := a.Archive(context.Background(), wd, "", true)
	require.NoError(t, err)
	assert.False(t, res.Existing)
	assert.Equal(t, filepath.Join(root, "completed", "unit-7"+Ext), res.Path)
	assert.NoDirExists(t, wd)

	names, err := List(res.Path)
	require.NoError(t, err)
	assert.Contains(t, names, "unit-7/beam1/subjob_00/dose.raw")
	assert.Contains(t, names, "unit-7/job_status.yaml")

	out := t.TempDir()
	require.NoError(t, Extract(res.Path, out))
	b, err := os.ReadFile(filepath.Join(out, "unit-7", "beam1", "subjob_00", "dose.raw"))
	require.NoError(t, err)
	assert.Equal(t, "12345678", string(b))
}

func TestArchive_SecondCallIsNoOp(t *testing.T) {
	wd := makeWorkdir(t)
	root := t.TempDir()
	a := &Archiver{CompletedDir: filepath.Join(root, "completed"), FailedDir: filepath.Join(root, "failed")}

	first, err := a.Archive(context.Background(), wd, "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "failed", "job-1"+Ext), first.Path)
	before, err := os.Stat(first.Path)
	require.NoError(t, err)

	second, err := a.Archive(context.Background(), wd, "job-1", false)
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.Path, second.Path)

	after, err := os.Stat(first.Path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	entries, err := os.ReadDir(filepath.Join(root, "failed"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestArchive_MissingEverything(t *testing.T) {
	a := &Archiver{CompletedDir: t.TempDir(), FailedDir: t.TempDir()}
	_, err := a.Archive(context.Background(), filepath.Join(t.TempDir(), "gone"), "", true)
	require.ErrorIs(t, err, ErrWorkDirMissing)
}

type failingSink struct{ err error }

func (s failingSink) Store(ctx context.Context, localPath, key string) (string, error) {
	return "", s.err
}

func TestArchive_UploadFailureKeepsWorkdir(t *testing.T) {
	wd := makeWorkdir(t)
	a := &Archiver{CompletedDir: t.TempDir(), FailedDir: t.TempDir(), Remote: failingSink{err: ErrThrottled}}
	_, err := a.Archive(context.Background(), wd, "", true)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.DirExists(t, wd)
}

type fakePutter struct {
	key  string
	body []byte
	err  error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = b
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink_Store(t *testing.T) {
	wd := makeWorkdir(t)
	put := &fakePutter{}
	sink := &S3Sink{client: put, bucket: "ideal-archive", prefix: "site-a"}
	a := &Archiver{CompletedDir: t.TempDir(), FailedDir: t.TempDir(), Remote: sink}

	res, err := a.Archive(context.Background(), wd, "job-3", true)
	require.NoError(t, err)
	assert.Equal(t, "s3://ideal-archive/site-a/completed/job-3"+Ext, res.Remote)
	assert.Equal(t, "site-a/completed/job-3"+Ext, put.key)

	onDisk, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, onDisk, put.body)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"AccessDenied", ErrAccessDenied},
		{"NoSuchBucket", ErrBucketNotFound},
		{"SlowDown", ErrThrottled},
		{"ServiceUnavailable", ErrUnavailable},
	}
	for _, tt := range tests {
		err := classify(&smithy.GenericAPIError{Code: tt.code, Message: "x"})
		assert.ErrorIs(t, err, tt.want, tt.code)
	}
	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}

func TestS3ConfigValidate(t *testing.T) {
	require.Error(t, S3Config{}.Validate())
	require.Error(t, S3Config{Bucket: "b", AccessKeyID: "only"}.Validate())
	require.NoError(t, S3Config{Bucket: "b"}.Validate())
}

func TestCompressFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "lifecycle.log")
	require.NoError(t, os.WriteFile(p, []byte("line one\nline two\n"), 0o644))

	dst, err := CompressFile(p)
	require.NoError(t, err)
	assert.Equal(t, p+".zst", dst)
	assert.NoFileExists(t, p)

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()
	b, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(b))
}
