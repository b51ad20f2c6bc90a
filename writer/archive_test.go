package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"gainscan/config"
	"gainscan/logger"
	"gainscan/models"
)

type fakePutter struct {
	bucket string
	key    string
	body   []byte
	err    error
	calls  int
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func quietLogger() *logger.Log {
	log := logger.Logger()
	log.SetOutput(io.Discard)
	return log
}

func sampleBundle() *models.ResultBundle {
	return &models.ResultBundle{
		RunID:     "run-1",
		StartTime: time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 3, 9, 10, 5, 0, 0, time.UTC),
		Results: []models.ResultItem{
			{Symbol: "AUSDT", Gain1D: 0.5, Gain2D: 1, Gain3D: 2, Conditions: []models.Condition{models.ConditionB, models.ConditionC}},
		},
	}
}

func TestArchiveUploadsParquet(t *testing.T) {
	put := &fakePutter{}
	w := newArchiveWriter(put, "bucket", "/scans/", quietLogger())

	key, err := w.Archive(context.Background(), 12, sampleBundle())
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	want := "scans/date=2024-03-09/gainscan_20240309100500_run-1.parquet"
	if key != want || put.key != want || put.bucket != "bucket" {
		t.Fatalf("unexpected key %q (uploaded %q to %q)", key, put.key, put.bucket)
	}
	if !bytes.HasPrefix(put.body, []byte("PAR1")) || !bytes.HasSuffix(put.body, []byte("PAR1")) {
		t.Fatal("uploaded body is not a parquet file")
	}
}

func TestArchiveSkipsEmptyBundle(t *testing.T) {
	put := &fakePutter{}
	w := newArchiveWriter(put, "bucket", "", quietLogger())

	b := sampleBundle()
	b.Results = nil
	if key, err := w.Archive(context.Background(), 1, b); err != nil || key != "" {
		t.Fatalf("expected no upload, got key=%q err=%v", key, err)
	}
	if put.calls != 0 {
		t.Fatal("empty bundle must not be uploaded")
	}
}

func TestArchiveUploadError(t *testing.T) {
	w := newArchiveWriter(&fakePutter{err: errors.New("denied")}, "bucket", "", quietLogger())
	if _, err := w.Archive(context.Background(), 1, sampleBundle()); err == nil {
		t.Fatal("expected upload error")
	}
}

func TestNewArchiveWriterDisabled(t *testing.T) {
	if _, err := NewArchiveWriter(context.Background(), config.S3Config{}, quietLogger()); err == nil {
		t.Fatal("expected error when s3 is disabled")
	}
}

func TestNormalizeBucketName(t *testing.T) {
	bucket, err := normalizeBucketName(" my-bucket ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "my-bucket" {
		t.Fatalf("expected trimmed bucket 'my-bucket', got %q", bucket)
	}
	if _, err := normalizeBucketName("   \t  "); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
