package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "gainscan/config"
	"gainscan/logger"
	"gainscan/models"
)

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// resultRecord is one matched symbol of one run.
type resultRecord struct {
	HistoryID  int64   `parquet:"name=history_id, type=INT64"`
	RunID      string  `parquet:"name=run_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	StartTime  int64   `parquet:"name=start_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	EndTime    int64   `parquet:"name=end_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Gain1D     float64 `parquet:"name=gain_1d, type=DOUBLE"`
	Gain2D     float64 `parquet:"name=gain_2d, type=DOUBLE"`
	Gain3D     float64 `parquet:"name=gain_3d, type=DOUBLE"`
	Conditions string  `parquet:"name=conditions, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveWriter uploads each persisted result bundle to S3 as a
// snappy-compressed parquet file.
type ArchiveWriter struct {
	s3Client objectPutter
	bucket   string
	prefix   string
	log      *logger.Log
}

// NewArchiveWriter builds the S3 client from storage.s3.
func NewArchiveWriter(ctx context.Context, cfg appconfig.S3Config, log *logger.Log) (*ArchiveWriter, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("s3 storage is disabled")
	}

	bucket, err := normalizeBucketName(cfg.Bucket)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("archive writer initialized")

	return newArchiveWriter(s3Client, bucket, cfg.Prefix, log), nil
}

func newArchiveWriter(client objectPutter, bucket, prefix string, log *logger.Log) *ArchiveWriter {
	return &ArchiveWriter{
		s3Client: client,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		log:      log,
	}
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

// Archive writes the bundle's results under a date partition and returns the
// object key. Bundles without results are not uploaded.
func (w *ArchiveWriter) Archive(ctx context.Context, historyID int64, bundle *models.ResultBundle) (string, error) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"run_id":     bundle.RunID,
		"history_id": historyID,
	})
	if len(bundle.Results) == 0 {
		log.Debug("no results to archive")
		return "", nil
	}

	data, err := createParquet(historyID, bundle)
	if err != nil {
		return "", fmt.Errorf("create parquet: %w", err)
	}

	key := w.objectKey(bundle)
	_, err = w.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}

	log.WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(bundle.Results),
		"bytes":   len(data),
	}).Info("results archived")
	return key, nil
}

func createParquet(historyID int64, bundle *models.ResultBundle) ([]byte, error) {
	mf := newArchiveMemFile()
	pw, err := writer.NewParquetWriter(mf, new(resultRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range bundle.Results {
		conds := make([]string, len(r.Conditions))
		for i, c := range r.Conditions {
			conds[i] = string(c)
		}
		rec := resultRecord{
			HistoryID:  historyID,
			RunID:      bundle.RunID,
			StartTime:  bundle.StartTime.UTC().UnixMilli(),
			EndTime:    bundle.EndTime.UTC().UnixMilli(),
			Symbol:     r.Symbol,
			Gain1D:     r.Gain1D,
			Gain2D:     r.Gain2D,
			Gain3D:     r.Gain3D,
			Conditions: strings.Join(conds, ","),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (w *ArchiveWriter) objectKey(bundle *models.ResultBundle) string {
	ts := bundle.EndTime.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	filename := fmt.Sprintf("gainscan_%s_%s.parquet", ts.Format("20060102150405"), bundle.RunID)
	return path.Join(w.prefix, fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()), filename)
}
