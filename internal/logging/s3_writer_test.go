package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollen_ledger/internal/models"
)

type fakePutObject struct {
	key    string
	bucket string
	body   []byte
	err    error
	calls  int
}

func (f *fakePutObject) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.key = *in.Key
	f.bucket = *in.Bucket
	body, _ := io.ReadAll(in.Body)
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Writer_WriteBatch(t *testing.T) {
	fake := &fakePutObject{}
	writer := NewS3WriterWithClient(fake, "ledger-bucket", "ledger/", "ledger-0")
	writer.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 123, time.UTC) }

	records := []*models.Record{
		{Kind: "webhook", EventID: "a", Outcome: models.OutcomeApplied},
		{Kind: "webhook", EventID: "b", Outcome: models.OutcomeDuplicate},
	}

	key, err := writer.WriteBatch(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, "ledger/2026/03/04/ledger-0-20260304-050607-123.jsonl", key)
	assert.Equal(t, "ledger-bucket", fake.bucket)

	var lines []models.Record
	scanner := bufio.NewScanner(bytes.NewReader(fake.body))
	for scanner.Scan() {
		var rec models.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, models.OutcomeDuplicate, lines[1].Outcome)
}

func TestS3Writer_EmptyBatch(t *testing.T) {
	fake := &fakePutObject{}
	writer := NewS3WriterWithClient(fake, "b", "p/", "pod")

	key, err := writer.WriteBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Zero(t, fake.calls)
}

func TestS3Writer_UploadError(t *testing.T) {
	fake := &fakePutObject{err: errors.New("access denied")}
	writer := NewS3WriterWithClient(fake, "b", "p/", "pod")

	_, err := writer.WriteBatch(context.Background(), []*models.Record{{Kind: "refill"}})
	assert.Error(t, err)
}
