package snapshot

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafflux/petdb/internal/data"
)

func models() map[string]data.Fields {
	return map[string]data.Fields{
		"cat": {"petName": {"label": "Name", "defaultVal": ""}, "age": {"label": "Age", "defaultVal": -1.0}},
		"dog": {"breed": {"label": "Breed", "defaultVal": "mixed"}},
	}
}

func TestEncodeDecode(t *testing.T) {
	b, err := Encode(models())
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "Name", got["cat"]["petName"]["label"])
	assert.Equal(t, -1.0, got["cat"]["age"]["defaultVal"])

	tampered := bytes.Replace(b, []byte(`"Breed"`), []byte(`"Bread"`), 1)
	_, err = Decode(tampered)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	_, err = Decode([]byte(`garbage`))
	assert.Error(t, err)
}

func TestFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "models.json")
	f := NewFile(path)

	_, err := f.Load(ctx)
	assert.True(t, errors.Is(err, ErrNoSnapshot))

	require.NoError(t, f.Save(ctx, models()))
	got, err := f.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mixed", got["dog"]["breed"]["defaultVal"])

	require.NoError(t, f.Save(ctx, map[string]data.Fields{"dog": {}}))
	got, err = f.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, got, "cat", "save overwrites the whole snapshot")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file is cleaned up")
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	require.NoError(t, c.Save(context.Background(), models()))
	_, err := c.Load(context.Background())
	assert.True(t, errors.Is(err, ErrNoSnapshot))
}

type fakeObjects struct {
	objects map[string][]byte
	putErr  error
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = b
	return &s3.PutObjectOutput{}, nil
}

func TestS3(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{objects: map[string][]byte{}}
	c := NewS3WithClient(objects, "pets", "")

	_, err := c.Load(ctx)
	assert.True(t, errors.Is(err, ErrNoSnapshot))

	require.NoError(t, c.Save(ctx, models()))
	assert.Contains(t, objects.objects, "pets/models.json")

	got, err := c.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, models()["dog"], got["dog"])

	objects.putErr = errors.New("access denied")
	assert.Error(t, c.Save(ctx, models()))
}
